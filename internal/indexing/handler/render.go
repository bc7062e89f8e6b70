package handler

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vietddude/partywatch/internal/core/domain"
	"github.com/vietddude/partywatch/internal/infra/notify"
)

const (
	colorDefault  = 0x0099ff
	colorLowFID   = 0x00de34
	colorProgress = 0xf5a623
	colorFinal    = 0x2ecc71
	colorRefund   = 0xe74c3c
)

// Renderer builds notification messages.
type Renderer struct {
	lowFIDRole   string
	fidThreshold uint64
}

// NewRenderer creates a renderer. Tokens whose deployer FID is below
// fidThreshold mention lowFIDRole.
func NewRenderer(lowFIDRole string, fidThreshold uint64) *Renderer {
	return &Renderer{lowFIDRole: lowFIDRole, fidThreshold: fidThreshold}
}

// FormatEther renders a wei amount as ETH without losing precision.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

func tokenLinks(token common.Address) string {
	hex := token.Hex()
	return fmt.Sprintf("%s\n**[Basescan](https://basescan.org/token/%s)** | **[Dexscreener](https://dexscreener.com/base/%s)** | **[Uniswap](%s)**",
		hex, hex, hex, uniswapLink(token))
}

func uniswapLink(token common.Address) string {
	return "https://app.uniswap.org/#/swap?inputCurrency=ETH&outputCurrency=" + token.Hex() + "&chain=base"
}

func addressLink(a common.Address) string {
	return fmt.Sprintf("[%s](https://basescan.org/address/%s)", a.Hex(), a.Hex())
}

func crowdfundURL(a common.Address) string {
	return "https://www.larry.club/token/" + a.Hex()
}

func txLink(h common.Hash) string {
	return fmt.Sprintf("[%s](https://basescan.org/tx/%s)", shortHash(h), h.Hex())
}

func shortHash(h common.Hash) string {
	s := h.Hex()
	return s[:10] + "…" + s[len(s)-6:]
}

// TokenCreated renders a token launch.
func (r *Renderer) TokenCreated(ev domain.Event) (notify.Message, error) {
	token, err := ev.Address("tokenAddress")
	if err != nil {
		return notify.Message{}, err
	}
	deployer, err := ev.Address("deployer")
	if err != nil {
		return notify.Message{}, err
	}
	fid, err := ev.BigInt("fid")
	if err != nil {
		return notify.Message{}, err
	}
	msg := notify.Message{
		Title: "🔔 Clank Clank!",
		URL:   "https://dexscreener.com/base/" + token.Hex(),
		Color: colorDefault,
		Fields: []notify.Field{
			{Name: "Token Name", Value: ev.Text("name"), Inline: true},
			{Name: "Ticker", Value: ev.Text("symbol"), Inline: true},
			{Name: "Contract Address", Value: tokenLinks(token)},
			{Name: "Deployer", Value: addressLink(deployer)},
			{Name: "FID", Value: fid.String()},
		},
	}
	if cast := ev.Text("castHash"); cast != "" {
		msg.Fields = append(msg.Fields, notify.Field{
			Name:  "Cast",
			Value: "**[View Launch Cast](https://warpcast.com/~/conversations/" + cast + ")**",
		})
	}
	if supply, err := ev.BigInt("supply"); err == nil {
		msg.Fields = append(msg.Fields, notify.Field{Name: "Supply", Value: FormatEther(supply)})
	}
	if lp, err := ev.BigInt("lpNftId"); err == nil {
		msg.Fields = append(msg.Fields, notify.Field{
			Name:  "LP Position",
			Value: fmt.Sprintf("**[NFT ID: %s](https://app.uniswap.org/#/pool/%s)**", lp, lp),
		})
	}

	if r.fidThreshold > 0 && fid.IsUint64() && fid.Uint64() < r.fidThreshold {
		msg.Color = colorLowFID
		if r.lowFIDRole != "" {
			msg.Mention = "<@&" + r.lowFIDRole + ">"
		}
	}
	return msg, nil
}

// CrowdfundCreated renders a new crowdfund announcement.
func (r *Renderer) CrowdfundCreated(ev domain.Event, crowdfund common.Address) notify.Message {
	name, symbol := ev.Text("name"), ev.Text("symbol")
	msg := notify.Message{
		Title:       fmt.Sprintf("🎉 New Party: %s (%s)", name, symbol),
		Description: "A new crowdfund is open for contributions.",
		URL:         crowdfundURL(crowdfund),
		Color:       colorDefault,
		Fields: []notify.Field{
			{Name: "Token Name", Value: name, Inline: true},
			{Name: "Ticker", Value: symbol, Inline: true},
			{Name: "Crowdfund", Value: addressLink(crowdfund)},
		},
		Footer: "tx " + ev.TxHash.Hex(),
	}
	if supply, err := ev.BigInt("totalSupply"); err == nil {
		msg.Fields = append(msg.Fields, notify.Field{Name: "Total Supply", Value: FormatEther(supply), Inline: true})
	}
	if creator, err := ev.Address("creator"); err == nil {
		msg.Fields = append(msg.Fields, notify.Field{Name: "Creator", Value: addressLink(creator)})
	}
	return msg
}

// Contribution renders a contribution update.
func (r *Renderer) Contribution(crowdfund common.Address, c domain.Contribution) notify.Message {
	return notify.Message{
		Title: "💰 New Contribution",
		URL:   crowdfundURL(crowdfund),
		Color: colorProgress,
		Fields: []notify.Field{
			{Name: "Contributor", Value: addressLink(c.Contributor)},
			{Name: "Amount", Value: FormatEther(c.Amount) + " ETH", Inline: true},
			{Name: "Total Raised", Value: FormatEther(c.RunningTotal) + " ETH", Inline: true},
			{Name: "Transaction", Value: txLink(c.TransactionHash)},
		},
		ThreadName: threadName(crowdfund),
	}
}

// Finalized renders a successful close.
func (r *Renderer) Finalized(crowdfund common.Address, token *common.Address, total *big.Int) notify.Message {
	msg := notify.Message{
		Title:       "✅ Party Finalized",
		Description: "The crowdfund closed and the token launched.",
		URL:         crowdfundURL(crowdfund),
		Color:       colorFinal,
		Fields: []notify.Field{
			{Name: "Total Raised", Value: FormatEther(total) + " ETH", Inline: true},
		},
		ThreadName: threadName(crowdfund),
	}
	if token != nil {
		msg.Fields = append(msg.Fields, notify.Field{Name: "Token", Value: tokenLinks(*token)})
	}
	return msg
}

// Refunded renders a failed crowdfund.
func (r *Renderer) Refunded(crowdfund common.Address, total *big.Int) notify.Message {
	return notify.Message{
		Title:       "↩️ Party Refunded",
		Description: "The crowdfund did not finalize; contributions are refundable.",
		URL:         crowdfundURL(crowdfund),
		Color:       colorRefund,
		Fields: []notify.Field{
			{Name: "Total Raised", Value: FormatEther(total) + " ETH", Inline: true},
		},
		ThreadName: threadName(crowdfund),
	}
}

func threadName(crowdfund common.Address) string {
	return "Party " + crowdfund.Hex()[:10]
}
