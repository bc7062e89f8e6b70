package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/partywatch/internal/core/domain"
)

func mustABIs(t *testing.T) *ABIs {
	t.Helper()
	abis, err := LoadABIs()
	if err != nil {
		t.Fatalf("LoadABIs failed: %v", err)
	}
	return abis
}

func mustDecoder(t *testing.T, abis *ABIs) *Decoder {
	t.Helper()
	d, err := NewDecoder(abis)
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	return d
}

func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

// =============================================================================
// Decoder Tests
// =============================================================================

func TestDecoder_Contributed(t *testing.T) {
	abis := mustABIs(t)
	d := mustDecoder(t, abis)

	ev := abis.Crowdfund.Events["Contributed"]
	sender := common.HexToAddress("0x1111")
	contributor := common.HexToAddress("0x2222")
	delegate := common.HexToAddress("0x3333")
	amount, _ := new(big.Int).SetString("1500000000000000000", 10)

	data, err := ev.Inputs.NonIndexed().Pack(sender, contributor, amount, delegate)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	crowdfund := common.HexToAddress("0xaaaa")
	l := types.Log{
		Address:     crowdfund,
		Topics:      []common.Hash{ev.ID},
		Data:        data,
		TxHash:      common.HexToHash("0x01"),
		BlockNumber: 1234,
		Index:       7,
	}

	got, err := d.Decode(l)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Kind != domain.KindContributed {
		t.Errorf("expected contributed, got %s", got.Kind)
	}
	if got.Source != crowdfund {
		t.Errorf("expected source %s, got %s", crowdfund, got.Source)
	}
	if got.BlockNumber != 1234 || got.LogIndex != 7 || got.TxHash != l.TxHash {
		t.Errorf("unexpected position %d/%d/%s", got.BlockNumber, got.LogIndex, got.TxHash)
	}
	if c, _ := got.Address("contributor"); c != contributor {
		t.Errorf("expected contributor %s, got %s", contributor, c)
	}
	if a, _ := got.BigInt("amount"); a.Cmp(amount) != 0 {
		t.Errorf("expected amount %s, got %s", amount, a)
	}
}

func TestDecoder_CrowdfundCreatedIndexed(t *testing.T) {
	abis := mustABIs(t)
	d := mustDecoder(t, abis)

	ev := abis.CrowdfundFactory.Events["ERC20LaunchCrowdfundCreated"]
	creator := common.HexToAddress("0xc0")
	crowdfund := common.HexToAddress("0xcf")
	party := common.HexToAddress("0xfa")
	supply := big.NewInt(1_000_000)

	data, err := ev.Inputs.NonIndexed().Pack("Larry", "LARRY", supply)
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	got, err := d.Decode(types.Log{
		Address: common.HexToAddress("0xfac7"),
		Topics:  []common.Hash{ev.ID, addressTopic(creator), addressTopic(crowdfund), addressTopic(party)},
		Data:    data,
	})
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if got.Kind != domain.KindCrowdfundCreated {
		t.Errorf("expected crowdfund_created, got %s", got.Kind)
	}
	if a, _ := got.Address("crowdfund"); a != crowdfund {
		t.Errorf("expected crowdfund %s, got %s", crowdfund, a)
	}
	if a, _ := got.Address("creator"); a != creator {
		t.Errorf("expected creator %s, got %s", creator, a)
	}
	if got.Text("symbol") != "LARRY" {
		t.Errorf("expected LARRY, got %q", got.Text("symbol"))
	}
}

func TestDecoder_NoArgEvents(t *testing.T) {
	abis := mustABIs(t)
	d := mustDecoder(t, abis)

	for name, kind := range map[string]domain.EventKind{
		"Finalized": domain.KindFinalized,
		"Refunded":  domain.KindRefunded,
	} {
		got, err := d.Decode(types.Log{Topics: []common.Hash{abis.Crowdfund.Events[name].ID}})
		if err != nil {
			t.Fatalf("Decode %s failed: %v", name, err)
		}
		if got.Kind != kind {
			t.Errorf("expected %s, got %s", kind, got.Kind)
		}
		if d.Topic(kind) != abis.Crowdfund.Events[name].ID {
			t.Errorf("expected Topic(%s) to match event id", kind)
		}
	}
}

func TestDecoder_Unknown(t *testing.T) {
	d := mustDecoder(t, mustABIs(t))

	if _, err := d.Decode(types.Log{}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent for anonymous log, got %v", err)
	}
	if _, err := d.Decode(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDecoder_CorruptData(t *testing.T) {
	abis := mustABIs(t)
	d := mustDecoder(t, abis)

	_, err := d.Decode(types.Log{
		Topics: []common.Hash{abis.Crowdfund.Events["Contributed"].ID},
		Data:   []byte{0x01, 0x02},
	})
	if err == nil {
		t.Error("expected error for truncated data")
	}
}

// =============================================================================
// Reader Tests
// =============================================================================

type fakeCaller struct {
	replies map[string][]byte
	block   *big.Int
	err     error
}

func (c *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	c.block = block
	if c.err != nil {
		return nil, c.err
	}
	return c.replies[common.Bytes2Hex(msg.Data[:4])], nil
}

func TestReader_TotalContributedAndToken(t *testing.T) {
	abis := mustABIs(t)
	total, _ := abis.Crowdfund.Methods["totalContributed"].Outputs.Pack(big.NewInt(42))
	token := common.HexToAddress("0x70ce")
	tokenOut, _ := abis.Crowdfund.Methods["token"].Outputs.Pack(token)

	caller := &fakeCaller{replies: map[string][]byte{
		common.Bytes2Hex(abis.Crowdfund.Methods["totalContributed"].ID): total,
		common.Bytes2Hex(abis.Crowdfund.Methods["token"].ID):            tokenOut,
	}}
	r := NewReader(caller, abis, 0)

	got, err := r.TotalContributed(context.Background(), common.HexToAddress("0xaaaa"), 99)
	if err != nil {
		t.Fatalf("TotalContributed failed: %v", err)
	}
	if got.Int64() != 42 {
		t.Errorf("expected 42, got %s", got)
	}
	if caller.block == nil || caller.block.Uint64() != 99 {
		t.Errorf("expected call at block 99, got %v", caller.block)
	}

	gotToken, err := r.Token(context.Background(), common.HexToAddress("0xaaaa"))
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if gotToken != token {
		t.Errorf("expected token %s, got %s", token, gotToken)
	}
	if caller.block != nil {
		t.Errorf("expected latest-block call, got %v", caller.block)
	}
}

func TestReader_CallError(t *testing.T) {
	r := NewReader(&fakeCaller{err: errors.New("execution reverted")}, mustABIs(t), 0)
	if _, err := r.TotalContributed(context.Background(), common.Address{}, 0); err == nil {
		t.Error("expected error")
	}
}
