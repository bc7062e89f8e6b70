// Package discord posts notifications to a Discord channel.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/partywatch/internal/infra/notify"
)

// Config holds Discord settings.
type Config struct {
	Token                string `yaml:"token"`
	ChannelID            string `yaml:"channel_id"`
	LowFIDRole           string `yaml:"low_fid_role"`
	FIDThreshold         uint64 `yaml:"fid_threshold"`
	ThreadArchiveMinutes int    `yaml:"thread_archive_minutes"`
}

// Dispatcher implements notify.Dispatcher over a discordgo session.
type Dispatcher struct {
	cfg     Config
	session *discordgo.Session
	log     *slog.Logger
}

var (
	_ notify.Dispatcher  = (*Dispatcher)(nil)
	_ notify.Reconnector = (*Dispatcher)(nil)
)

// New creates a dispatcher. Call Open before sending.
func New(cfg Config) (*Dispatcher, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
	if cfg.ThreadArchiveMinutes == 0 {
		cfg.ThreadArchiveMinutes = 1440
	}
	return &Dispatcher{
		cfg:     cfg,
		session: session,
		log:     slog.Default().With("component", "discord"),
	}, nil
}

// Open connects the gateway session.
func (d *Dispatcher) Open() error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("%w: open session: %w", notify.ErrDispatch, err)
	}
	return nil
}

// Close disconnects the gateway session.
func (d *Dispatcher) Close() error {
	return d.session.Close()
}

// Ready reports whether the gateway handshake completed.
func (d *Dispatcher) Ready() bool {
	d.session.RLock()
	defer d.session.RUnlock()
	return d.session.DataReady
}

// Reconnect re-opens the gateway session.
func (d *Dispatcher) Reconnect(ctx context.Context) error {
	d.log.Info("Reconnecting discord session")
	_ = d.session.Close()
	return d.Open()
}

func (d *Dispatcher) Send(ctx context.Context, entity common.Address, msg notify.Message) (notify.MessageHandle, error) {
	m, err := d.session.ChannelMessageSendComplex(d.cfg.ChannelID, toMessageSend(msg), discordgo.WithContext(ctx))
	if err != nil {
		return notify.MessageHandle{}, fmt.Errorf("%w: send for %s: %w", notify.ErrDispatch, entity.Hex(), err)
	}
	return notify.MessageHandle{ChannelID: m.ChannelID, MessageID: m.ID}, nil
}

// Reply posts into the handle's thread, starting the thread from the
// original message on first use. Without an original message it falls back
// to the configured channel.
func (d *Dispatcher) Reply(ctx context.Context, handle notify.MessageHandle, msg notify.Message) (notify.MessageHandle, error) {
	if handle.ChannelID == "" {
		handle.ChannelID = d.cfg.ChannelID
	}

	target := handle.ThreadID
	if target == "" && handle.MessageID != "" {
		name := msg.ThreadName
		if name == "" {
			name = "Updates"
		}
		th, err := d.session.MessageThreadStart(
			handle.ChannelID, handle.MessageID, truncate(name, 100), d.cfg.ThreadArchiveMinutes,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return handle, fmt.Errorf("%w: start thread on %s: %w", notify.ErrDispatch, handle.MessageID, err)
		}
		handle.ThreadID = th.ID
		target = th.ID
	}
	if target == "" {
		target = handle.ChannelID
	}

	if _, err := d.session.ChannelMessageSendComplex(target, toMessageSend(msg), discordgo.WithContext(ctx)); err != nil {
		return handle, fmt.Errorf("%w: reply in %s: %w", notify.ErrDispatch, target, err)
	}
	return handle, nil
}

func toMessageSend(msg notify.Message) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content: msg.Mention,
		Embeds:  []*discordgo.MessageEmbed{toEmbed(msg)},
	}
}

func toEmbed(msg notify.Message) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       truncate(msg.Title, 256),
		Description: truncate(msg.Description, 4096),
		URL:         msg.URL,
		Color:       msg.Color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, f := range msg.Fields {
		if len(embed.Fields) == 25 {
			break
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   truncate(f.Name, 256),
			Value:  truncate(f.Value, 1024),
			Inline: f.Inline,
		})
	}
	if msg.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: truncate(msg.Footer, 2048)}
	}
	return embed
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
