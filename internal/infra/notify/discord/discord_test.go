package discord

import (
	"strings"
	"testing"

	"github.com/vietddude/partywatch/internal/infra/notify"
)

func TestToEmbed(t *testing.T) {
	msg := notify.Message{
		Title:       "New crowdfund",
		Description: "LARRY",
		URL:         "https://www.larry.club/token/0xabc",
		Color:       0x5865F2,
		Fields: []notify.Field{
			{Name: "Creator", Value: "0x1", Inline: true},
			{Name: "Supply", Value: "1000000"},
		},
		Footer:  "partywatch",
		Mention: "<@&123>",
	}

	send := toMessageSend(msg)
	if send.Content != "<@&123>" {
		t.Errorf("expected mention content, got %q", send.Content)
	}
	if len(send.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(send.Embeds))
	}
	embed := send.Embeds[0]
	if embed.Title != msg.Title || embed.URL != msg.URL || embed.Color != msg.Color {
		t.Errorf("unexpected embed header %+v", embed)
	}
	if len(embed.Fields) != 2 || !embed.Fields[0].Inline || embed.Fields[1].Inline {
		t.Errorf("unexpected fields %+v", embed.Fields)
	}
	if embed.Footer == nil || embed.Footer.Text != "partywatch" {
		t.Errorf("expected footer, got %+v", embed.Footer)
	}
}

func TestToEmbed_Limits(t *testing.T) {
	msg := notify.Message{Title: strings.Repeat("t", 300)}
	for i := 0; i < 30; i++ {
		msg.Fields = append(msg.Fields, notify.Field{Name: "n", Value: "v"})
	}

	embed := toEmbed(msg)
	if n := len([]rune(embed.Title)); n != 256 {
		t.Errorf("expected title truncated to 256 runes, got %d", n)
	}
	if len(embed.Fields) != 25 {
		t.Errorf("expected 25 fields, got %d", len(embed.Fields))
	}
	if embed.Footer != nil {
		t.Error("expected no footer")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected unchanged, got %q", got)
	}
	if got := truncate("abcdef", 4); got != "abc…" {
		t.Errorf("expected abc…, got %q", got)
	}
}
