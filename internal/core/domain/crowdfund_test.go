package domain

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		name     string
		from, to Status
		noop     bool
		wantErr  bool
	}{
		{"finalize active", StatusActive, StatusFinalized, false, false},
		{"refund active", StatusActive, StatusRefunded, false, false},
		{"finalize again", StatusFinalized, StatusFinalized, true, false},
		{"refund again", StatusRefunded, StatusRefunded, true, false},
		{"refund finalized", StatusFinalized, StatusRefunded, false, true},
		{"finalize refunded", StatusRefunded, StatusFinalized, false, true},
		{"reactivate", StatusFinalized, StatusActive, false, true},
		{"active to active", StatusActive, StatusActive, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			noop, err := CheckTransition(tt.from, tt.to)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if noop != tt.noop {
				t.Errorf("expected noop=%v, got %v", tt.noop, noop)
			}
		})
	}
}

func TestCrowdfundRecord_CloneIsDeep(t *testing.T) {
	token := common.HexToAddress("0x01")
	rec := &CrowdfundRecord{
		Address:          common.HexToAddress("0xaaa"),
		Status:           StatusActive,
		TokenAddress:     &token,
		TotalContributed: big.NewInt(10),
		Contributions: []Contribution{{
			Amount:       big.NewInt(10),
			RunningTotal: big.NewInt(10),
		}},
	}

	cp := rec.Clone()
	cp.TotalContributed.SetInt64(99)
	cp.Contributions[0].Amount.SetInt64(99)
	*cp.TokenAddress = common.HexToAddress("0x02")

	if rec.TotalContributed.Int64() != 10 {
		t.Errorf("expected original total 10, got %s", rec.TotalContributed)
	}
	if rec.Contributions[0].Amount.Int64() != 10 {
		t.Errorf("expected original amount 10, got %s", rec.Contributions[0].Amount)
	}
	if *rec.TokenAddress != token {
		t.Errorf("expected original token unchanged")
	}
}

func TestMaxInt(t *testing.T) {
	if got := MaxInt(big.NewInt(3), big.NewInt(7)); got.Int64() != 7 {
		t.Errorf("expected 7, got %s", got)
	}
	if got := MaxInt(big.NewInt(9), nil); got.Int64() != 9 {
		t.Errorf("expected 9, got %s", got)
	}
}

func TestEvent_Accessors(t *testing.T) {
	ev := Event{
		Kind: KindContributed,
		Fields: map[string]any{
			"contributor": common.HexToAddress("0xbeef"),
			"amount":      big.NewInt(5),
			"name":        "Party",
		},
	}

	addr, err := ev.Address("contributor")
	if err != nil || addr != common.HexToAddress("0xbeef") {
		t.Errorf("unexpected contributor %s (%v)", addr, err)
	}
	if _, err := ev.Address("amount"); err == nil {
		t.Error("expected type error for amount as address")
	}
	amount, err := ev.BigInt("amount")
	if err != nil || amount.Int64() != 5 {
		t.Errorf("unexpected amount %v (%v)", amount, err)
	}
	if _, err := ev.BigInt("missing"); err == nil {
		t.Error("expected error for missing field")
	}
	if ev.Text("name") != "Party" {
		t.Errorf("expected Party, got %q", ev.Text("name"))
	}
	if got := ev.Text("amount"); got != "" {
		t.Errorf("expected empty text for non-string field, got %q", got)
	}
	if got := ev.Text("missing"); got != "" {
		t.Errorf("expected empty text for missing field, got %q", got)
	}
}
