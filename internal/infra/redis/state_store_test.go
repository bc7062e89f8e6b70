package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/partywatch/internal/infra/storage"
	"github.com/vietddude/partywatch/internal/infra/storage/storagetest"
)

func newTestStore(t *testing.T) (*StateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	store := NewStateStore(client, "test:")
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestStateStore(t *testing.T) {
	storagetest.RunSuite(t, func(t *testing.T) storage.StateStore {
		store, _ := newTestStore(t)
		return store
	})
}

func TestStateStore_KeyLayout(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	addr := common.HexToAddress("0x00000000000000000000000000000000000000AB")

	if err := store.CreateEntity(ctx, addr, "msg-1"); err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}

	key := "test:crowdfund:0x00000000000000000000000000000000000000ab"
	if got := mr.HGet(key, "status"); got != "active" {
		t.Errorf("expected status active at %s, got %q", key, got)
	}
	if got := mr.HGet(key, "message_id"); got != "msg-1" {
		t.Errorf("expected message id msg-1, got %q", got)
	}
	ok, err := mr.SIsMember("test:crowdfunds:active", "0x00000000000000000000000000000000000000ab")
	if err != nil || !ok {
		t.Errorf("expected address in active set (%v)", err)
	}
}

func TestNewClient_BadURL(t *testing.T) {
	if _, err := NewClient(Config{URL: "not-a-url"}); err == nil {
		t.Error("expected error for bad URL")
	}
}

func TestDecodeContribution_Corrupt(t *testing.T) {
	cases := []string{"", "a|b|c", "0x01|0x02|x|1|0", "0x01|0x02|1|y|0"}
	for _, raw := range cases {
		if _, err := decodeContribution(raw); err == nil {
			t.Errorf("expected error decoding %q", raw)
		}
	}
}
