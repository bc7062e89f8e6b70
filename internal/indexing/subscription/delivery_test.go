package subscription

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/partywatch/internal/infra/stream"
)

// =============================================================================
// Fake ethclient behind a real stream.Connection
// =============================================================================

type ethSub struct {
	errc chan error
	once sync.Once
}

func (s *ethSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *ethSub) Err() <-chan error { return s.errc }

type ethClient struct {
	mu      sync.Mutex
	queries []ethereum.FilterQuery
	sinks   []chan<- types.Log
}

func (c *ethClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	c.sinks = append(c.sinks, ch)
	return &ethSub{errc: make(chan error, 1)}, nil
}

func (c *ethClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (c *ethClient) BlockNumber(ctx context.Context) (uint64, error) { return 1, nil }

func (c *ethClient) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return nil, nil
}

func (c *ethClient) Close() {}

// sendMatching pushes l into every subscription whose query matches it,
// one sink after the other, the way separate node-side forwarders would.
func (c *ethClient) sendMatching(l types.Log) {
	c.mu.Lock()
	var targets []chan<- types.Log
	for i, q := range c.queries {
		if queryMatches(q, l) {
			targets = append(targets, c.sinks[i])
		}
	}
	c.mu.Unlock()
	for _, ch := range targets {
		ch <- l
	}
}

func queryMatches(q ethereum.FilterQuery, l types.Log) bool {
	addrOK := false
	for _, a := range q.Addresses {
		if a == l.Address {
			addrOK = true
		}
	}
	if !addrOK {
		return false
	}
	if len(q.Topics) == 0 || len(q.Topics[0]) == 0 {
		return true
	}
	for _, topic := range q.Topics[0] {
		if l.Topics[0] == topic {
			return true
		}
	}
	return false
}

// =============================================================================
// Tests
// =============================================================================

func TestRegistry_KindsOfOneAddressKeepLedgerOrder(t *testing.T) {
	client := &ethClient{}
	conn := stream.NewConnection(stream.Config{URL: "ws://test", OpenTimeout: time.Second, BufferSize: 64},
		func(ctx context.Context, url string) (stream.Client, error) { return client, nil })
	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer conn.Close()

	const pairs = 200
	var mu sync.Mutex
	var got []types.Log
	done := make(chan struct{})
	r := NewRegistry(testBindings, func(l types.Log) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, l)
		if len(got) == 2*pairs {
			close(done)
		}
	})
	r.Attach(conn)
	if err := r.AddEntity(context.Background(), addrA); err != nil {
		t.Fatalf("AddEntity failed: %v", err)
	}

	contributed := common.HexToHash("0x01")
	finalized := common.HexToHash("0x02")
	for i := 0; i < pairs; i++ {
		block := uint64(10 + i)
		client.sendMatching(types.Log{Address: addrA, Topics: []common.Hash{contributed}, BlockNumber: block, Index: 0})
		client.sendMatching(types.Log{Address: addrA, Topics: []common.Hash{finalized}, BlockNumber: block, Index: 1})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for logs")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < len(got); i += 2 {
		if got[i].Topics[0] != contributed || got[i+1].Topics[0] != finalized {
			t.Fatalf("pair %d delivered out of order: %s then %s", i/2, got[i].Topics[0].Hex(), got[i+1].Topics[0].Hex())
		}
		if got[i].BlockNumber != got[i+1].BlockNumber {
			t.Fatalf("pair %d split across blocks %d and %d", i/2, got[i].BlockNumber, got[i+1].BlockNumber)
		}
	}
}
