package stream

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeSub struct {
	errc chan error
	once sync.Once
}

func newFakeSub() *fakeSub { return &fakeSub{errc: make(chan error, 1)} }

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *fakeSub) Err() <-chan error { return s.errc }

type fakeClient struct {
	mu        sync.Mutex
	head      uint64
	headErr   error
	subErr    error
	subs      []*fakeSub
	sinks     []chan<- types.Log
	queries   []ethereum.FilterQuery
	logs      []types.Log
	closed    bool
	callReply []byte
}

func (c *fakeClient) SubscribeFilterLogs(
	ctx context.Context,
	q ethereum.FilterQuery,
	ch chan<- types.Log,
) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return nil, c.subErr
	}
	s := newFakeSub()
	c.subs = append(c.subs, s)
	c.sinks = append(c.sinks, ch)
	c.queries = append(c.queries, q)
	return s, nil
}

func (c *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	return c.logs, nil
}

func (c *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, c.headErr
}

func (c *fakeClient) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return c.callReply, nil
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeClient) sub(i int) (*fakeSub, chan<- types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[i], c.sinks[i]
}

func dialerFor(clients ...*fakeClient) Dialer {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, url string) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(clients) {
			return nil, errors.New("no more clients")
		}
		c := clients[i]
		i++
		return c, nil
	}
}

func openConn(t *testing.T, clients ...*fakeClient) *Connection {
	t.Helper()
	conn := NewConnection(Config{URL: "ws://test", OpenTimeout: time.Second}, dialerFor(clients...))
	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// =============================================================================
// Tests
// =============================================================================

func TestConnection_OpenFailure(t *testing.T) {
	conn := NewConnection(Config{URL: "ws://test"}, func(ctx context.Context, url string) (Client, error) {
		return nil, errors.New("refused")
	})
	err := conn.Open(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if conn.IsOpen() {
		t.Error("expected connection to stay closed")
	}

	client := &fakeClient{headErr: errors.New("timeout")}
	conn = NewConnection(Config{URL: "ws://test"}, dialerFor(client))
	if err := conn.Open(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection on failed handshake, got %v", err)
	}
	if !client.closed {
		t.Error("expected half-open client to be closed")
	}
}

func TestConnection_SubscribeWhenClosed(t *testing.T) {
	conn := NewConnection(Config{}, dialerFor())
	_, err := conn.Subscribe(context.Background(), Filter{}, func(types.Log) {})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := conn.Probe(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from probe, got %v", err)
	}
}

func TestConnection_SubscribeError(t *testing.T) {
	client := &fakeClient{head: 1, subErr: errors.New("too many subscriptions")}
	conn := openConn(t, client)

	_, err := conn.Subscribe(context.Background(), Filter{}, func(types.Log) {})
	if !errors.Is(err, ErrSubscription) {
		t.Fatalf("expected ErrSubscription, got %v", err)
	}
}

func TestConnection_DeliversInOrder(t *testing.T) {
	client := &fakeClient{head: 10}
	conn := openConn(t, client)

	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{})
	addr := common.HexToAddress("0xaaa")
	h, err := conn.Subscribe(context.Background(), Filter{Addresses: []common.Address{addr}}, func(l types.Log) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, l.BlockNumber)
		if len(got) == 5 {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if h.Epoch != conn.Epoch() {
		t.Errorf("expected handle epoch %d, got %d", conn.Epoch(), h.Epoch)
	}
	if q := client.queries[0]; len(q.Addresses) != 1 || q.Addresses[0] != addr {
		t.Errorf("expected filter on %s, got %v", addr, q.Addresses)
	}

	_, sink := client.sub(0)
	for i := uint64(11); i <= 15; i++ {
		sink <- types.Log{BlockNumber: i}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for logs")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, n := range got {
		if n != uint64(11+i) {
			t.Fatalf("expected ordered delivery, got %v", got)
		}
	}
	if conn.Head() != 15 {
		t.Errorf("expected head 15, got %d", conn.Head())
	}
}

func TestConnection_FaultOncePerEpoch(t *testing.T) {
	client := &fakeClient{head: 1}
	conn := openConn(t, client)

	faults := make(chan uint64, 4)
	conn.OnFault(func(epoch uint64, err error) {
		if !errors.Is(err, ErrConnection) {
			t.Errorf("expected ErrConnection, got %v", err)
		}
		faults <- epoch
	})

	for i := 0; i < 2; i++ {
		if _, err := conn.Subscribe(context.Background(), Filter{}, func(types.Log) {}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}
	s0, _ := client.sub(0)
	s1, _ := client.sub(1)
	s0.errc <- errors.New("websocket: close 1006")
	s1.errc <- errors.New("websocket: close 1006")

	select {
	case epoch := <-faults:
		if epoch != conn.Epoch() {
			t.Errorf("expected epoch %d, got %d", conn.Epoch(), epoch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fault")
	}

	select {
	case <-faults:
		t.Error("expected a single fault per epoch")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnection_CloseIsNotAFault(t *testing.T) {
	client := &fakeClient{head: 1}
	conn := openConn(t, client)

	faults := make(chan uint64, 1)
	conn.OnFault(func(epoch uint64, err error) { faults <- epoch })

	if _, err := conn.Subscribe(context.Background(), Filter{}, func(types.Log) {}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !client.closed {
		t.Error("expected client closed")
	}
	if conn.IsOpen() {
		t.Error("expected connection closed")
	}

	select {
	case <-faults:
		t.Error("deliberate close must not report a fault")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnection_ReopenStartsNewEpoch(t *testing.T) {
	first, second := &fakeClient{head: 1}, &fakeClient{head: 2}
	conn := openConn(t, first, second)

	h, err := conn.Subscribe(context.Background(), Filter{}, func(types.Log) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	oldEpoch := conn.Epoch()

	_ = conn.Close()
	if err := conn.Open(context.Background()); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if conn.Epoch() == oldEpoch {
		t.Fatal("expected a new epoch after reopen")
	}

	// A stale handle must not touch subscriptions of the new transport.
	h2, err := conn.Subscribe(context.Background(), Filter{}, func(types.Log) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	conn.Unsubscribe(h)
	s, _ := second.sub(0)
	select {
	case <-s.errc:
		t.Error("stale unsubscribe closed a live subscription")
	default:
	}

	conn.Unsubscribe(h2)
	select {
	case _, ok := <-s.errc:
		if ok {
			t.Error("expected closed error channel")
		}
	default:
		t.Error("expected live subscription to be stopped")
	}
}

func TestConnection_ProbeTouchesActivity(t *testing.T) {
	client := &fakeClient{head: 5}
	conn := openConn(t, client)

	before := conn.LastActivity()
	time.Sleep(5 * time.Millisecond)
	client.mu.Lock()
	client.head = 42
	client.mu.Unlock()

	if _, err := conn.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if !conn.LastActivity().After(before) {
		t.Error("expected probe to refresh activity")
	}
	if conn.Head() != 42 {
		t.Errorf("expected head 42, got %d", conn.Head())
	}

	client.mu.Lock()
	client.headErr = errors.New("eof")
	client.mu.Unlock()
	if _, err := conn.Probe(context.Background()); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

func TestConnection_FilterLogsRange(t *testing.T) {
	client := &fakeClient{head: 100, logs: []types.Log{{BlockNumber: 95}}}
	conn := openConn(t, client)

	logs, err := conn.FilterLogs(context.Background(), Filter{}, 90, 100)
	if err != nil {
		t.Fatalf("FilterLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	q := client.queries[len(client.queries)-1]
	if q.FromBlock.Uint64() != 90 || q.ToBlock.Uint64() != 100 {
		t.Errorf("expected range 90-100, got %s-%s", q.FromBlock, q.ToBlock)
	}
}
