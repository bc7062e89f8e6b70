package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// Config holds transport settings.
type Config struct {
	URL         string
	OpenTimeout time.Duration
	BufferSize  int
}

type subscription struct {
	sub  ethereum.Subscription
	done chan struct{}
	once sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.sub.Unsubscribe()
		close(s.done)
	})
}

// Connection maintains one live transport. Every Open starts a new epoch;
// closing the transport invalidates all subscriptions of that epoch at once.
type Connection struct {
	cfg  Config
	dial Dialer
	log  *slog.Logger

	mu      sync.Mutex
	client  Client
	epoch   uint64
	nextID  uint64
	subs    map[uint64]*subscription
	faulted bool
	onFault FaultFunc

	lastActivity atomic.Int64
	head         atomic.Uint64
}

// NewConnection creates a closed connection.
func NewConnection(cfg Config, dial Dialer) *Connection {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 15 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 128
	}
	return &Connection{
		cfg:  cfg,
		dial: dial,
		log:  slog.Default().With("component", "stream"),
		subs: make(map[uint64]*subscription),
	}
}

// OnFault registers the callback for transport failures.
func (c *Connection) OnFault(fn FaultFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFault = fn
}

// Open dials the endpoint and verifies it answers within the open timeout.
// Opening an already open connection is a no-op.
func (c *Connection) Open(ctx context.Context) error {
	if c.IsOpen() {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	client, err := c.dial(dctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: dial: %w", ErrConnection, err)
	}
	head, err := client.BlockNumber(dctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: initial block number: %w", ErrConnection, err)
	}

	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		client.Close()
		return nil
	}
	c.client = client
	c.epoch++
	c.faulted = false
	c.subs = make(map[uint64]*subscription)
	epoch := c.epoch
	c.mu.Unlock()

	c.head.Store(head)
	c.touch()
	c.log.Info("Stream connected", "epoch", epoch, "head", head)
	return nil
}

// Close tears down the transport and every subscription on it.
func (c *Connection) Close() error {
	c.mu.Lock()
	client := c.client
	subs := c.subs
	c.client = nil
	c.subs = make(map[uint64]*subscription)
	epoch := c.epoch
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	for _, s := range subs {
		s.stop()
	}
	client.Close()
	c.log.Info("Stream closed", "epoch", epoch, "subscriptions", len(subs))
	return nil
}

// IsOpen reports whether a transport is installed.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// Epoch returns the current transport epoch. It changes on every successful Open.
func (c *Connection) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Subscribe starts delivering logs matching f to h.
func (c *Connection) Subscribe(ctx context.Context, f Filter, h Handler) (Handle, error) {
	c.mu.Lock()
	client, epoch := c.client, c.epoch
	c.mu.Unlock()
	if client == nil {
		return Handle{}, ErrNotConnected
	}

	logs := make(chan types.Log, c.cfg.BufferSize)
	sub, err := client.SubscribeFilterLogs(ctx, f.query(), logs)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrSubscription, err)
	}

	c.mu.Lock()
	if c.client != client || c.epoch != epoch {
		c.mu.Unlock()
		sub.Unsubscribe()
		return Handle{}, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	s := &subscription{sub: sub, done: make(chan struct{})}
	c.subs[id] = s
	c.mu.Unlock()

	go c.pump(epoch, s, logs, h)
	return Handle{ID: id, Epoch: epoch}, nil
}

// Unsubscribe stops a subscription. Handles from earlier epochs are ignored.
func (c *Connection) Unsubscribe(h Handle) {
	c.mu.Lock()
	if h.Epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	s, ok := c.subs[h.ID]
	delete(c.subs, h.ID)
	c.mu.Unlock()

	if ok {
		s.stop()
	}
}

// Probe is the keepalive: a cheap round trip that also refreshes the activity clock.
func (c *Connection) Probe(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return 0, ErrNotConnected
	}

	start := time.Now()
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: probe: %w", ErrConnection, err)
	}
	c.head.Store(head)
	c.touch()
	return time.Since(start), nil
}

// LastActivity is the time of the last delivered log or successful probe.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Head is the latest block number observed.
func (c *Connection) Head() uint64 {
	return c.head.Load()
}

// FilterLogs runs a historical range query.
func (c *Connection) FilterLogs(ctx context.Context, f Filter, from, to uint64) ([]types.Log, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, ErrNotConnected
	}

	q := f.query()
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)
	logs, err := client.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}
	return logs, nil
}

// CallContract performs a read-only call on the current transport.
func (c *Connection) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, ErrNotConnected
	}
	return client.CallContract(ctx, msg, block)
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) pump(epoch uint64, s *subscription, logs <-chan types.Log, h Handler) {
	for {
		select {
		case <-s.done:
			return
		case l := <-logs:
			c.touch()
			if l.BlockNumber > c.head.Load() {
				c.head.Store(l.BlockNumber)
			}
			h(l)
		case err, ok := <-s.sub.Err():
			if !ok {
				return
			}
			c.fault(epoch, fmt.Errorf("%w: subscription: %w", ErrConnection, err))
			return
		}
	}
}

// fault reports a transport failure once per epoch. Failures caused by a
// deliberate Close, or from an earlier epoch, are ignored.
func (c *Connection) fault(epoch uint64, err error) {
	c.mu.Lock()
	if c.client == nil || epoch != c.epoch || c.faulted {
		c.mu.Unlock()
		return
	}
	c.faulted = true
	fn := c.onFault
	c.mu.Unlock()

	c.log.Warn("Stream fault", "epoch", epoch, "error", err)
	if fn != nil {
		fn(epoch, err)
	}
}
