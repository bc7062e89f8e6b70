// Package subscription tracks which crowdfunds have live event subscriptions.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/partywatch/internal/core/domain"
	"github.com/vietddude/partywatch/internal/indexing/metrics"
	"github.com/vietddude/partywatch/internal/infra/stream"
)

// Conn is the part of the stream connection the registry subscribes through.
type Conn interface {
	Subscribe(ctx context.Context, f stream.Filter, h stream.Handler) (stream.Handle, error)
	Unsubscribe(h stream.Handle)
	Epoch() uint64
}

// Binding maps an event kind to its topic0 signature.
type Binding struct {
	Kind  domain.EventKind
	Topic common.Hash
}

// Registry maps each tracked address to one subscription covering every
// bound kind. A single subscription per address keeps that address's logs
// on one delivery path, in ledger order. It is the single source of truth
// for what should be subscribed.
type Registry struct {
	mu      sync.Mutex
	conn    Conn
	topics  []common.Hash
	kinds   []domain.EventKind
	handler stream.Handler
	entries map[common.Address]stream.Handle
	log     *slog.Logger
}

// NewRegistry creates an empty registry delivering every log to handler.
func NewRegistry(bindings []Binding, handler stream.Handler) *Registry {
	r := &Registry{
		handler: handler,
		entries: make(map[common.Address]stream.Handle),
		log:     slog.Default().With("component", "subscriptions"),
	}
	for _, b := range bindings {
		r.topics = append(r.topics, b.Topic)
		r.kinds = append(r.kinds, b.Kind)
	}
	return r
}

// Attach points the registry at a transport. Entries from an older epoch
// died with their transport and are dropped; entries already made on the
// current epoch are kept.
func (r *Registry) Attach(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sameConn := r.conn == conn
	r.conn = conn
	epoch := conn.Epoch()
	for addr, h := range r.entries {
		if !sameConn || h.Epoch != epoch {
			delete(r.entries, addr)
		}
	}
	metrics.ActiveSubscriptions.Set(float64(len(r.entries)))
}

// AddEntity subscribes address for every bound kind. It is a no-op when
// the address already has a live subscription on the current epoch.
func (r *Registry) AddEntity(ctx context.Context, address common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(ctx, address)
}

// RemoveEntity unsubscribes and forgets address. Unknown addresses are ignored.
func (r *Registry) RemoveEntity(address common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.entries[address]
	if !ok {
		return
	}
	if r.conn != nil {
		r.conn.Unsubscribe(h)
	}
	delete(r.entries, address)
	metrics.ActiveSubscriptions.Set(float64(len(r.entries)))
	r.log.Debug("Entity removed", "address", address.Hex())
}

// RebuildAll makes the live set equal addresses. Entries outside the set
// are unsubscribed; entries already live on the current epoch are kept.
// One address failing does not stop the others; failures are returned per
// address and those addresses are left out of the registry.
func (r *Registry) RebuildAll(ctx context.Context, addresses []common.Address) map[common.Address]error {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[common.Address]struct{}, len(addresses))
	for _, addr := range addresses {
		want[addr] = struct{}{}
	}
	for addr, h := range r.entries {
		if _, ok := want[addr]; ok {
			continue
		}
		if r.conn != nil {
			r.conn.Unsubscribe(h)
		}
		delete(r.entries, addr)
	}

	failures := make(map[common.Address]error)
	for _, addr := range addresses {
		if err := ctx.Err(); err != nil {
			r.dropLocked(addr)
			failures[addr] = err
			continue
		}
		if err := r.addLocked(ctx, addr); err != nil {
			failures[addr] = err
		}
	}
	metrics.ActiveSubscriptions.Set(float64(len(r.entries)))

	r.log.Info("Subscriptions rebuilt", "requested", len(addresses), "live", len(r.entries), "failed", len(failures))
	return failures
}

// Has reports whether address has a live subscription.
func (r *Registry) Has(address common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[address]
	return ok
}

// Addresses returns the tracked addresses in ascending order.
func (r *Registry) Addresses() []common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]common.Address, 0, len(r.entries))
	for addr := range r.entries {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func (r *Registry) dropLocked(address common.Address) {
	h, ok := r.entries[address]
	if !ok {
		return
	}
	if r.conn != nil {
		r.conn.Unsubscribe(h)
	}
	delete(r.entries, address)
}

func (r *Registry) addLocked(ctx context.Context, address common.Address) error {
	if r.conn == nil {
		return fmt.Errorf("%w: %s: %w", stream.ErrSubscription, address.Hex(), stream.ErrNotConnected)
	}

	epoch := r.conn.Epoch()
	if h, ok := r.entries[address]; ok {
		if h.Epoch == epoch {
			return nil
		}
		delete(r.entries, address)
	}

	h, err := r.conn.Subscribe(ctx, stream.Filter{
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{r.topics},
	}, r.handler)
	if err != nil {
		return fmt.Errorf("%w: %s %v: %w", stream.ErrSubscription, address.Hex(), r.kinds, err)
	}

	r.entries[address] = h
	metrics.ActiveSubscriptions.Set(float64(len(r.entries)))
	r.log.Debug("Entity subscribed", "address", address.Hex(), "epoch", epoch)
	return nil
}
