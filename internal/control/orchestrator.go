// Package control owns the stream lifecycle: initialization order, the
// reconnect state machine, subscription restoration and shutdown.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/vietddude/partywatch/internal/core/domain"
	"github.com/vietddude/partywatch/internal/indexing/handler"
	"github.com/vietddude/partywatch/internal/indexing/health"
	"github.com/vietddude/partywatch/internal/indexing/metrics"
	"github.com/vietddude/partywatch/internal/indexing/recovery"
	"github.com/vietddude/partywatch/internal/indexing/subscription"
	"github.com/vietddude/partywatch/internal/infra/notify"
	"github.com/vietddude/partywatch/internal/infra/storage"
	"github.com/vietddude/partywatch/internal/infra/stream"
)

var (
	// ErrReconnectExhausted is returned by Run when the reconnect attempt
	// cap is exceeded.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrAlreadyStarted is returned when Run is called twice.
	ErrAlreadyStarted = errors.New("orchestrator already started")
)

const (
	backfillLane  = "backfill"
	backfillChunk = 200
)

// Transport is the stream connection the orchestrator drives.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool
	Epoch() uint64
	Head() uint64
	OnFault(fn stream.FaultFunc)
	Subscribe(ctx context.Context, f stream.Filter, h stream.Handler) (stream.Handle, error)
	Unsubscribe(h stream.Handle)
	FilterLogs(ctx context.Context, f stream.Filter, from, to uint64) ([]types.Log, error)
}

// Decoder turns raw logs into typed events.
type Decoder interface {
	Decode(l types.Log) (domain.Event, error)
}

// Watcher is the health monitor loop.
type Watcher interface {
	Watch(ctx context.Context, onFault func(error))
}

// Factory is a base subscription opened on every transport epoch.
type Factory struct {
	Kind    domain.EventKind
	Address common.Address
	Topic   common.Hash
}

// Config holds orchestrator settings.
type Config struct {
	Factories       []Factory
	EntityBindings  []subscription.Binding
	Backoff         recovery.RetryStrategy
	GracePeriod     time.Duration
	RestoreInterval time.Duration
	BackfillBlocks  uint64
}

type fault struct {
	epoch uint64
	err   error
}

// Orchestrator is the top-level controller. The registry, transport and
// restore queue are owned here; handlers reach them only through Track
// and Untrack.
type Orchestrator struct {
	cfg        Config
	conn       Transport
	store      storage.StateStore
	decoder    Decoder
	dispatcher notify.Dispatcher
	monitor    Watcher

	registry   *subscription.Registry
	restores   *recovery.Queue
	table      *handler.Table
	queue      *taskQueue
	instanceID string
	sleep      func(ctx context.Context, d time.Duration) error
	log        *slog.Logger

	workCtx    context.Context
	cancelWork context.CancelFunc

	faultMu sync.Mutex
	pending *fault
	faultCh chan struct{}

	// subMu serializes registry membership changes from handlers with the
	// snapshot and rebuild in establish.
	subMu sync.Mutex

	mu           sync.RWMutex
	state        State
	reconnects   int
	history      []Transition
	stopMonitorF func()
}

// New creates an idle orchestrator. monitor may be nil.
func New(
	cfg Config,
	conn Transport,
	store storage.StateStore,
	decoder Decoder,
	dispatcher notify.Dispatcher,
	monitor Watcher,
) *Orchestrator {
	if cfg.Backoff == nil {
		cfg.Backoff = recovery.DefaultBackoff(nil)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.RestoreInterval <= 0 {
		cfg.RestoreInterval = 30 * time.Second
	}

	workCtx, cancelWork := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		conn:       conn,
		store:      store,
		decoder:    decoder,
		dispatcher: dispatcher,
		monitor:    monitor,
		restores:   recovery.NewQueue(cfg.Backoff),
		table:      handler.NewTable(),
		queue:      newTaskQueue(),
		instanceID: uuid.New().String(),
		sleep:      recovery.Sleep,
		workCtx:    workCtx,
		cancelWork: cancelWork,
		faultCh:    make(chan struct{}, 1),
		state:      StateIdle,
	}
	o.log = slog.Default().With("component", "orchestrator", "instance", o.instanceID)
	o.registry = subscription.NewRegistry(cfg.EntityBindings, o.deliver)
	conn.OnFault(o.reportFault)
	setStateGauge(StateIdle)
	return o
}

// Table is the dispatch table events are routed through.
func (o *Orchestrator) Table() *handler.Table {
	return o.table
}

// Run initializes the stream and blocks until shutdown. It returns nil on
// a requested shutdown and ErrReconnectExhausted when reconnecting gave up.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.transition(StateInitializing, "start") {
		return ErrAlreadyStarted
	}

	if err := o.establish(ctx); err != nil {
		if ctx.Err() != nil {
			return o.shutdown(nil)
		}
		o.log.Warn("Initial connection failed", "error", err)
		if err := o.reconnect(ctx, err); err != nil {
			return o.shutdown(err)
		}
	} else {
		o.transition(StateRunning, "initialized")
	}

	ticker := time.NewTicker(o.cfg.RestoreInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return o.shutdown(nil)

		case <-o.faultCh:
			f := o.takeFault()
			if f == nil {
				continue
			}
			if f.epoch != o.conn.Epoch() {
				o.log.Debug("Ignoring stale fault", "epoch", f.epoch, "error", f.err)
				continue
			}
			if err := o.reconnect(ctx, f.err); err != nil {
				return o.shutdown(err)
			}

		case <-ticker.C:
			if o.State() == StateRunning && o.restores.Len() > 0 {
				o.restores.ProcessDue(ctx, o.restoreOne)
			}
		}
	}
}

// establish runs the initialization order: open, factory subscriptions,
// snapshot and rebuild, then the health monitor.
func (o *Orchestrator) establish(ctx context.Context) error {
	_ = o.conn.Close()
	if err := o.conn.Open(ctx); err != nil {
		return err
	}
	epoch := o.conn.Epoch()

	for _, f := range o.cfg.Factories {
		_, err := o.conn.Subscribe(ctx, stream.Filter{
			Addresses: []common.Address{f.Address},
			Topics:    [][]common.Hash{{f.Topic}},
		}, o.deliver)
		if err != nil {
			return fmt.Errorf("subscribe %s factory: %w", f.Kind, err)
		}
	}

	o.subMu.Lock()
	active, err := o.store.ListActiveAddresses(ctx)
	if err != nil {
		o.subMu.Unlock()
		return fmt.Errorf("list active crowdfunds: %w", err)
	}

	o.registry.Attach(o.conn)
	o.restores.Reset()
	failures := o.registry.RebuildAll(ctx, active)
	for addr, ferr := range failures {
		o.restores.Add(addr, ferr)
	}
	o.subMu.Unlock()

	if o.conn.Epoch() != epoch || !o.conn.IsOpen() {
		return fmt.Errorf("%w: transport lost while restoring subscriptions", stream.ErrConnection)
	}

	if o.cfg.BackfillBlocks > 0 {
		o.scheduleBackfill(epoch, active, true)
	}
	o.startMonitor(ctx, epoch)

	o.log.Info("Stream established",
		"epoch", epoch,
		"factories", len(o.cfg.Factories),
		"crowdfunds", len(active),
		"failed", len(failures),
	)
	return nil
}

// reconnect retries establish with capped exponential backoff. It returns
// nil once running again or when ctx is cancelled.
func (o *Orchestrator) reconnect(ctx context.Context, cause error) error {
	o.transition(StateReconnecting, cause.Error())
	o.stopMonitor()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}
		if !o.cfg.Backoff.ShouldRetry(cause, attempt) {
			metrics.ReconnectAttempts.WithLabelValues("exhausted").Inc()
			return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempt, cause)
		}

		delay := o.cfg.Backoff.GetDelay(attempt)
		o.log.Warn("Reconnecting", "attempt", attempt+1, "delay", delay, "cause", cause)
		if err := o.sleep(ctx, delay); err != nil {
			return nil
		}

		o.mu.Lock()
		o.reconnects++
		o.mu.Unlock()

		o.reconnectDispatcher(ctx)
		if err := o.establish(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
			cause = err
			o.transition(StateReconnecting, err.Error())
			continue
		}

		metrics.ReconnectAttempts.WithLabelValues("success").Inc()
		o.transition(StateRunning, "reconnected")
		return nil
	}
}

func (o *Orchestrator) reconnectDispatcher(ctx context.Context) {
	if o.dispatcher == nil || o.dispatcher.Ready() {
		return
	}
	r, ok := o.dispatcher.(notify.Reconnector)
	if !ok {
		return
	}
	if err := r.Reconnect(ctx); err != nil {
		o.log.Warn("Notification client reconnect failed", "error", err)
	}
}

// shutdown drains in-flight handlers for at most the grace period, then
// tears down the transport and the store.
func (o *Orchestrator) shutdown(cause error) error {
	reason := "termination requested"
	if cause != nil {
		reason = cause.Error()
		o.log.Error("Orchestrator giving up", "error", cause)
	}
	o.transition(StateShuttingDown, reason)
	o.stopMonitor()

	graceCtx, cancel := context.WithTimeout(context.Background(), o.cfg.GracePeriod)
	if err := o.queue.Close(graceCtx); err != nil {
		o.log.Warn("In-flight handlers did not finish", "error", err)
	}
	cancel()
	o.cancelWork()

	if err := o.conn.Close(); err != nil {
		o.log.Warn("Failed to close stream", "error", err)
	}
	if err := o.store.Close(); err != nil {
		o.log.Warn("Failed to close store", "error", err)
	}

	o.transition(StateStopped, reason)
	return cause
}

func (o *Orchestrator) startMonitor(ctx context.Context, epoch uint64) {
	if o.monitor == nil {
		return
	}
	o.stopMonitor()

	mctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.monitor.Watch(mctx, func(err error) {
			o.reportFault(epoch, fmt.Errorf("%w: health check: %w", stream.ErrConnection, err))
		})
	}()

	o.mu.Lock()
	o.stopMonitorF = func() {
		cancel()
		<-done
	}
	o.mu.Unlock()
}

func (o *Orchestrator) stopMonitor() {
	o.mu.Lock()
	stop := o.stopMonitorF
	o.stopMonitorF = nil
	o.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// reportFault records a fault for epoch. Only the newest epoch's fault is
// kept; the run loop discards it if the transport has moved on.
func (o *Orchestrator) reportFault(epoch uint64, err error) {
	o.faultMu.Lock()
	if o.pending == nil || o.pending.epoch <= epoch {
		o.pending = &fault{epoch: epoch, err: err}
	}
	o.faultMu.Unlock()

	select {
	case o.faultCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) takeFault() *fault {
	o.faultMu.Lock()
	defer o.faultMu.Unlock()
	f := o.pending
	o.pending = nil
	return f
}

// Track subscribes a crowdfund. On failure the crowdfund is queued for
// retry and the error is returned.
func (o *Orchestrator) Track(ctx context.Context, crowdfund common.Address) error {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	known := o.registry.Has(crowdfund)
	if err := o.registry.AddEntity(ctx, crowdfund); err != nil {
		o.restores.Add(crowdfund, err)
		return err
	}
	o.restores.Remove(crowdfund)
	if o.cfg.BackfillBlocks > 0 && !known {
		o.scheduleBackfill(o.conn.Epoch(), []common.Address{crowdfund}, false)
	}
	return nil
}

// Untrack drops a crowdfund's subscriptions.
func (o *Orchestrator) Untrack(crowdfund common.Address) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.registry.RemoveEntity(crowdfund)
	o.restores.Remove(crowdfund)
}

func (o *Orchestrator) restoreOne(ctx context.Context, crowdfund common.Address) error {
	o.subMu.Lock()
	defer o.subMu.Unlock()

	rec, err := o.store.GetEntity(ctx, crowdfund)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return err
	case rec.Status.IsTerminal():
		return nil
	}
	if err := o.registry.AddEntity(ctx, crowdfund); err != nil {
		return err
	}
	if o.cfg.BackfillBlocks > 0 {
		o.scheduleBackfill(o.conn.Epoch(), []common.Address{crowdfund}, false)
	}
	return nil
}

// deliver is the stream handler for every subscription. It never blocks
// the transport: decoded events are queued on their crowdfund's lane.
func (o *Orchestrator) deliver(l types.Log) {
	if l.Removed {
		metrics.EventsDropped.WithLabelValues("removed").Inc()
		return
	}
	ev, err := o.decoder.Decode(l)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("undecodable").Inc()
		o.log.Warn("Dropping undecodable log", "address", l.Address.Hex(), "tx", l.TxHash.Hex(), "error", err)
		return
	}
	metrics.EventsReceived.WithLabelValues(string(ev.Kind)).Inc()

	if !o.queue.Submit(laneKey(ev), func() { o.table.Dispatch(o.workCtx, ev) }) {
		metrics.EventsDropped.WithLabelValues("shutdown").Inc()
	}
}

// laneKey serializes every event of one crowdfund, its creation included.
func laneKey(ev domain.Event) string {
	switch ev.Kind {
	case domain.KindCrowdfundCreated:
		if addr, err := ev.Address("crowdfund"); err == nil {
			return addr.Hex()
		}
	case domain.KindTokenCreated:
		return "token"
	}
	return ev.Source.Hex()
}

// scheduleBackfill replays the recent block window for the given
// crowdfunds, and the factories when withFactories is set. Replays are
// idempotent through the contribution dedup index.
func (o *Orchestrator) scheduleBackfill(epoch uint64, crowdfunds []common.Address, withFactories bool) {
	crowdfunds = append([]common.Address(nil), crowdfunds...)
	o.queue.Submit(backfillLane, func() {
		if err := o.backfill(o.workCtx, epoch, crowdfunds, withFactories); err != nil {
			o.log.Warn("Backfill failed", "epoch", epoch, "error", err)
		}
	})
}

func (o *Orchestrator) backfill(ctx context.Context, epoch uint64, crowdfunds []common.Address, withFactories bool) error {
	if o.conn.Epoch() != epoch || !o.conn.IsOpen() {
		return nil
	}
	head := o.conn.Head()
	if head == 0 {
		return nil
	}
	from := uint64(0)
	if head > o.cfg.BackfillBlocks {
		from = head - o.cfg.BackfillBlocks
	}

	var filters []stream.Filter
	if withFactories {
		for _, f := range o.cfg.Factories {
			filters = append(filters, stream.Filter{
				Addresses: []common.Address{f.Address},
				Topics:    [][]common.Hash{{f.Topic}},
			})
		}
	}
	topics := make([]common.Hash, 0, len(o.cfg.EntityBindings))
	for _, b := range o.cfg.EntityBindings {
		topics = append(topics, b.Topic)
	}
	for start := 0; start < len(crowdfunds); start += backfillChunk {
		end := min(start+backfillChunk, len(crowdfunds))
		filters = append(filters, stream.Filter{
			Addresses: crowdfunds[start:end],
			Topics:    [][]common.Hash{topics},
		})
	}

	var logs []types.Log
	for _, f := range filters {
		got, err := o.conn.FilterLogs(ctx, f, from, head)
		if err != nil {
			return err
		}
		logs = append(logs, got...)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	for _, l := range logs {
		o.deliver(l)
	}
	o.log.Info("Backfill replayed", "from", from, "to", head, "logs", len(logs), "crowdfunds", len(crowdfunds))
	return nil
}

func (o *Orchestrator) transition(to State, reason string) bool {
	o.mu.Lock()
	from := o.state
	if !CanTransition(from, to) {
		o.mu.Unlock()
		o.log.Debug("Ignoring state transition", "from", from, "to", to)
		return false
	}
	o.state = to
	o.history = append(o.history, Transition{From: from, To: to, Reason: reason, Timestamp: time.Now()})
	o.mu.Unlock()

	setStateGauge(to)
	o.log.Info("State changed", "from", from, "to", to, "reason", reason)
	return true
}

func setStateGauge(current State) {
	for _, s := range AllStates {
		v := 0.0
		if s == current {
			v = 1
		}
		metrics.OrchestratorState.WithLabelValues(string(s)).Set(v)
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// History returns every state transition so far.
func (o *Orchestrator) History() []Transition {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Transition(nil), o.history...)
}

// Subscribed returns the crowdfunds with live subscriptions.
func (o *Orchestrator) Subscribed() []common.Address {
	return o.registry.Addresses()
}

// Snapshot implements health.StatusProvider.
func (o *Orchestrator) Snapshot() health.Snapshot {
	o.mu.RLock()
	state, reconnects := o.state, o.reconnects
	o.mu.RUnlock()

	subscribed := o.Subscribed()
	addrs := make([]string, 0, len(subscribed))
	for _, a := range subscribed {
		addrs = append(addrs, a.Hex())
	}
	restores := o.restores.Pending()

	snap := health.Snapshot{
		InstanceID:      o.instanceID,
		State:           string(state),
		Epoch:           o.conn.Epoch(),
		Subscriptions:   len(addrs),
		PendingRestores: len(restores),
		Reconnects:      reconnects,
		Head:            o.conn.Head(),
		QueuedTasks:     o.queue.Pending(),
		Subscribed:      addrs,
		Restores:        restores,
	}
	if history := o.History(); len(history) > 0 {
		last := history[len(history)-1]
		snap.LastReason = last.Reason
		snap.LastChange = last.Timestamp
	}
	return snap
}
