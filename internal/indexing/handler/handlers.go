package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/partywatch/internal/core/domain"
	"github.com/vietddude/partywatch/internal/indexing/metrics"
	"github.com/vietddude/partywatch/internal/infra/notify"
	"github.com/vietddude/partywatch/internal/infra/storage"
)

// ChainReader reads crowdfund state from the ledger.
type ChainReader interface {
	TotalContributed(ctx context.Context, crowdfund common.Address, block uint64) (*big.Int, error)
	Token(ctx context.Context, crowdfund common.Address) (common.Address, error)
}

// Tracker starts and stops per-crowdfund subscriptions.
type Tracker interface {
	Track(ctx context.Context, crowdfund common.Address) error
	Untrack(crowdfund common.Address)
}

// Handlers holds the per-kind event handlers.
type Handlers struct {
	store      storage.StateStore
	reader     ChainReader
	dispatcher notify.Dispatcher
	tracker    Tracker
	render     *Renderer
	now        func() time.Time
	log        *slog.Logger
}

// New creates the handler set.
func New(
	store storage.StateStore,
	reader ChainReader,
	dispatcher notify.Dispatcher,
	tracker Tracker,
	render *Renderer,
) *Handlers {
	return &Handlers{
		store:      store,
		reader:     reader,
		dispatcher: dispatcher,
		tracker:    tracker,
		render:     render,
		now:        time.Now,
		log:        slog.Default().With("component", "handlers"),
	}
}

// Register adds every handler to t.
func (h *Handlers) Register(t *Table) {
	t.Register(domain.KindTokenCreated, "announce_token", h.OnTokenCreated)
	t.Register(domain.KindCrowdfundCreated, "track_crowdfund", h.OnCrowdfundCreated)
	t.Register(domain.KindContributed, "record_contribution", h.OnContributed)
	t.Register(domain.KindFinalized, "finalize", h.OnFinalized)
	t.Register(domain.KindRefunded, "refund", h.OnRefunded)
}

// OnTokenCreated announces a token launch. It keeps no state.
func (h *Handlers) OnTokenCreated(ctx context.Context, ev domain.Event) error {
	msg, err := h.render.TokenCreated(ev)
	if err != nil {
		return fmt.Errorf("render token: %w", err)
	}
	token, _ := ev.Address("tokenAddress")
	if _, err := h.dispatcher.Send(ctx, token, msg); err != nil {
		h.dispatchFailed("send", token, err)
	}
	return nil
}

// OnCrowdfundCreated announces and starts tracking a new crowdfund.
// Replays of a known crowdfund only make sure it is tracked.
func (h *Handlers) OnCrowdfundCreated(ctx context.Context, ev domain.Event) error {
	crowdfund, err := ev.Address("crowdfund")
	if err != nil {
		return err
	}
	log := h.log.With("address", crowdfund.Hex(), "tx", ev.TxHash.Hex())

	rec, err := h.store.GetEntity(ctx, crowdfund)
	switch {
	case err == nil:
		if rec.Status == domain.StatusActive {
			return h.tracker.Track(ctx, crowdfund)
		}
		log.Debug("Crowdfund already closed", "status", rec.Status)
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("load crowdfund: %w", err)
	}

	var messageID string
	handle, err := h.dispatcher.Send(ctx, crowdfund, h.render.CrowdfundCreated(ev, crowdfund))
	if err != nil {
		h.dispatchFailed("send", crowdfund, err)
	} else {
		messageID = handle.MessageID
	}

	if err := h.store.CreateEntity(ctx, crowdfund, messageID); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return fmt.Errorf("create crowdfund: %w", err)
	}
	log.Info("Crowdfund created", "name", ev.Text("name"), "symbol", ev.Text("symbol"))

	return h.tracker.Track(ctx, crowdfund)
}

// OnContributed records a contribution once per transaction and posts an
// update into the crowdfund's thread.
func (h *Handlers) OnContributed(ctx context.Context, ev domain.Event) error {
	crowdfund := ev.Source
	log := h.log.With("address", crowdfund.Hex(), "tx", ev.TxHash.Hex())

	rec, err := h.store.GetEntity(ctx, crowdfund)
	if err != nil {
		return fmt.Errorf("load crowdfund: %w", err)
	}
	contributor, err := ev.Address("contributor")
	if err != nil {
		return err
	}
	amount, err := ev.BigInt("amount")
	if err != nil {
		return err
	}

	running, err := h.reader.TotalContributed(ctx, crowdfund, ev.BlockNumber)
	if err != nil {
		running = new(big.Int).Add(domain.MaxInt(rec.TotalContributed, nil), amount)
		log.Warn("Ledger total unavailable, using stored total", "error", err)
	}

	c := domain.Contribution{
		Contributor:     contributor,
		Amount:          amount,
		RunningTotal:    running,
		Timestamp:       h.now(),
		TransactionHash: ev.TxHash,
	}
	result, err := h.store.AppendContributionIfNew(ctx, crowdfund, c)
	if err != nil {
		return fmt.Errorf("append contribution: %w", err)
	}
	metrics.Contributions.WithLabelValues(result.String()).Inc()
	if result != storage.AppendApplied {
		log.Debug("Contribution ignored", "result", result)
		return nil
	}
	log.Info("Contribution recorded", "amount", FormatEther(amount), "total", FormatEther(running))

	h.reply(ctx, rec, h.render.Contribution(crowdfund, c))
	return nil
}

// OnFinalized closes a crowdfund and records its launched token.
func (h *Handlers) OnFinalized(ctx context.Context, ev domain.Event) error {
	return h.close(ctx, ev, domain.StatusFinalized)
}

// OnRefunded closes a crowdfund that failed to launch.
func (h *Handlers) OnRefunded(ctx context.Context, ev domain.Event) error {
	return h.close(ctx, ev, domain.StatusRefunded)
}

func (h *Handlers) close(ctx context.Context, ev domain.Event, status domain.Status) error {
	crowdfund := ev.Source
	log := h.log.With("address", crowdfund.Hex(), "tx", ev.TxHash.Hex())

	rec, err := h.store.GetEntity(ctx, crowdfund)
	if err != nil {
		return fmt.Errorf("load crowdfund: %w", err)
	}
	if rec.Status.IsTerminal() {
		h.tracker.Untrack(crowdfund)
		if rec.Status != status {
			return fmt.Errorf("%w: %s is already %s", domain.ErrInvalidTransition, crowdfund.Hex(), rec.Status)
		}
		return nil
	}

	var token *common.Address
	if status == domain.StatusFinalized {
		if addr, err := h.reader.Token(ctx, crowdfund); err != nil {
			log.Warn("Token address unavailable", "error", err)
		} else if addr != (common.Address{}) {
			token = &addr
		}
	}

	if err := h.store.SetStatus(ctx, crowdfund, status, token); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	h.tracker.Untrack(crowdfund)
	log.Info("Crowdfund closed", "status", status)

	var msg notify.Message
	if status == domain.StatusFinalized {
		msg = h.render.Finalized(crowdfund, token, rec.TotalContributed)
	} else {
		msg = h.render.Refunded(crowdfund, rec.TotalContributed)
	}
	h.reply(ctx, rec, msg)
	return nil
}

// reply posts under the crowdfund's message and persists a newly started
// thread. Failures never touch the recorded state.
func (h *Handlers) reply(ctx context.Context, rec *domain.CrowdfundRecord, msg notify.Message) {
	if rec.MessageID == "" {
		h.log.Debug("No message to reply to", "address", rec.Address.Hex())
		return
	}
	handle, err := h.dispatcher.Reply(ctx, notify.MessageHandle{MessageID: rec.MessageID, ThreadID: rec.ThreadID}, msg)
	if err != nil {
		h.dispatchFailed("reply", rec.Address, err)
		return
	}
	if rec.ThreadID == "" && handle.ThreadID != "" {
		if err := h.store.SetThread(ctx, rec.Address, handle.ThreadID); err != nil {
			h.log.Warn("Failed to save thread", "address", rec.Address.Hex(), "error", err)
		}
	}
}

func (h *Handlers) dispatchFailed(op string, entity common.Address, err error) {
	metrics.DispatchErrors.WithLabelValues(op).Inc()
	h.log.Warn("Notification failed", "operation", op, "address", entity.Hex(), "error", err)
}
