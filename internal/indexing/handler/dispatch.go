// Package handler turns decoded ledger events into state changes and
// notifications.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/partywatch/internal/core/domain"
	"github.com/vietddude/partywatch/internal/indexing/metrics"
)

// TaskFunc handles one event.
type TaskFunc func(ctx context.Context, ev domain.Event) error

type task struct {
	name string
	fn   TaskFunc
}

// Table maps each event kind to an ordered list of tasks.
type Table struct {
	mu    sync.RWMutex
	tasks map[domain.EventKind][]task
	log   *slog.Logger
}

// NewTable creates an empty dispatch table.
func NewTable() *Table {
	return &Table{
		tasks: make(map[domain.EventKind][]task),
		log:   slog.Default().With("component", "dispatch"),
	}
}

// Register appends a task for kind. Tasks run in registration order.
func (t *Table) Register(kind domain.EventKind, name string, fn TaskFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[kind] = append(t.tasks[kind], task{name: name, fn: fn})
}

// Has reports whether any task is registered for kind.
func (t *Table) Has(kind domain.EventKind) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tasks[kind]) > 0
}

// Dispatch runs every task registered for ev.Kind. A failing or panicking
// task is logged and does not stop the tasks after it.
func (t *Table) Dispatch(ctx context.Context, ev domain.Event) []error {
	t.mu.RLock()
	tasks := t.tasks[ev.Kind]
	t.mu.RUnlock()

	if len(tasks) == 0 {
		metrics.EventsDropped.WithLabelValues("unhandled").Inc()
		return nil
	}

	var errs []error
	for _, tk := range tasks {
		if err := t.run(ctx, tk, ev); err != nil {
			metrics.HandlerErrors.WithLabelValues(string(ev.Kind), tk.name).Inc()
			t.log.Error("Handler failed",
				"kind", ev.Kind,
				"task", tk.name,
				"address", ev.Source.Hex(),
				"tx", ev.TxHash.Hex(),
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errs
}

func (t *Table) run(ctx context.Context, tk task, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", tk.name, r)
		}
	}()
	return tk.fn(ctx, ev)
}
