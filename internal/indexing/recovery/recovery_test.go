package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// =============================================================================
// Strategy Tests
// =============================================================================

func TestBackoff_Delay(t *testing.T) {
	strategy := DefaultBackoff(nil)
	strategy.InitialDelay = 1 * time.Second
	strategy.MaxDelay = 10 * time.Second

	// Attempt 0: 1*2^0 = 1s
	if d := strategy.GetDelay(0); d != 1*time.Second {
		t.Errorf("expected 1s, got %v", d)
	}

	// Attempt 1: 1*2^1 = 2s
	if d := strategy.GetDelay(1); d != 2*time.Second {
		t.Errorf("expected 2s, got %v", d)
	}

	// Attempt 2: 1*2^2 = 4s
	if d := strategy.GetDelay(2); d != 4*time.Second {
		t.Errorf("expected 4s, got %v", d)
	}

	// Attempt 10: Cap at MaxDelay (10s)
	if d := strategy.GetDelay(10); d != 10*time.Second {
		t.Errorf("expected 10s, got %v", d)
	}
}

func TestBackoff_DefaultSchedule(t *testing.T) {
	strategy := DefaultBackoff(nil)
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := strategy.GetDelay(i); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestBackoff_ShouldRetry(t *testing.T) {
	strategy := DefaultBackoff(nil)
	strategy.MaxAttempts = 3

	if !strategy.ShouldRetry(errors.New("err"), 0) {
		t.Error("should retry attempt 0")
	}
	if !strategy.ShouldRetry(errors.New("err"), 2) {
		t.Error("should retry attempt 2")
	}
	if strategy.ShouldRetry(errors.New("err"), 3) {
		t.Error("should NOT retry attempt 3 (max reached)")
	}
	if strategy.ShouldRetry(context.Canceled, 0) {
		t.Error("should NOT retry a cancelled attempt")
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancel")
	}
}

func TestSleep_Elapses(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

// =============================================================================
// Queue Tests
// =============================================================================

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }

func newTestQueue() (*Queue, *manualClock) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	strategy := &ExponentialBackoff{InitialDelay: time.Second, MaxDelay: 4 * time.Second, MaxAttempts: 1}
	q := NewQueue(strategy)
	q.now = clock.now
	return q, clock
}

func TestQueue_RetriesWithBackoff(t *testing.T) {
	q, clock := newTestQueue()
	addr := common.HexToAddress("0xaaa")
	q.Add(addr, errors.New("limit"))

	calls := 0
	fail := func(ctx context.Context, a common.Address) error {
		calls++
		return errors.New("still failing")
	}

	// Not due before the first delay.
	if n := q.ProcessDue(context.Background(), fail); n != 0 || calls != 0 {
		t.Fatalf("expected nothing due, got restored=%d calls=%d", n, calls)
	}

	clock.t = clock.t.Add(time.Second)
	q.ProcessDue(context.Background(), fail)
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}

	// Second delay is 2s.
	clock.t = clock.t.Add(time.Second)
	q.ProcessDue(context.Background(), fail)
	if calls != 1 {
		t.Errorf("expected backoff to hold the retry, got %d calls", calls)
	}

	clock.t = clock.t.Add(time.Second)
	n := q.ProcessDue(context.Background(), func(ctx context.Context, a common.Address) error { return nil })
	if n != 1 {
		t.Errorf("expected 1 restored, got %d", n)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestQueue_AddKeepsRetryCount(t *testing.T) {
	q, clock := newTestQueue()
	addr := common.HexToAddress("0xbbb")
	q.Add(addr, errors.New("first"))

	clock.t = clock.t.Add(time.Second)
	q.ProcessDue(context.Background(), func(context.Context, common.Address) error { return errors.New("again") })
	q.Add(addr, errors.New("second"))

	pending := q.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", pending[0].RetryCount)
	}
	if pending[0].Error != "second" {
		t.Errorf("expected refreshed error, got %q", pending[0].Error)
	}
	if pending[0].ID == "" {
		t.Error("expected an id")
	}
}

func TestQueue_RemoveAndReset(t *testing.T) {
	q, _ := newTestQueue()
	a := common.HexToAddress("0x1")
	b := common.HexToAddress("0x2")
	q.Add(a, errors.New("x"))
	q.Add(b, errors.New("x"))

	q.Remove(a)
	if q.Len() != 1 {
		t.Errorf("expected 1, got %d", q.Len())
	}
	q.Reset()
	if q.Len() != 0 {
		t.Errorf("expected 0, got %d", q.Len())
	}
}

func TestQueue_RemovedDuringRetry(t *testing.T) {
	q, clock := newTestQueue()
	addr := common.HexToAddress("0xccc")
	q.Add(addr, errors.New("x"))
	clock.t = clock.t.Add(time.Second)

	n := q.ProcessDue(context.Background(), func(ctx context.Context, a common.Address) error {
		q.Remove(a)
		return errors.New("no longer active")
	})
	if n != 0 || q.Len() != 0 {
		t.Errorf("expected entry gone without counting as restored, got n=%d len=%d", n, q.Len())
	}
}
