// Package recovery holds retry policies and the pending-restore queue.
package recovery

import (
	"context"
	"errors"
	"math"
	"time"
)

// FailureCategory tells a strategy whether an error is worth retrying.
type FailureCategory int

const (
	CategoryTransient FailureCategory = iota
	CategoryFatal
)

// Classifier maps an error to its category.
type Classifier func(err error) FailureCategory

// ClassifyConnection treats everything except cancellation as transient.
func ClassifyConnection(err error) FailureCategory {
	if errors.Is(err, context.Canceled) {
		return CategoryFatal
	}
	return CategoryTransient
}

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay for the given attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry based on the error and attempt count.
	ShouldRetry(err error, attempt int) bool
}

// ExponentialBackoff implements a capped exponential backoff.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Classifier   Classifier
}

// DefaultBackoff returns the reconnect defaults: 5s, 10s, 20s, 40s, 60s... x8.
func DefaultBackoff(classifier Classifier) *ExponentialBackoff {
	if classifier == nil {
		classifier = ClassifyConnection
	}
	return &ExponentialBackoff{
		InitialDelay: 5 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  8,
		Classifier:   classifier,
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt, capped at MaxDelay.
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry checks if error is transient and max attempts not exceeded.
func (s *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if attempt >= s.MaxAttempts {
		return false
	}
	classifier := s.Classifier
	if classifier == nil {
		classifier = ClassifyConnection
	}
	return classifier(err) == CategoryTransient
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
