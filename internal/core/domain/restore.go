package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PendingRestore is a crowdfund whose subscriptions could not be established
// and is waiting for another attempt.
type PendingRestore struct {
	ID          string         `json:"id"`
	Address     common.Address `json:"address"`
	Error       string         `json:"error_msg"`
	RetryCount  int            `json:"retry_count"`
	LastAttempt time.Time      `json:"last_attempt"`
	CreatedAt   time.Time      `json:"created_at"`
}
