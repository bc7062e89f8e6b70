package storage

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/partywatch/internal/core/domain"
)

var (
	// ErrAlreadyExists is returned when creating a crowdfund that is already tracked.
	ErrAlreadyExists = errors.New("crowdfund already exists")

	// ErrNotFound is returned when a crowdfund is not tracked.
	ErrNotFound = errors.New("crowdfund not found")
)

// AppendResult is the outcome of AppendContributionIfNew.
type AppendResult int

const (
	// AppendApplied means the contribution was recorded.
	AppendApplied AppendResult = iota
	// AppendDuplicate means the transaction was already applied; nothing changed.
	AppendDuplicate
	// AppendClosed means the crowdfund is terminal; nothing changed.
	AppendClosed
)

func (r AppendResult) String() string {
	switch r {
	case AppendApplied:
		return "applied"
	case AppendDuplicate:
		return "duplicate"
	case AppendClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateStore is the durable store of crowdfund state and the processed
// transaction index. Updates to one record are linearizable; different
// records are independent.
type StateStore interface {
	// CreateEntity starts tracking a crowdfund in the active status.
	CreateEntity(ctx context.Context, address common.Address, messageID string) error

	// GetEntity returns a copy of the record, or ErrNotFound.
	GetEntity(ctx context.Context, address common.Address) (*domain.CrowdfundRecord, error)

	// SetStatus moves a record to a terminal status. Repeating the current
	// terminal status is a no-op.
	SetStatus(ctx context.Context, address common.Address, status domain.Status, token *common.Address) error

	// SetThread records the notification thread once; later calls are no-ops.
	SetThread(ctx context.Context, address common.Address, threadID string) error

	// AppendContributionIfNew applies a contribution unless its transaction
	// hash was already seen. TotalContributed becomes the larger of the
	// stored total and the contribution's RunningTotal.
	AppendContributionIfNew(ctx context.Context, address common.Address, c domain.Contribution) (AppendResult, error)

	// ListActiveAddresses returns every crowdfund in the active status.
	ListActiveAddresses(ctx context.Context) ([]common.Address, error)

	Ping(ctx context.Context) error
	Close() error
}
