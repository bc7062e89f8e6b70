package domain

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle status of a tracked crowdfund.
type Status string

const (
	StatusActive    Status = "active"
	StatusFinalized Status = "finalized"
	StatusRefunded  Status = "refunded"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusFinalized || s == StatusRefunded
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s.IsTerminal()
}

// CheckTransition validates moving a record from one status to another.
// It returns noop=true when the record already sits in the requested
// terminal status, which makes finalize and refund replays harmless.
func CheckTransition(from, to Status) (noop bool, err error) {
	if !to.IsTerminal() {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from == to {
		return true, nil
	}
	if from != StatusActive {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return false, nil
}

// CrowdfundRecord is the durable state of one tracked crowdfund.
type CrowdfundRecord struct {
	Address          common.Address
	Status           Status
	MessageID        string
	ThreadID         string
	TokenAddress     *common.Address
	TotalContributed *big.Int
	Contributions    []Contribution
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Contribution is an applied contribution. Amounts are in wei.
type Contribution struct {
	Contributor     common.Address
	Amount          *big.Int
	RunningTotal    *big.Int
	Timestamp       time.Time
	TransactionHash common.Hash
}

// Validate checks the fields a store relies on.
func (c Contribution) Validate() error {
	if c.TransactionHash == (common.Hash{}) {
		return errors.New("contribution: missing transaction hash")
	}
	if c.Amount == nil || c.Amount.Sign() < 0 {
		return errors.New("contribution: amount must be non-negative")
	}
	if c.RunningTotal == nil || c.RunningTotal.Sign() < 0 {
		return errors.New("contribution: running total must be non-negative")
	}
	return nil
}

// Clone returns a deep copy so callers never share big.Int pointers with a store.
func (r *CrowdfundRecord) Clone() *CrowdfundRecord {
	out := *r
	out.TotalContributed = cloneInt(r.TotalContributed)
	if r.TokenAddress != nil {
		token := *r.TokenAddress
		out.TokenAddress = &token
	}
	out.Contributions = make([]Contribution, len(r.Contributions))
	for i, c := range r.Contributions {
		c.Amount = cloneInt(c.Amount)
		c.RunningTotal = cloneInt(c.RunningTotal)
		out.Contributions[i] = c
	}
	return &out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// MaxInt returns the larger of a and b; nil counts as zero.
func MaxInt(a, b *big.Int) *big.Int {
	a, b = cloneInt(a), cloneInt(b)
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
