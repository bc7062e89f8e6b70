package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/partywatch/internal/core/domain"
	"github.com/vietddude/partywatch/internal/infra/storage"
)

type txKey struct {
	address common.Address
	hash    common.Hash
}

// StateStore keeps crowdfund state in process memory. A single mutex
// serializes every update, which trivially makes each record linearizable.
type StateStore struct {
	records   map[common.Address]*domain.CrowdfundRecord
	processed map[txKey]struct{}
	now       func() time.Time
	mu        sync.RWMutex
}

var _ storage.StateStore = (*StateStore)(nil)

func NewStateStore() *StateStore {
	return &StateStore{
		records:   make(map[common.Address]*domain.CrowdfundRecord),
		processed: make(map[txKey]struct{}),
		now:       time.Now,
	}
}

func (s *StateStore) CreateEntity(ctx context.Context, address common.Address, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[address]; ok {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, address.Hex())
	}
	now := s.now()
	s.records[address] = &domain.CrowdfundRecord{
		Address:          address,
		Status:           domain.StatusActive,
		MessageID:        messageID,
		TotalContributed: new(big.Int),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return nil
}

func (s *StateStore) GetEntity(ctx context.Context, address common.Address) (*domain.CrowdfundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, address.Hex())
	}
	return rec.Clone(), nil
}

func (s *StateStore) SetStatus(
	ctx context.Context,
	address common.Address,
	status domain.Status,
	token *common.Address,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[address]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, address.Hex())
	}
	noop, err := domain.CheckTransition(rec.Status, status)
	if err != nil || noop {
		return err
	}
	rec.Status = status
	if token != nil {
		t := *token
		rec.TokenAddress = &t
	}
	rec.UpdatedAt = s.now()
	return nil
}

func (s *StateStore) SetThread(ctx context.Context, address common.Address, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[address]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, address.Hex())
	}
	if rec.ThreadID == "" {
		rec.ThreadID = threadID
		rec.UpdatedAt = s.now()
	}
	return nil
}

func (s *StateStore) AppendContributionIfNew(
	ctx context.Context,
	address common.Address,
	c domain.Contribution,
) (storage.AppendResult, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[address]
	if !ok {
		return 0, fmt.Errorf("%w: %s", storage.ErrNotFound, address.Hex())
	}
	key := txKey{address: address, hash: c.TransactionHash}
	if _, seen := s.processed[key]; seen {
		return storage.AppendDuplicate, nil
	}
	if rec.Status.IsTerminal() {
		return storage.AppendClosed, nil
	}

	rec.TotalContributed = domain.MaxInt(rec.TotalContributed, c.RunningTotal)
	rec.Contributions = append(rec.Contributions, domain.Contribution{
		Contributor:     c.Contributor,
		Amount:          domain.MaxInt(c.Amount, nil),
		RunningTotal:    domain.MaxInt(rec.TotalContributed, nil),
		Timestamp:       c.Timestamp,
		TransactionHash: c.TransactionHash,
	})
	rec.UpdatedAt = s.now()
	s.processed[key] = struct{}{}
	return storage.AppendApplied, nil
}

func (s *StateStore) ListActiveAddresses(ctx context.Context) ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Address, 0, len(s.records))
	for addr, rec := range s.records {
		if rec.Status == domain.StatusActive {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out, nil
}

func (s *StateStore) Ping(ctx context.Context) error { return nil }

func (s *StateStore) Close() error { return nil }
