// Package storagetest holds the conformance suite every StateStore backend runs.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/partywatch/internal/core/domain"
	"github.com/vietddude/partywatch/internal/infra/storage"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) storage.StateStore

var (
	addrA = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	addrB = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
	addrC = common.HexToAddress("0x000000000000000000000000000000000000cccc")
)

func contribution(hash string, amount, running int64) domain.Contribution {
	return domain.Contribution{
		Contributor:     common.HexToAddress("0x1234"),
		Amount:          big.NewInt(amount),
		RunningTotal:    big.NewInt(running),
		Timestamp:       time.Unix(1700000000, 0).UTC(),
		TransactionHash: common.HexToHash(hash),
	}
}

// RunSuite runs the StateStore contract against the backend built by newStore.
func RunSuite(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateTwice", func(t *testing.T) { testCreateTwice(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("AppendDedup", func(t *testing.T) { testAppendDedup(t, newStore(t)) })
	t.Run("AppendTotalMonotonic", func(t *testing.T) { testAppendMonotonic(t, newStore(t)) })
	t.Run("AppendAfterTerminal", func(t *testing.T) { testAppendAfterTerminal(t, newStore(t)) })
	t.Run("AppendMissing", func(t *testing.T) { testAppendMissing(t, newStore(t)) })
	t.Run("StatusTransitions", func(t *testing.T) { testStatusTransitions(t, newStore(t)) })
	t.Run("ThreadSetOnce", func(t *testing.T) { testThreadSetOnce(t, newStore(t)) })
	t.Run("ListActive", func(t *testing.T) { testListActive(t, newStore(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, newStore(t)) })
	t.Run("ConcurrentSameHash", func(t *testing.T) { testConcurrentSameHash(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	if err := s.CreateEntity(ctx, addrA, "msg-1"); err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}

	rec, err := s.GetEntity(ctx, addrA)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if rec.Address != addrA {
		t.Errorf("expected address %s, got %s", addrA, rec.Address)
	}
	if rec.Status != domain.StatusActive {
		t.Errorf("expected active, got %s", rec.Status)
	}
	if rec.MessageID != "msg-1" {
		t.Errorf("expected msg-1, got %q", rec.MessageID)
	}
	if rec.ThreadID != "" {
		t.Errorf("expected empty thread, got %q", rec.ThreadID)
	}
	if rec.TotalContributed == nil || rec.TotalContributed.Sign() != 0 {
		t.Errorf("expected zero total, got %v", rec.TotalContributed)
	}
	if len(rec.Contributions) != 0 {
		t.Errorf("expected no contributions, got %d", len(rec.Contributions))
	}
}

func testCreateTwice(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	if err := s.CreateEntity(ctx, addrA, "msg-1"); err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}
	err := s.CreateEntity(ctx, addrA, "msg-2")
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	rec, err := s.GetEntity(ctx, addrA)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if rec.MessageID != "msg-1" {
		t.Errorf("expected original message id, got %q", rec.MessageID)
	}
}

func testGetMissing(t *testing.T, s storage.StateStore) {
	_, err := s.GetEntity(context.Background(), addrA)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testAppendDedup(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	mustCreate(t, s, addrA)

	c := contribution("0xa1", 1_000_000_000_000_000_000, 1_000_000_000_000_000_000)
	res, err := s.AppendContributionIfNew(ctx, addrA, c)
	if err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if res != storage.AppendApplied {
		t.Errorf("expected applied, got %s", res)
	}

	res, err = s.AppendContributionIfNew(ctx, addrA, c)
	if err != nil {
		t.Fatalf("second append failed: %v", err)
	}
	if res != storage.AppendDuplicate {
		t.Errorf("expected duplicate, got %s", res)
	}

	rec := mustGet(t, s, addrA)
	if rec.TotalContributed.Cmp(c.RunningTotal) != 0 {
		t.Errorf("expected total %s, got %s", c.RunningTotal, rec.TotalContributed)
	}
	if len(rec.Contributions) != 1 {
		t.Fatalf("expected 1 contribution, got %d", len(rec.Contributions))
	}
	got := rec.Contributions[0]
	if got.TransactionHash != c.TransactionHash {
		t.Errorf("expected hash %s, got %s", c.TransactionHash, got.TransactionHash)
	}
	if got.Contributor != c.Contributor {
		t.Errorf("expected contributor %s, got %s", c.Contributor, got.Contributor)
	}
	if got.Amount.Cmp(c.Amount) != 0 {
		t.Errorf("expected amount %s, got %s", c.Amount, got.Amount)
	}
	if got.RunningTotal.Cmp(c.RunningTotal) != 0 {
		t.Errorf("expected running total %s, got %s", c.RunningTotal, got.RunningTotal)
	}
	if !got.Timestamp.Equal(c.Timestamp) {
		t.Errorf("expected timestamp %v, got %v", c.Timestamp, got.Timestamp)
	}
}

func testAppendMonotonic(t *testing.T, s storage.StateStore) {
	mustCreate(t, s, addrA)

	mustAppend(t, s, addrA, contribution("0xa1", 5, 50))
	// A stale ledger read must not move the total backwards.
	mustAppend(t, s, addrA, contribution("0xa2", 3, 20))

	rec := mustGet(t, s, addrA)
	if rec.TotalContributed.Int64() != 50 {
		t.Errorf("expected total 50, got %s", rec.TotalContributed)
	}
	if len(rec.Contributions) != 2 {
		t.Fatalf("expected 2 contributions, got %d", len(rec.Contributions))
	}
	if rec.Contributions[1].RunningTotal.Int64() != 50 {
		t.Errorf("expected running total snapshot 50, got %s", rec.Contributions[1].RunningTotal)
	}

	mustAppend(t, s, addrA, contribution("0xa3", 100, 150))
	rec = mustGet(t, s, addrA)
	if rec.TotalContributed.Int64() != 150 {
		t.Errorf("expected total 150, got %s", rec.TotalContributed)
	}
	if rec.Contributions[0].TransactionHash != common.HexToHash("0xa1") ||
		rec.Contributions[2].TransactionHash != common.HexToHash("0xa3") {
		t.Error("expected contributions in arrival order")
	}

	// Amounts beyond 64 bits keep full precision.
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	c := contribution("0xa4", 1, 0)
	c.RunningTotal = huge
	mustAppend(t, s, addrA, c)
	rec = mustGet(t, s, addrA)
	if rec.TotalContributed.Cmp(huge) != 0 {
		t.Errorf("expected total %s, got %s", huge, rec.TotalContributed)
	}
}

func testAppendAfterTerminal(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	mustCreate(t, s, addrA)
	mustAppend(t, s, addrA, contribution("0xa1", 5, 5))

	if err := s.SetStatus(ctx, addrA, domain.StatusFinalized, nil); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	res, err := s.AppendContributionIfNew(ctx, addrA, contribution("0xa2", 5, 10))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if res != storage.AppendClosed {
		t.Errorf("expected closed, got %s", res)
	}

	// Replays of already-applied transactions still read as duplicates.
	res, err = s.AppendContributionIfNew(ctx, addrA, contribution("0xa1", 5, 5))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if res != storage.AppendDuplicate {
		t.Errorf("expected duplicate, got %s", res)
	}

	rec := mustGet(t, s, addrA)
	if rec.TotalContributed.Int64() != 5 || len(rec.Contributions) != 1 {
		t.Errorf("expected state unchanged, got total %s with %d contributions",
			rec.TotalContributed, len(rec.Contributions))
	}
}

func testAppendMissing(t *testing.T, s storage.StateStore) {
	_, err := s.AppendContributionIfNew(context.Background(), addrA, contribution("0xa1", 1, 1))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testStatusTransitions(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	mustCreate(t, s, addrA)
	token := common.HexToAddress("0x00000000000000000000000000000000000070ce")

	if err := s.SetStatus(ctx, addrA, domain.StatusFinalized, &token); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if err := s.SetStatus(ctx, addrA, domain.StatusFinalized, nil); err != nil {
		t.Errorf("expected repeated finalize to be a no-op, got %v", err)
	}
	err := s.SetStatus(ctx, addrA, domain.StatusRefunded, nil)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	err = s.SetStatus(ctx, addrA, domain.StatusActive, nil)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition reactivating, got %v", err)
	}

	rec := mustGet(t, s, addrA)
	if rec.Status != domain.StatusFinalized {
		t.Errorf("expected finalized, got %s", rec.Status)
	}
	if rec.TokenAddress == nil || *rec.TokenAddress != token {
		t.Errorf("expected token %s, got %v", token, rec.TokenAddress)
	}

	mustCreate(t, s, addrB)
	if err := s.SetStatus(ctx, addrB, domain.StatusRefunded, nil); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if rec := mustGet(t, s, addrB); rec.TokenAddress != nil {
		t.Errorf("expected no token for refunded crowdfund, got %s", rec.TokenAddress)
	}

	err = s.SetStatus(ctx, addrC, domain.StatusFinalized, nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	// Untracked wins over an invalid target status on every backend.
	err = s.SetStatus(ctx, addrC, domain.StatusActive, nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for untracked active target, got %v", err)
	}
}

func testThreadSetOnce(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	mustCreate(t, s, addrA)

	if err := s.SetThread(ctx, addrA, "thread-1"); err != nil {
		t.Fatalf("SetThread failed: %v", err)
	}
	if err := s.SetThread(ctx, addrA, "thread-2"); err != nil {
		t.Fatalf("second SetThread failed: %v", err)
	}
	if rec := mustGet(t, s, addrA); rec.ThreadID != "thread-1" {
		t.Errorf("expected thread-1, got %q", rec.ThreadID)
	}

	err := s.SetThread(ctx, addrB, "thread-3")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testListActive(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	mustCreate(t, s, addrA)
	mustCreate(t, s, addrB)
	mustCreate(t, s, addrC)

	if err := s.SetStatus(ctx, addrB, domain.StatusRefunded, nil); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	active, err := s.ListActiveAddresses(ctx)
	if err != nil {
		t.Fatalf("ListActiveAddresses failed: %v", err)
	}
	got := make(map[common.Address]bool)
	for _, a := range active {
		got[a] = true
	}
	if len(active) != 2 || !got[addrA] || !got[addrC] {
		t.Errorf("expected {%s, %s}, got %v", addrA, addrC, active)
	}
}

func testConcurrentAppends(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	mustCreate(t, s, addrA)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := contribution(fmt.Sprintf("0x%x", i), 1, int64(i))
			res, err := s.AppendContributionIfNew(ctx, addrA, c)
			if err != nil {
				errs <- err
				return
			}
			if res != storage.AppendApplied {
				errs <- fmt.Errorf("tx %d: expected applied, got %s", i, res)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	rec := mustGet(t, s, addrA)
	if len(rec.Contributions) != n {
		t.Errorf("expected %d contributions, got %d", n, len(rec.Contributions))
	}
	if rec.TotalContributed.Int64() != n {
		t.Errorf("expected total %d, got %s", n, rec.TotalContributed)
	}
}

func testConcurrentSameHash(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	mustCreate(t, s, addrA)

	const n = 10
	var wg sync.WaitGroup
	results := make(chan storage.AppendResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.AppendContributionIfNew(ctx, addrA, contribution("0xd0d0", 7, 7))
			if err != nil {
				t.Errorf("append failed: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for res := range results {
		if res == storage.AppendApplied {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("expected exactly one applied, got %d", applied)
	}
	if rec := mustGet(t, s, addrA); len(rec.Contributions) != 1 {
		t.Errorf("expected 1 contribution, got %d", len(rec.Contributions))
	}
}

func mustCreate(t *testing.T, s storage.StateStore, addr common.Address) {
	t.Helper()
	if err := s.CreateEntity(context.Background(), addr, "msg-"+addr.Hex()[38:]); err != nil {
		t.Fatalf("CreateEntity(%s) failed: %v", addr, err)
	}
}

func mustGet(t *testing.T, s storage.StateStore, addr common.Address) *domain.CrowdfundRecord {
	t.Helper()
	rec, err := s.GetEntity(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetEntity(%s) failed: %v", addr, err)
	}
	return rec
}

func mustAppend(t *testing.T, s storage.StateStore, addr common.Address, c domain.Contribution) {
	t.Helper()
	res, err := s.AppendContributionIfNew(context.Background(), addr, c)
	if err != nil {
		t.Fatalf("append %s failed: %v", c.TransactionHash, err)
	}
	if res != storage.AppendApplied {
		t.Fatalf("append %s: expected applied, got %s", c.TransactionHash, res)
	}
}
