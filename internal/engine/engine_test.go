package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/nathanyu/funds-transfer/internal/lock"
	"github.com/nathanyu/funds-transfer/internal/store"
	"github.com/nathanyu/funds-transfer/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxAttempts:    5,
		RetryBaseDelay: time.Millisecond,
		LockTimeout:    2 * time.Second,
		CommitTimeout:  10 * time.Second,
	}
}

func seedAccounts(t *testing.T, s *memory.Store, balances map[string]string) {
	t.Helper()
	for number, balance := range balances {
		require.NoError(t, s.CreateAccount(context.Background(), &domain.Account{
			AccountNumber: number,
			HolderName:    "Holder " + number,
			Email:         number + "@example.com",
			Balance:       decimal.RequireFromString(balance),
			Currency:      "USD",
			Active:        true,
		}))
	}
}

func balanceOf(t *testing.T, s *memory.Store, number string) string {
	t.Helper()
	acc, err := s.GetAccount(context.Background(), number)
	require.NoError(t, err)
	return acc.Balance.String()
}

func transfer(src, dst, amount string) domain.TransferCommand {
	return domain.TransferCommand{
		SourceAccount: src,
		DestAccount:   dst,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		Concept:       "test",
	}
}

func newTestEngine(t *testing.T, st store.Store, coord lock.Coordinator) *Engine {
	t.Helper()
	return NewEngine(st, coord, WithConfig(testConfig()))
}

func TestEngine_Scenario(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "100", "B": "50"})
	e := newTestEngine(t, s, lock.NewLocalCoordinator())

	// A -> B 30 commits
	res, err := e.Execute(ctx, transfer("A", "B", "30"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, res.Transfer.Status)
	assert.False(t, res.Replayed)
	assert.NotEmpty(t, res.Transfer.ReferenceCode)
	assert.Equal(t, "70", balanceOf(t, s, "A"))
	assert.Equal(t, "80", balanceOf(t, s, "B"))

	stored, err := s.GetTransfer(ctx, res.Transfer.ReferenceCode)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, stored.Status)

	// A -> B 1000 fails with the balance seen under the lease
	res, err = e.Execute(ctx, transfer("A", "B", "1000"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	var insufficient *domain.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "70", insufficient.Available.String())

	require.NotNil(t, res)
	assert.Equal(t, domain.StatusFailed, res.Transfer.Status)
	assert.Equal(t, domain.FailureInsufficientFunds, res.Transfer.FailureCode)
	assert.NotEmpty(t, res.Transfer.FailureReason)
	assert.Equal(t, "70", balanceOf(t, s, "A"))
	assert.Equal(t, "80", balanceOf(t, s, "B"))
}

func TestEngine_DecimalExact(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "0.3", "B": "0"})
	e := newTestEngine(t, s, lock.NewLocalCoordinator())

	for i := 0; i < 3; i++ {
		_, err := e.Execute(ctx, transfer("A", "B", "0.1"))
		require.NoError(t, err)
	}
	assert.Equal(t, "0", balanceOf(t, s, "A"))
	assert.Equal(t, "0.3", balanceOf(t, s, "B"))
}

func TestEngine_SelfTransferWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "100"})
	e := newTestEngine(t, s, lock.NewLocalCoordinator())

	res, err := e.Execute(ctx, transfer("A", "A", "10"))
	require.ErrorIs(t, err, domain.ErrSameAccount)
	assert.Nil(t, res)

	history, err := s.ListTransfersByAccount(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, "100", balanceOf(t, s, "A"))
}

func TestEngine_ValidationFailuresAreRecorded(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "100", "B": "50"})
	e := newTestEngine(t, s, lock.NewLocalCoordinator())

	tests := []struct {
		name string
		cmd  domain.TransferCommand
		code domain.FailureCode
	}{
		{"unknown destination", transfer("A", "nope", "10"), domain.FailureAccountNotFound},
		{"negative amount", transfer("A", "B", "-1"), domain.FailureInvalidAmount},
		{"amount finer than four places", transfer("A", "B", "0.00005"), domain.FailureInvalidAmount},
		{"currency", domain.TransferCommand{SourceAccount: "A", DestAccount: "B", Amount: decimal.NewFromInt(1), Currency: "EUR"}, domain.FailureCurrencyMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Execute(ctx, tt.cmd)
			require.Error(t, err)
			require.NotNil(t, res)
			assert.Equal(t, domain.StatusFailed, res.Transfer.Status)
			assert.Equal(t, tt.code, res.Transfer.FailureCode)
			assert.ErrorIs(t, err, tt.code.Sentinel())
		})
	}
	assert.Equal(t, "100", balanceOf(t, s, "A"))
	assert.Equal(t, "50", balanceOf(t, s, "B"))
}

func TestEngine_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "100", "B": "50"})
	e := newTestEngine(t, s, lock.NewLocalCoordinator())

	cmd := transfer("A", "B", "30")
	cmd.ReferenceCode = "TRF-replay"

	first, err := e.Execute(ctx, cmd)
	require.NoError(t, err)

	second, err := e.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transfer.ReferenceCode, second.Transfer.ReferenceCode)
	assert.Equal(t, first.Transfer.UpdatedAt, second.Transfer.UpdatedAt)

	assert.Equal(t, "70", balanceOf(t, s, "A"))
	assert.Equal(t, "80", balanceOf(t, s, "B"))

	// A failed outcome replays with the same error class
	bad := transfer("A", "B", "1000")
	bad.ReferenceCode = "TRF-replay-failed"
	_, err = e.Execute(ctx, bad)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	res, err := e.Execute(ctx, bad)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.True(t, res.Replayed)
	assert.Equal(t, domain.StatusFailed, res.Transfer.Status)

	// The replayed error still carries the balance observed at failure
	var insufficient *domain.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "70", insufficient.Available.String())
	assert.Equal(t, "1000", insufficient.Requested.String())
	assert.Equal(t, "A", insufficient.AccountNumber)
}

func TestEngine_ReferenceReusedWithDifferentParameters(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "100", "B": "50"})
	e := newTestEngine(t, s, lock.NewLocalCoordinator())

	cmd := transfer("A", "B", "30")
	cmd.ReferenceCode = "TRF-reused"
	_, err := e.Execute(ctx, cmd)
	require.NoError(t, err)

	cmd.Amount = decimal.NewFromInt(31)
	_, err = e.Execute(ctx, cmd)
	assert.ErrorIs(t, err, domain.ErrDuplicateReference)
	assert.Equal(t, "70", balanceOf(t, s, "A"))
}

func TestEngine_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "100", "B": "50"})
	e := newTestEngine(t, s, lock.NewLocalCoordinator())

	cmd := transfer("A", "B", "10")
	cmd.ReferenceCode = "TRF-concurrent"

	var wg sync.WaitGroup
	var committed atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Execute(ctx, cmd)
			if assert.NoError(t, err) && res.Transfer.Status == domain.StatusCommitted {
				committed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), committed.Load())
	assert.Equal(t, "90", balanceOf(t, s, "A"))
	assert.Equal(t, "60", balanceOf(t, s, "B"))

	history, err := s.ListTransfersByAccount(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEngine_ConcurrentOverspend(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "100", "B": "0"})
	e := newTestEngine(t, s, lock.NewLocalCoordinator())

	const n = 25
	var wg sync.WaitGroup
	var ok, insufficient atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(ctx, transfer("A", "B", "10"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(n-10), insufficient.Load())
	assert.Equal(t, "0", balanceOf(t, s, "A"))
	assert.Equal(t, "100", balanceOf(t, s, "B"))
}

func TestEngine_OptimisticModeNeverOverspends(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "100", "B": "0"})

	cfg := testConfig()
	cfg.MaxAttempts = 50
	e := NewEngine(s, lock.NopCoordinator{}, WithConfig(cfg))

	const n = 25
	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(ctx, transfer("A", "B", "10"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrTransientConflict):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	a := decimal.RequireFromString(balanceOf(t, s, "A"))
	b := decimal.RequireFromString(balanceOf(t, s, "B"))
	assert.False(t, a.IsNegative())
	assert.True(t, a.Add(b).Equal(decimal.NewFromInt(100)), "money must be conserved")
	assert.True(t, b.Equal(decimal.NewFromInt(int64(ok.Load())*10)))
}

func TestEngine_SwappedDirectionsComplete(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "1000", "B": "1000"})
	e := newTestEngine(t, s, lock.NewLocalCoordinator())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := e.Execute(ctx, transfer("A", "B", "1"))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := e.Execute(ctx, transfer("B", "A", "1"))
			assert.NoError(t, err)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("swapped transfers did not complete")
	}

	assert.Equal(t, "1000", balanceOf(t, s, "A"))
	assert.Equal(t, "1000", balanceOf(t, s, "B"))
}

func TestEngine_CallerCancellationDoesNotStrandTransfer(t *testing.T) {
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "100", "B": "50"})
	coord := lock.NewLocalCoordinator()
	e := newTestEngine(t, s, coord)

	// Hold the pair so the transfer has to wait
	held, err := coord.Acquire(context.Background(), "A", "B")
	require.NoError(t, err)

	cmd := transfer("A", "B", "30")
	cmd.ReferenceCode = "TRF-abandoned"

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Execute(ctx, cmd)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held.Release(context.Background()))

	require.Eventually(t, func() bool {
		rec, err := s.GetTransfer(context.Background(), "TRF-abandoned")
		return err == nil && rec.Status == domain.StatusCommitted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "70", balanceOf(t, s, "A"))
}

// flakyCoordinator refuses leases while down is set.
type flakyCoordinator struct {
	lock.Coordinator
	down atomic.Bool
}

func (c *flakyCoordinator) Acquire(ctx context.Context, a, b string) (lock.Lease, error) {
	if c.down.Load() {
		return nil, fmt.Errorf("%w: backend down", lock.ErrLeaseUnavailable)
	}
	return c.Coordinator.Acquire(ctx, a, b)
}

func TestEngine_TransientConflictLeavesRecordResumable(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "100", "B": "50"})
	coord := &flakyCoordinator{Coordinator: lock.NewLocalCoordinator()}
	coord.down.Store(true)
	e := newTestEngine(t, s, coord)

	cmd := transfer("A", "B", "30")
	cmd.ReferenceCode = "TRF-transient"

	res, err := e.Execute(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrTransientConflict)
	require.ErrorIs(t, err, lock.ErrLeaseUnavailable)

	var conflict *domain.TransientConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 5, conflict.Attempts)
	assert.Equal(t, domain.StatusInitiated, res.Transfer.Status)
	assert.Equal(t, "100", balanceOf(t, s, "A"))

	// Same reference code, backend is back
	coord.down.Store(false)
	res, err = e.Execute(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, res.Transfer.Status)
	assert.False(t, res.Replayed)
	assert.Equal(t, "70", balanceOf(t, s, "A"))
}

// failingCommitStore fails CommitTransfer while broken is set.
type failingCommitStore struct {
	*memory.Store
	broken atomic.Bool
}

func (s *failingCommitStore) CommitTransfer(ctx context.Context, c store.Commit) (*domain.Transfer, error) {
	if s.broken.Load() {
		return nil, fmt.Errorf("%w: disk full", domain.ErrStoreUnavailable)
	}
	return s.Store.CommitTransfer(ctx, c)
}

func TestEngine_StoreFailureDuringCommit(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	seedAccounts(t, mem, map[string]string{"A": "100", "B": "50"})
	s := &failingCommitStore{Store: mem}
	s.broken.Store(true)
	e := newTestEngine(t, s, lock.NewLocalCoordinator())

	cmd := transfer("A", "B", "30")
	cmd.ReferenceCode = "TRF-store-down"

	res, err := e.Execute(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, domain.StatusValidated, res.Transfer.Status)
	assert.Equal(t, "100", balanceOf(t, mem, "A"))

	s.broken.Store(false)
	res, err = e.Resume(ctx, "TRF-store-down")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCommitted, res.Transfer.Status)
	assert.Equal(t, "70", balanceOf(t, mem, "A"))
	assert.Equal(t, "80", balanceOf(t, mem, "B"))
}

func TestEngine_EventsPublishedOncePerOutcome(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "100", "B": "50"})
	e := newTestEngine(t, s, lock.NewLocalCoordinator())

	var mu sync.Mutex
	var events []domain.Event
	e.RegisterEventHandler(func(_ context.Context, ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	ok := transfer("A", "B", "30")
	ok.ReferenceCode = "TRF-ev-1"
	bad := transfer("A", "B", "500")
	bad.ReferenceCode = "TRF-ev-2"

	_, err := e.Execute(ctx, ok)
	require.NoError(t, err)
	_, _ = e.Execute(ctx, bad)
	_, _ = e.Execute(ctx, ok)
	_, _ = e.Execute(ctx, bad)

	require.Len(t, events, 2)
	committed, isCommitted := events[0].(domain.TransferCommitted)
	require.True(t, isCommitted)
	assert.Equal(t, "TRF-ev-1", committed.ReferenceCode)

	failed, isFailed := events[1].(domain.TransferFailed)
	require.True(t, isFailed)
	assert.Equal(t, domain.FailureInsufficientFunds, failed.Code)
}

func TestEngine_GeneratesReferenceCode(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedAccounts(t, s, map[string]string{"A": "100", "B": "50"})
	e := NewEngine(s, lock.NewLocalCoordinator(),
		WithConfig(testConfig()),
		WithReferenceGenerator(func() string { return "TRF-fixed" }))

	res, err := e.Execute(ctx, transfer("A", "B", "1"))
	require.NoError(t, err)
	assert.Equal(t, "TRF-fixed", res.Transfer.ReferenceCode)

	assert.Regexp(t, `^TRF-[0-9a-f-]{36}$`, NewReferenceCode())
}
