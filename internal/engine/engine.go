// Package engine drives transfers through their state machine:
//
//	INITIATED -> VALIDATED -> COMMITTED
//	INITIATED | VALIDATED -> FAILED
//
// Each attempt holds a lease over both accounts from validation through
// commit. The commit itself is conditioned on the account versions read under
// that lease, so it is also safe with a NopCoordinator (optimistic mode), where
// version conflicts are retried with bounded exponential backoff.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/nathanyu/funds-transfer/internal/lock"
	"github.com/nathanyu/funds-transfer/internal/store"
	"github.com/nathanyu/funds-transfer/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Config bounds how long and how often a transfer is attempted.
type Config struct {
	// MaxAttempts caps validate-then-commit attempts per Execute call.
	MaxAttempts int
	// RetryBaseDelay is the first backoff interval after a conflict.
	RetryBaseDelay time.Duration
	// LockTimeout bounds the wait for one lease.
	LockTimeout time.Duration
	// CommitTimeout bounds the whole drive of one transfer, independent of the caller.
	CommitTimeout time.Duration
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		RetryBaseDelay: 10 * time.Millisecond,
		LockTimeout:    5 * time.Second,
		CommitTimeout:  30 * time.Second,
	}
}

// EventHandler receives the event for every terminal transition this engine makes.
type EventHandler func(ctx context.Context, event domain.Event)

// Result is the outcome of Execute, Resume or Expire.
type Result struct {
	Transfer *domain.Transfer
	// Replayed is set when the record was already terminal and nothing was executed.
	Replayed bool
}

// errSettled marks a record that reached a terminal state through another actor.
var errSettled = errors.New("transfer settled concurrently")

// Engine is the transfer orchestrator.
type Engine struct {
	store     store.Store
	coord     lock.Coordinator
	validator *Validator
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	newRef    func() string

	inflight      singleflight.Group
	eventHandlers []EventHandler
	mu            sync.RWMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the clock used for new records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithReferenceGenerator overrides how missing reference codes are generated.
func WithReferenceGenerator(gen func() string) Option {
	return func(e *Engine) { e.newRef = gen }
}

// NewEngine creates a transfer engine over st, serialising account access through coord.
func NewEngine(st store.Store, coord lock.Coordinator, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		coord:     coord,
		validator: NewValidator(st),
		cfg:       DefaultConfig(),
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		newRef:    NewReferenceCode,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxAttempts < 1 {
		e.cfg.MaxAttempts = 1
	}
	return e
}

// NewReferenceCode returns a fresh, time-ordered reference code.
func NewReferenceCode() string {
	return "TRF-" + uuid.Must(uuid.NewV7()).String()
}

// RegisterEventHandler registers a handler to receive events
func (e *Engine) RegisterEventHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eventHandlers = append(e.eventHandlers, handler)
}

// Execute submits a transfer and drives it to a terminal state.
//
// A FAILED outcome returns both the record and the validation error. A
// reference code whose record is already terminal returns that record
// unchanged with Replayed set. When the retry budget runs out the error is a
// *domain.TransientConflictError and the caller may resubmit the same code.
//
// If ctx ends first Execute returns ctx.Err(), but the transfer keeps running
// until it is terminal or CommitTimeout expires.
func (e *Engine) Execute(ctx context.Context, cmd domain.TransferCommand) (*Result, error) {
	if cmd.SourceAccount == cmd.DestAccount {
		telemetry.TransfersTotal.WithLabelValues(outcomeLabel(domain.FailureSameAccount)).Inc()
		return nil, fmt.Errorf("%w: %s", domain.ErrSameAccount, cmd.SourceAccount)
	}
	if cmd.ReferenceCode == "" {
		cmd.ReferenceCode = e.newRef()
	}

	res, err := e.single(ctx, cmd.ReferenceCode, func(ctx context.Context) (*Result, error) {
		return e.execute(ctx, cmd)
	})
	// Concurrent duplicates share one flight; only identical requests may share its result
	if res != nil && res.Transfer != nil && !sameRequest(res.Transfer.Command(), cmd) {
		return nil, fmt.Errorf("%w: %s was submitted with different parameters", domain.ErrDuplicateReference, cmd.ReferenceCode)
	}
	return res, err
}

// Resume drives an existing non-terminal transfer. Terminal records are
// returned as they are.
func (e *Engine) Resume(ctx context.Context, referenceCode string) (*Result, error) {
	ctx = telemetry.WithReferenceCode(ctx, referenceCode)
	return e.single(ctx, referenceCode, func(ctx context.Context) (*Result, error) {
		rec, err := e.store.GetTransfer(ctx, referenceCode)
		if err != nil {
			return nil, storeError(err)
		}
		if rec.Status.IsTerminal() {
			return &Result{Transfer: rec, Replayed: true}, rec.Err()
		}
		return e.drive(ctx, rec)
	})
}

// Expire fails a non-terminal transfer with a timeout reason. A record that
// is already terminal is returned unchanged.
func (e *Engine) Expire(ctx context.Context, referenceCode, reason string) (*Result, error) {
	return e.single(ctx, referenceCode, func(ctx context.Context) (*Result, error) {
		failed, err := e.store.TransitionTransfer(ctx, referenceCode, domain.StatusFailed, domain.TransitionDetails{
			FailureCode:   domain.FailureTimeout,
			FailureReason: reason,
		})
		if errors.Is(err, domain.ErrInvalidTransition) {
			rec, gerr := e.store.GetTransfer(ctx, referenceCode)
			if gerr != nil {
				return nil, storeError(gerr)
			}
			return &Result{Transfer: rec, Replayed: true}, rec.Err()
		}
		if err != nil {
			return nil, storeError(err)
		}

		e.logger.WarnContext(ctx, "transfer expired",
			"reference_code", referenceCode,
			"reason", reason)
		e.settle(ctx, failed, time.Time{})
		return &Result{Transfer: failed}, failed.Err()
	})
}

// single runs fn at most once at a time per reference code. fn runs detached
// from ctx cancellation and bounded by CommitTimeout; the caller stops waiting
// when ctx ends.
func (e *Engine) single(ctx context.Context, referenceCode string, fn func(context.Context) (*Result, error)) (*Result, error) {
	ch := e.inflight.DoChan(referenceCode, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CommitTimeout)
		defer cancel()
		return fn(runCtx)
	})

	select {
	case r := <-ch:
		res, _ := r.Val.(*Result)
		if res != nil {
			cp := *res
			if res.Transfer != nil {
				t := *res.Transfer
				cp.Transfer = &t
			}
			res = &cp
		}
		return res, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) execute(ctx context.Context, cmd domain.TransferCommand) (*Result, error) {
	ctx = telemetry.WithReferenceCode(ctx, cmd.ReferenceCode)
	ctx, span := telemetry.Tracer.Start(ctx, "engine.Execute",
		trace.WithAttributes(
			attribute.String("transfer.reference_code", cmd.ReferenceCode),
			attribute.String("transfer.source_account", cmd.SourceAccount),
			attribute.String("transfer.dest_account", cmd.DestAccount),
			attribute.String("transfer.amount", cmd.Amount.String()),
		))
	defer span.End()

	existing, err := e.store.GetTransfer(ctx, cmd.ReferenceCode)
	switch {
	case err == nil:
		return e.handleExisting(ctx, existing, cmd)
	case !errors.Is(err, domain.ErrTransferNotFound):
		telemetry.RecordError(span, err)
		return nil, storeError(err)
	}

	rec := domain.NewTransfer(cmd, e.now())
	if err := e.store.CreateTransfer(ctx, rec); err != nil {
		if !errors.Is(err, domain.ErrDuplicateReference) {
			telemetry.RecordError(span, err)
			return nil, storeError(err)
		}
		// Lost a creation race to another process
		existing, gerr := e.store.GetTransfer(ctx, cmd.ReferenceCode)
		if gerr != nil {
			return nil, storeError(gerr)
		}
		return e.handleExisting(ctx, existing, cmd)
	}

	e.logger.DebugContext(ctx, "transfer initiated",
		"reference_code", rec.ReferenceCode,
		"source_account", rec.SourceAccount,
		"dest_account", rec.DestAccount,
		"amount", rec.Amount.String())

	res, err := e.drive(ctx, rec)
	telemetry.RecordError(span, err)
	return res, err
}

// handleExisting handles a submission whose reference code is already recorded.
func (e *Engine) handleExisting(ctx context.Context, rec *domain.Transfer, cmd domain.TransferCommand) (*Result, error) {
	if !sameRequest(rec.Command(), cmd) {
		return nil, fmt.Errorf("%w: %s was submitted with different parameters", domain.ErrDuplicateReference, cmd.ReferenceCode)
	}
	if rec.Status.IsTerminal() {
		telemetry.DuplicateTransfersTotal.Inc()
		telemetry.TransfersTotal.WithLabelValues("replayed").Inc()
		e.logger.InfoContext(ctx, "replaying transfer outcome",
			"reference_code", rec.ReferenceCode,
			"status", rec.Status)
		return &Result{Transfer: rec, Replayed: true}, rec.Err()
	}
	return e.drive(ctx, rec)
}

// drive runs attempts until the record is terminal, the error is not
// retryable, or the budget is spent.
func (e *Engine) drive(ctx context.Context, rec *domain.Transfer) (*Result, error) {
	start := time.Now()
	current := rec
	attempts := 0

	op := func() error {
		attempts++
		next, err := e.attempt(ctx, current)
		if next != nil {
			current = next
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrVersionConflict):
			telemetry.RetryableConflictsTotal.WithLabelValues("version").Inc()
			return err
		case errors.Is(err, lock.ErrLeaseUnavailable):
			telemetry.RetryableConflictsTotal.WithLabelValues("lease").Inc()
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBaseDelay
	b.MaxInterval = 50 * e.cfg.RetryBaseDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.MaxAttempts-1)), ctx)

	err := backoff.Retry(op, policy)
	res := &Result{Transfer: current}

	switch {
	case errors.Is(err, errSettled):
		return res, current.Err()

	case current.Status.IsTerminal():
		e.settle(ctx, current, start)
		return res, err

	case err == nil:
		// Unreachable: a nil attempt error always carries a committed record
		return res, nil

	case errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, lock.ErrLeaseUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		telemetry.TransfersTotal.WithLabelValues("conflict").Inc()
		e.logger.WarnContext(ctx, "transfer left pending after retries",
			"reference_code", current.ReferenceCode,
			"status", current.Status,
			"attempts", attempts,
			"error", err)
		return res, &domain.TransientConflictError{
			ReferenceCode: current.ReferenceCode,
			Attempts:      attempts,
			Err:           err,
		}

	default:
		telemetry.TransfersTotal.WithLabelValues("unavailable").Inc()
		e.logger.ErrorContext(ctx, "transfer left pending",
			"reference_code", current.ReferenceCode,
			"status", current.Status,
			"error", err)
		return res, storeError(err)
	}
}

// attempt performs one lease-validate-commit cycle. It returns the latest
// record it knows of (nil if unchanged) and the attempt error.
func (e *Engine) attempt(ctx context.Context, rec *domain.Transfer) (*domain.Transfer, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "engine.attempt")
	defer span.End()

	// Acquire lease
	waitStart := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
	lease, err := e.coord.Acquire(lockCtx, rec.SourceAccount, rec.DestAccount)
	cancel()
	telemetry.LeaseWaitDuration.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.WarnContext(ctx, "failed to release lease",
				"reference_code", rec.ReferenceCode,
				"error", err)
		}
	}()

	// Validate under the lease
	src, dst, verr := e.validator.Validate(ctx, rec.Command())
	if verr != nil {
		code, ok := domain.FailureCodeOf(verr)
		if !ok {
			return nil, verr
		}
		details := domain.TransitionDetails{
			FailureCode:   code,
			FailureReason: verr.Error(),
		}
		var insufficient *domain.InsufficientFundsError
		if errors.As(verr, &insufficient) {
			available := insufficient.Available
			details.AvailableBalance = &available
		}
		failed, err := e.store.TransitionTransfer(ctx, rec.ReferenceCode, domain.StatusFailed, details)
		if err != nil {
			return e.reconcile(ctx, rec.ReferenceCode, err)
		}
		span.SetAttributes(attribute.String("transfer.failure_code", string(code)))
		return failed, verr
	}

	if rec.Status == domain.StatusInitiated {
		validated, err := e.store.TransitionTransfer(ctx, rec.ReferenceCode, domain.StatusValidated, domain.TransitionDetails{})
		if err != nil {
			return e.reconcile(ctx, rec.ReferenceCode, err)
		}
		rec = validated
	}

	// Debit, credit and COMMITTED in one unit
	committed, err := e.store.CommitTransfer(ctx, store.Commit{
		ReferenceCode: rec.ReferenceCode,
		Debit: store.BalanceChange{
			AccountNumber:   src.AccountNumber,
			ExpectedVersion: src.Version,
			NewBalance:      src.Balance.Sub(rec.Amount),
		},
		Credit: store.BalanceChange{
			AccountNumber:   dst.AccountNumber,
			ExpectedVersion: dst.Version,
			NewBalance:      dst.Balance.Add(rec.Amount),
		},
	})
	if errors.Is(err, domain.ErrVersionConflict) {
		return rec, err
	}
	if err != nil {
		telemetry.RecordError(span, err)
		next, rerr := e.reconcile(ctx, rec.ReferenceCode, err)
		if next == nil {
			next = rec
		}
		return next, rerr
	}
	return committed, nil
}

// reconcile reloads a record after a transition was refused.
func (e *Engine) reconcile(ctx context.Context, referenceCode string, cause error) (*domain.Transfer, error) {
	if !errors.Is(cause, domain.ErrInvalidTransition) {
		return nil, cause
	}
	rec, err := e.store.GetTransfer(ctx, referenceCode)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return rec, errSettled
	}
	// Another actor moved it along; try again from its current state
	return rec, fmt.Errorf("%w: %v", domain.ErrVersionConflict, cause)
}

// settle records metrics and publishes the event for a terminal transition
// made by this engine.
func (e *Engine) settle(ctx context.Context, t *domain.Transfer, start time.Time) {
	outcome := "committed"
	if t.Status == domain.StatusFailed {
		outcome = outcomeLabel(t.FailureCode)
	}
	telemetry.TransfersTotal.WithLabelValues(outcome).Inc()
	telemetry.TransferAmount.WithLabelValues(outcome).Observe(t.Amount.InexactFloat64())
	if !start.IsZero() {
		telemetry.TransferProcessingDuration.Observe(time.Since(start).Seconds())
	}

	e.logger.InfoContext(ctx, "transfer settled",
		"reference_code", t.ReferenceCode,
		"source_account", t.SourceAccount,
		"dest_account", t.DestAccount,
		"amount", t.Amount.String(),
		"status", t.Status,
		"failure_code", t.FailureCode)

	event := domain.EventFor(t)
	if event == nil {
		return
	}
	e.mu.RLock()
	handlers := e.eventHandlers
	e.mu.RUnlock()
	for _, handler := range handlers {
		handler(ctx, event)
	}
}

func outcomeLabel(code domain.FailureCode) string {
	return strings.ToLower(string(code))
}

// sameRequest reports whether two commands describe the same transfer.
func sameRequest(a, b domain.TransferCommand) bool {
	return a.SourceAccount == b.SourceAccount &&
		a.DestAccount == b.DestAccount &&
		a.Amount.Equal(b.Amount) &&
		a.Currency == b.Currency &&
		a.Concept == b.Concept
}

func storeError(err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) || errors.Is(err, domain.ErrTransferNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
