package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/nathanyu/funds-transfer/internal/store"
	"github.com/nathanyu/funds-transfer/internal/telemetry"
)

// RecoveryConfig controls the recovery pass.
type RecoveryConfig struct {
	// Interval between passes after the startup pass.
	Interval time.Duration
	// StaleAfter is how long a record must sit untouched before it is resumed.
	StaleAfter time.Duration
	// MaxAge is the age after which a non-terminal record is failed with a timeout.
	MaxAge time.Duration
}

// DefaultRecoveryConfig returns the defaults used by the server.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Interval:   30 * time.Second,
		StaleAfter: time.Minute,
		MaxAge:     15 * time.Minute,
	}
}

// RecoveryReport counts what one pass did.
type RecoveryReport struct {
	Scanned   int
	Committed int
	Failed    int
	Expired   int
	Pending   int
}

// Recoverer finds transfers stuck in INITIATED or VALIDATED and drives them
// to a terminal state.
type Recoverer struct {
	engine    *Engine
	transfers store.TransferStore
	cfg       RecoveryConfig
	logger    *slog.Logger
	now       func() time.Time

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRecoverer creates a recoverer resuming work through e.
func NewRecoverer(e *Engine, transfers store.TransferStore, cfg RecoveryConfig, logger *slog.Logger) *Recoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{
		engine:    e,
		transfers: transfers,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs a single pass over non-terminal records.
func (r *Recoverer) RunOnce(ctx context.Context) (RecoveryReport, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "engine.Recover")
	defer span.End()

	var report RecoveryReport
	now := r.now()

	for _, status := range []domain.TransferStatus{domain.StatusInitiated, domain.StatusValidated} {
		pending, err := r.transfers.ListTransfersByStatus(ctx, status)
		if err != nil {
			telemetry.RecordError(span, err)
			return report, fmt.Errorf("failed to list %s transfers: %w", status, err)
		}

		for _, t := range pending {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if now.Sub(t.UpdatedAt) < r.cfg.StaleAfter {
				continue
			}
			report.Scanned++

			var (
				res    *Result
				err    error
				result string
			)
			if r.cfg.MaxAge > 0 && now.Sub(t.CreatedAt) >= r.cfg.MaxAge {
				res, err = r.engine.Expire(ctx, t.ReferenceCode, fmt.Sprintf("not completed within %s", r.cfg.MaxAge))
				result = "expired"
			} else {
				res, err = r.engine.Resume(ctx, t.ReferenceCode)
			}

			switch {
			case res != nil && res.Transfer.Status == domain.StatusCommitted:
				result = "committed"
				report.Committed++
			case res != nil && res.Transfer.Status == domain.StatusFailed && result == "expired" && !res.Replayed:
				report.Expired++
			case res != nil && res.Transfer.Status == domain.StatusFailed:
				result = "failed"
				report.Failed++
			default:
				result = "pending"
				report.Pending++
				if err != nil && !errors.Is(err, domain.ErrTransientConflict) {
					r.logger.WarnContext(ctx, "recovery could not resolve transfer",
						"reference_code", t.ReferenceCode,
						"status", t.Status,
						"error", err)
				}
			}
			telemetry.RecoveredTransfersTotal.WithLabelValues(result).Inc()
		}
	}

	if report.Scanned > 0 {
		r.logger.InfoContext(ctx, "recovery pass finished",
			"scanned", report.Scanned,
			"committed", report.Committed,
			"failed", report.Failed,
			"expired", report.Expired,
			"pending", report.Pending)
	}
	return report, nil
}

// Start runs a pass immediately and then every Interval until Stop.
func (r *Recoverer) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("startup recovery pass failed", "error", err)
		}

		if r.cfg.Interval <= 0 {
			return
		}
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("recovery pass failed", "error", err)
				}
			}
		}
	}()

	r.logger.Info("recovery started",
		"interval", r.cfg.Interval,
		"stale_after", r.cfg.StaleAfter,
		"max_age", r.cfg.MaxAge)
}

// Stop cancels the loop and waits for an in-progress pass to return.
func (r *Recoverer) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}
