package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Auditor proactively scans every scope for precision exhaustion and
// rebalances scopes whose smallest adjacent gap has fallen below the
// epsilon threshold. It complements the reconciler's reactive rebalancing:
// a scope can degrade through writes that each individually succeed.
type Auditor struct {
	store      Store
	reconciler *Reconciler
	logger     *slog.Logger

	epsilon float64

	// interval holds the scan period in nanoseconds so the config watcher
	// can adjust it without tearing down the loop.
	interval atomic.Int64
}

// NewAuditor creates an Auditor scanning at the given interval.
func NewAuditor(
	store Store, reconciler *Reconciler, epsilon float64,
	interval time.Duration, logger *slog.Logger,
) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Auditor{
		store:      store,
		reconciler: reconciler,
		logger:     logger,
		epsilon:    epsilon,
	}
	a.interval.Store(int64(interval))

	return a
}

// SetInterval adjusts the scan period. Takes effect after the current tick.
func (a *Auditor) SetInterval(interval time.Duration) {
	a.logger.Info("audit interval changed", "interval", interval.String())
	a.interval.Store(int64(interval))
}

// Run scans periodically until the context is cancelled. Scan failures are
// logged and the loop continues; only context cancellation ends it.
func (a *Auditor) Run(ctx context.Context) error {
	a.logger.Info("scope auditor started",
		"interval", time.Duration(a.interval.Load()).String())

	timer := time.NewTimer(time.Duration(a.interval.Load()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("scope auditor stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("audit scan failed", "error", err)
			}

			timer.Reset(time.Duration(a.interval.Load()))
		}
	}
}

// RunOnce performs a single full scan, rebalancing every degraded scope.
// Returns the first hard error; individual scope failures are logged and
// the scan moves on.
func (a *Auditor) RunOnce(ctx context.Context) error {
	scopes, err := a.store.ListScopes(ctx)
	if err != nil {
		return fmt.Errorf("audit scan: %w", err)
	}

	degraded := 0

	for _, info := range scopes {
		if info.ItemCount < 2 || info.MinGap >= a.epsilon {
			continue
		}

		degraded++

		a.logger.Warn("scope precision degraded, rebalancing",
			"scope", info.Scope.String(),
			"min_gap", info.MinGap,
			"items", info.ItemCount,
		)

		if _, err := a.reconciler.Rebalance(ctx, info.Scope); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			a.logger.Error("audit rebalance failed",
				"scope", info.Scope.String(), "error", err)
		}
	}

	a.logger.Debug("audit scan complete",
		"scopes", len(scopes), "degraded", degraded)

	return nil
}
