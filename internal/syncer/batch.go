// internal/syncer/batch.go
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"repo-pulse/internal/database"
	"repo-pulse/internal/lock"
	"repo-pulse/internal/metrics"
)

// Batch periodically syncs every stored connection. Replicas coordinate
// through a distributed lock so only one of them runs a pass at a time.
type Batch struct {
	lock    *lock.Distributed
	store   database.Querier
	runner  *Runner
	metrics *metrics.Sync
	logger  *slog.Logger
}

func NewBatch(l *lock.Distributed, store database.Querier, runner *Runner, m *metrics.Sync, logger *slog.Logger) *Batch {
	return &Batch{lock: l, store: store, runner: runner, metrics: m, logger: logger}
}

// Start runs a pass immediately and then on every tick until ctx is done.
func (b *Batch) Start(ctx context.Context, interval time.Duration) {
	b.logger.Info("Starting batch sync", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.runCycle(ctx)

	for {
		select {
		case <-ticker.C:
			b.runCycle(ctx)
		case <-ctx.Done():
			b.logger.Info("Batch sync shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (b *Batch) runCycle(ctx context.Context) {
	if _, err := b.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Batch sync pass failed", "error", err)
	}
}

// RunOnce syncs all connections sequentially if the distributed lock can be
// taken. It reports whether a pass ran.
func (b *Batch) RunOnce(ctx context.Context) (bool, error) {
	token, ok, err := b.lock.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		b.metrics.LockSkipped("batch")
		b.logger.Warn("Batch sync lock unavailable, skipping pass", "error", err)
		return false, nil
	}
	if !ok {
		b.metrics.LockSkipped("batch")
		b.logger.Info("Batch sync lock held elsewhere, skipping pass")
		return false, nil
	}
	defer func() {
		if err := b.lock.Release(context.WithoutCancel(ctx), token); err != nil {
			b.logger.Error("Failed to release batch sync lock", "error", err)
		}
	}()

	start := time.Now()
	conns, err := b.store.ListConnections(ctx)
	if err != nil {
		b.metrics.RunFinished("batch", "error", time.Since(start))
		return true, err
	}

	b.logger.Info("Starting batch sync pass", "connections", len(conns))
	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		status, err := b.runner.SyncConnection(ctx, conn.ID)
		if err != nil {
			b.logger.Error("Connection sync failed", "connection_id", conn.ID, "status", status, "error", err)
		}
	}
	b.metrics.RunFinished("batch", "ok", time.Since(start))
	b.logger.Info("Batch sync pass finished", "connections", len(conns), "duration", time.Since(start).String())
	return true, nil
}

// SourceRun syncs the Source API once, reporting through state.
func SourceRun(ctx context.Context, driver *Driver, state *State) error {
	state.Start("initial-sync")
	driver.WithState(state)
	_, err := driver.Run(ctx)
	state.Complete(err)
	return err
}
