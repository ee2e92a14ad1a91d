// internal/syncer/runner.go
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"repo-pulse/internal/database"
	"repo-pulse/internal/lock"
	"repo-pulse/internal/metrics"
	"repo-pulse/internal/model"
	"repo-pulse/internal/scm"
)

const (
	ProviderGitHub = "github"

	maxErrorLength = 2000
)

// TokenDecrypter opens a stored access token.
type TokenDecrypter interface {
	Decrypt(token string) (string, error)
}

// ProviderFactory builds the provider for a connection from its plaintext token.
type ProviderFactory func(conn model.Connection, token string) (scm.Provider, error)

// Runner syncs single connections. At most one sync per connection runs in
// this process; overlapping requests are answered with already_running.
type Runner struct {
	store   database.Querier
	db      database.Beginner
	locks   *lock.Registry
	secrets TokenDecrypter
	factory ProviderFactory
	metrics *metrics.Sync
	logger  *slog.Logger
	opts    Options
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. store is used for status writes, which are
// durable on their own; db opens the units of work for the sync itself.
func NewRunner(store database.Querier, db database.Beginner, locks *lock.Registry, secrets TokenDecrypter, factory ProviderFactory, m *metrics.Sync, logger *slog.Logger, opts Options) *Runner {
	return &Runner{
		store:   store,
		db:      db,
		locks:   locks,
		secrets: secrets,
		factory: factory,
		metrics: m,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// SyncConnection runs a sync of connection id and returns its final status.
// The returned error is the sync failure, if any; it is also recorded on the
// connection.
func (r *Runner) SyncConnection(ctx context.Context, id uuid.UUID) (model.SyncStatus, error) {
	release, ok := r.locks.TryAcquire(id)
	if !ok {
		r.metrics.LockSkipped("connection")
		r.logger.Info("Sync already running, skipping", "connection_id", id)
		return model.StatusAlreadyRunning, nil
	}
	defer release()

	if _, err := r.store.GetConnection(ctx, id); err != nil {
		return "", err
	}
	return r.run(ctx, id)
}

// Enqueue starts a sync of connection id in the background and returns
// immediately. ctx bounds the background run.
func (r *Runner) Enqueue(ctx context.Context, id uuid.UUID) (model.SyncStatus, error) {
	release, ok := r.locks.TryAcquire(id)
	if !ok {
		r.metrics.LockSkipped("connection")
		return model.StatusAlreadyRunning, nil
	}

	if _, err := r.store.GetConnection(ctx, id); err != nil {
		release()
		return "", err
	}
	if err := r.setStatus(ctx, id, model.StatusQueued, ""); err != nil {
		release()
		return "", err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer release()
		if _, err := r.run(ctx, id); err != nil {
			r.logger.Error("Background sync failed", "connection_id", id, "error", err)
		}
	}()
	return model.StatusQueued, nil
}

// Wait blocks until background syncs started by Enqueue have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// run must be called with the connection lock held.
func (r *Runner) run(ctx context.Context, id uuid.UUID) (model.SyncStatus, error) {
	logger := r.logger.With("connection_id", id)
	start := r.now()

	conn, err := r.store.GetConnection(ctx, id)
	if err != nil {
		return "", err
	}
	if err := r.setStatus(ctx, id, model.StatusRunning, ""); err != nil {
		return "", err
	}
	logger.Info("Connection sync started", "provider", conn.Provider)

	status, syncErr := r.sync(ctx, conn, logger)

	msg := ""
	switch {
	case syncErr != nil:
		msg = truncate(syncErr.Error(), maxErrorLength)
	case status == model.StatusSkipped:
		msg = "Unsupported provider: " + conn.Provider
	}
	// The final status is written even when ctx was cancelled mid-sync.
	if err := r.setStatus(context.WithoutCancel(ctx), id, status, msg); err != nil {
		logger.Error("Failed to record sync status", "status", status, "error", err)
	}

	elapsed := r.now().Sub(start)
	r.metrics.RunFinished("connection", string(status), elapsed)
	if syncErr != nil {
		logger.Error("Connection sync failed", "error", syncErr, "duration", elapsed.String())
	} else {
		logger.Info("Connection sync finished", "status", status, "duration", elapsed.String())
	}
	return status, syncErr
}

func (r *Runner) sync(ctx context.Context, conn model.Connection, logger *slog.Logger) (model.SyncStatus, error) {
	if conn.Provider != ProviderGitHub {
		return model.StatusSkipped, nil
	}

	token, err := r.secrets.Decrypt(conn.AccessTokenEnc)
	if err != nil {
		return model.StatusError, err
	}
	provider, err := r.factory(conn, token)
	if err != nil {
		return model.StatusError, fmt.Errorf("failed to create provider: %w", err)
	}

	opts := r.opts
	connID := conn.ID
	opts.ConnectionID = &connID
	if _, err := NewDriver(provider, r.db, r.metrics, logger, opts).Run(ctx); err != nil {
		return model.StatusError, err
	}
	return model.StatusOK, nil
}

func (r *Runner) setStatus(ctx context.Context, id uuid.UUID, status model.SyncStatus, msg string) error {
	return r.store.UpdateConnectionSyncStatus(ctx, database.UpdateConnectionSyncStatusParams{
		ID:     id,
		Status: status,
		At:     r.now().UTC(),
		Error:  msg,
	})
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
