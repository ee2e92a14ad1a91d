// cmd/service/app.go
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"repo-pulse/internal/config"
	"repo-pulse/internal/database"
	"repo-pulse/internal/github"
	"repo-pulse/internal/lock"
	"repo-pulse/internal/metrics"
	"repo-pulse/internal/model"
	"repo-pulse/internal/scm"
	"repo-pulse/internal/secrets"
	"repo-pulse/internal/source"
	"repo-pulse/internal/syncer"
)

// app holds the shared resources of every command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	store    *database.Store
	registry *prometheus.Registry
	metrics  *metrics.Sync
	rdb      *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("Database connection established")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		store:    database.NewStore(pool),
		registry: registry,
		metrics:  metrics.NewSync(registry),
	}, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", "error", err)
		}
	}
	a.pool.Close()
}

func (a *app) box() (*secrets.Box, error) {
	return secrets.NewBox(a.cfg.TokenEncKey)
}

// runner builds the per-connection GitHub sync runner. It fails when no
// token key is configured.
func (a *app) runner() (*syncer.Runner, error) {
	box, err := a.box()
	if err != nil {
		return nil, err
	}
	factory := func(conn model.Connection, token string) (scm.Provider, error) {
		return github.NewClient(token, a.logger, githubOptions(a.cfg))
	}
	return syncer.NewRunner(a.store, a.store, lock.NewRegistry(), box, factory, a.metrics, a.logger, syncOptions(a.cfg)), nil
}

func (a *app) batch(ctx context.Context, runner *syncer.Runner) (*syncer.Batch, error) {
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	a.rdb = redis.NewClient(opts)
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	l := lock.NewDistributed(a.rdb, lock.BatchSyncKey, a.cfg.SyncLockTTL)
	return syncer.NewBatch(l, a.store, runner, a.metrics, a.logger), nil
}

func (a *app) sourceDriver() (*syncer.Driver, error) {
	client, err := source.NewClient(source.Config{
		BaseURL:  a.cfg.SourceAPIURL,
		Username: a.cfg.SourceAPIUsername,
		Password: a.cfg.SourceAPIPassword,
		PageSize: a.cfg.SourcePageSize,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	opts := syncOptions(a.cfg)
	opts.PageSize = a.cfg.SourcePageSize
	return syncer.NewDriver(client, a.store, a.metrics, a.logger, opts), nil
}

func githubOptions(cfg *config.Config) github.Options {
	return github.Options{
		IncludeForks:     cfg.GithubIncludeForks,
		MaxReposPerOwner: cfg.GithubMaxReposPerOwner,
		Affiliation:      cfg.GithubUserRepoAffiliation,
		BaseURL:          cfg.GithubAPIURL,
	}
}

func syncOptions(cfg *config.Config) syncer.Options {
	opts := syncer.DefaultOptions()
	opts.CommitWindow = cfg.CommitWindow()
	opts.ResyncOverlap = cfg.ResyncOverlap()
	opts.MaxCommitPages = cfg.GithubMaxCommitPages
	opts.FlushEvery = cfg.GithubFlushEveryCommits
	return opts
}
