// cmd/service/commands.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"repo-pulse/internal/api"
	"repo-pulse/internal/database"
	"repo-pulse/internal/github"
	"repo-pulse/internal/syncer"
)

var (
	connectionToken string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sync schedulers",
		RunE:  runServe,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := database.Migrate(cfg.DBURL); err != nil {
				return fmt.Errorf("failed to run database migrations: %w", err)
			}
			logger.Info("Database migrations applied successfully")
			return nil
		},
	}
	syncConnectionCmd = &cobra.Command{
		Use:   "sync-connection [connection-id]",
		Short: "Sync one stored GitHub connection and exit",
		Args:  cobra.ExactArgs(1),
		RunE:  runSyncConnection,
	}
	syncSourceCmd = &cobra.Command{
		Use:   "sync-source",
		Short: "Sync everything visible through the Source API once and exit",
		RunE:  runSyncSource,
	}
	addConnectionCmd = &cobra.Command{
		Use:   "add-connection",
		Short: "Store an encrypted GitHub access token as a new connection",
		RunE:  runAddConnection,
	}
)

func init() {
	addConnectionCmd.Flags().StringVar(&connectionToken, "token", "", "GitHub personal access token")
	_ = addConnectionCmd.MarkFlagRequired("token")

	rootCmd.AddCommand(serveCmd, migrateCmd, syncConnectionCmd, syncSourceCmd, addConnectionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := database.Migrate(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.runner()
	if err != nil {
		logger.Warn("GitHub connection sync disabled", "reason", err)
	}
	state := syncer.NewState()

	deps := api.Deps{
		DB:          a.store,
		State:       state,
		Gatherer:    a.registry,
		SyncContext: ctx,
		Logger:      logger,
	}
	if runner != nil {
		deps.Sync = runner
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.SCMSyncEnabled && runner != nil {
		batch, err := a.batch(gctx, runner)
		if err != nil {
			return err
		}
		g.Go(func() error {
			batch.Start(gctx, cfg.SCMSyncInterval)
			return nil
		})
	}

	if cfg.SourceSyncEnabled {
		driver, err := a.sourceDriver()
		if err != nil {
			return err
		}
		g.Go(func() error {
			// Failures are reported through /v1/sync/status.
			if err := syncer.SourceRun(gctx, driver, state); err != nil {
				logger.Error("Source API sync failed", "error", err)
			}
			return nil
		})
	}

	logger.Info("Application started. Waiting for shutdown signal...")
	err = g.Wait()
	if runner != nil {
		runner.Wait()
	}
	logger.Info("Shutdown complete")
	return err
}

func runSyncConnection(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid connection id %q: %w", args[0], err)
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.runner()
	if err != nil {
		return err
	}
	status, err := runner.SyncConnection(cmd.Context(), id)
	fmt.Fprintln(cmd.OutOrStdout(), status)
	return err
}

func runSyncSource(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	driver, err := a.sourceDriver()
	if err != nil {
		return err
	}
	sum, err := driver.Run(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "projects=%d repositories=%d failed=%d commits=%d created=%d\n",
		sum.Projects, sum.Repositories, sum.Failed, sum.Commits, sum.Created)
	return nil
}

func runAddConnection(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	box, err := a.box()
	if err != nil {
		return err
	}
	client, err := github.NewClient(connectionToken, logger, githubOptions(cfg))
	if err != nil {
		return err
	}
	login, err := client.AuthenticatedLogin(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify token: %w", err)
	}
	sealed, err := box.Encrypt(connectionToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	conn, err := a.store.CreateConnection(ctx, database.CreateConnectionParams{
		Provider:       syncer.ProviderGitHub,
		ExternalLogin:  login,
		AccessTokenEnc: sealed,
	})
	if err != nil {
		return fmt.Errorf("failed to store connection: %w", err)
	}
	logger.Info("Connection created", "connection_id", conn.ID, "login", login)
	fmt.Fprintln(cmd.OutOrStdout(), conn.ID)
	return nil
}
