// cmd/service/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"repo-pulse/internal/config"
)

var (
	logLevel = new(slog.LevelVar)
	logger   = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	cfg      *config.Config

	rootCmd = &cobra.Command{
		Use:           "repo-pulse",
		Short:         "Commit analytics over GitHub and the Source API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			setupLogger(cfg)
			logger.Debug("Configuration loaded successfully")
			return nil
		},
	}
)

func main() {
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("Command failed", "error", err)
		cancel()
		os.Exit(1)
	}
}

// setupLogger applies the configured level and, when LOG_FILE is set, tees
// output into a rotated file.
func setupLogger(cfg *config.Config) {
	setLogLevel(cfg.LogLevel, logLevel)
	if cfg.LogFile == "" {
		return
	}
	out := io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	})
	logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
