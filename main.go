package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/plmops/eco-todo-sync/cmd"
	"github.com/plmops/eco-todo-sync/config"
	"github.com/plmops/eco-todo-sync/runner"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "eco-todo-sync",
		Short: "Create DingTalk todo tasks from ECO approval emails",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting eco-todo-sync",
				"mailbox", cfg.MailAddress, "keyword", cfg.Keyword, "dryRun", cfg.DryRun)

			// Once the pipeline starts, failures are reported through
			// logs and the escalation todo only; the process still
			// exits 0 so the supervisor never treats a partial run as
			// a crash.
			runner.New(cfg, logger).Run(context.Background())
			return nil
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(cmd.InspectCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("eco-todo-sync-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
