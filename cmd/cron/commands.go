package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AzizBrinis/invoice-app-sub004/internal/app"
	"github.com/AzizBrinis/invoice-app-sub004/internal/config"
	"github.com/AzizBrinis/invoice-app-sub004/internal/logging"
	"github.com/AzizBrinis/invoice-app-sub004/internal/store"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "cron",
		Short:        "Messaging queue maintenance: cron ticks, migrations and job inspection",
		SilenceUsage: true,
	}
	root.AddCommand(tickCmd(), loopCmd(), migrateCmd(), jobsCmd())
	return root
}

func setup(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Env)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger)
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one cron tick and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			res, err := a.Orchestrator.Tick(ctx, time.Now())
			if printErr := printJSON(cmd, res); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func loopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Tick on an interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			interval, _ := cmd.Flags().GetDuration("interval")
			if interval <= 0 {
				interval = a.Config.CronInterval
			}
			a.Logger.Info("cron loop started", zap.Duration("interval", interval))

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if _, err := a.Orchestrator.Tick(ctx, time.Now()); err != nil {
					a.Logger.Error("cron tick failed", zap.Error(err))
				}
				select {
				case <-ctx.Done():
					a.Logger.Info("cron loop stopped")
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().Duration("interval", 0, "Tick interval (defaults to CRON_INTERVAL)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.RunMigrations(cmd.Context()); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect queued jobs",
	}
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a job and its event trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			job, err := a.Engine.GetJob(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get job %s: %w", args[0], err)
			}
			events, err := a.Engine.ListJobEvents(ctx, args[0])
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			return printJSON(cmd, map[string]any{"job": job, "events": events})
		},
	}
	jobs.AddCommand(show)
	return jobs
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
