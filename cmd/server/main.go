package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-ops-approvals/internal/config"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "approvals",
		Short:         "Dual-control approval workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", envOr("APP_CONFIG", "config.yaml"), "path to the YAML config file")

	load := func() (config.Config, *logger.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, nil, fmt.Errorf("load configuration: %w", err)
		}
		log := logger.New(logger.Config{
			Level:       cfg.Service.LogLevel,
			Environment: cfg.Service.Environment,
			ServiceName: cfg.Service.Name,
			Version:     cfg.Service.Version,
		})
		return cfg, log, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers with the escalation scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the approvals tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return fmt.Errorf("migrate requires database.dsn")
			}
			db, err := database.New(cmd.Context(), databaseConfig(cfg))
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()
			if err := repository.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			log.Info().Msg("Schema migrated")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep and one reminder sweep, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			return sweepOnce(cmd.Context(), cfg, log)
		},
	})

	return root
}

func sweepOnce(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	esc, err := a.escalations.AutoEscalateExpiredWorkflows(ctx)
	if err != nil {
		return err
	}
	rem, err := a.escalations.SendDeadlineReminders(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("escalated", esc.Escalated).
		Int("expired", esc.Expired).
		Int("reminders_sent", rem.Sent).
		Msg("Sweep finished")
	return nil
}

func databaseConfig(cfg config.Config) database.Config {
	return database.Config{
		DSN:         cfg.Database.DSN,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}
}

// envOr gets an environment variable or returns a default value
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
