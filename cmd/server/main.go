/*
main.go - Application entry point

PURPOSE:
  Starts the payment reconciler. Handles configuration, dependency
  injection, and graceful shutdown.

COMMANDS:
  serve    HTTP server + background sweep scheduler
  sweep    Run one reconciliation sweep and exit (cron-friendly)
  migrate  Open the database, apply the schema, exit

STARTUP SEQUENCE (serve):
  1. Load config (file + RECONCILER_* environment)
  2. Open the SQLite store once; it is passed to everything that needs it
  3. Build gateway adapters, locker, notifier, metrics
  4. Create the engine, handler and router
  5. Start the scheduler and the server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight sweep)
  2. Stop accepting new connections, wait for active requests
  3. Close the database connection

EXAMPLES:
  ./server serve --config=reconciler.yaml
  RECONCILER_DATABASE_PATH=":memory:" ./server serve
  ./server sweep --config=reconciler.yaml

SEE ALSO:
  - config/config.go: Settings and environment names
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/payment-reconciler/api"
	"github.com/warp/payment-reconciler/config"
	"github.com/warp/payment-reconciler/metrics"
	"github.com/warp/payment-reconciler/reconcile"
	"github.com/warp/payment-reconciler/store/sqlite"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "server",
		Short:        "Payment reconciler - gateway webhooks, pull verification and order ledger",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env RECONCILER_* overrides)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(sweepCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetInt("port"); port > 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().IntP("port", "p", 0, "HTTP server port (overrides config)")
	return cmd
}

func sweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Verify pending payments with their gateways once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := sqlite.New(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			engine, cleanup, err := buildEngine(ctx, cfg, store, nil, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			run, err := engine.Sweep(ctx, sweepConfig(cfg), "cli")
			if err != nil {
				return err
			}
			fmt.Printf("run %s: scanned=%d applied=%d expired=%d unknown=%d errors=%d\n",
				run.ID, run.Scanned, run.Applied, run.Expired, run.Unknown, run.Errors)
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			store, err := sqlite.New(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to migrate %s: %w", cfg.Database.Path, err)
			}
			logger.Info("Schema is up to date", "path", cfg.Database.Path)
			return store.Close()
		},
	}
}

func setup(configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	engine, cleanup, err := buildEngine(ctx, cfg, store, m, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	handler := api.NewHandler(engine, m, logger)
	handler.Callback = cfg.Callback
	handler.Sweep = sweepConfig(cfg)
	if cfg.Server.MaxWebhookBytes > 0 {
		handler.MaxWebhookBytes = cfg.Server.MaxWebhookBytes
	}

	scheduler := api.NewSweepScheduler(engine, handler.Sweep, logger)
	scheduler.CheckInterval = cfg.Reconciliation.SweepInterval
	scheduler.Enabled = cfg.Reconciliation.SweepInterval > 0

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting",
			"port", cfg.Server.Port,
			"gateways", engine.Gateways().Names(),
			"lock", cfg.Lock.Backend,
			"notify", cfg.Notify.Backend,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	scheduler.Start(ctx)

	select {
	case err := <-serverErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

func sweepConfig(cfg *config.Config) reconcile.SweepConfig {
	return reconcile.SweepConfig{
		MinAge:      cfg.Reconciliation.MinPollAge,
		BatchSize:   cfg.Reconciliation.BatchSize,
		Concurrency: cfg.Reconciliation.PollConcurrency,
		CallTimeout: cfg.Reconciliation.CallTimeout,
	}
}
