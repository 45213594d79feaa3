package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ptoivanen/ranksync/internal/config"
	"github.com/ptoivanen/ranksync/internal/order"
	"github.com/ptoivanen/ranksync/internal/position"
	"github.com/ptoivanen/ranksync/internal/transport"
)

// httpReadHeaderTimeout bounds slow-header attacks on the accept path.
const httpReadHeaderTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation server",
		Long: `Start the ranksync server: the websocket endpoint for client intents,
the per-scope reconciliation engine, and the periodic scope auditor.

The config file is watched while running; changes to the audit interval and
log level apply without a restart.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	cfg := resolvedCfg

	store, err := order.NewStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer store.Close()

	calc := position.Calculator{
		Seed:    position.Value(cfg.Engine.Seed),
		Gap:     position.Value(cfg.Engine.Gap),
		Epsilon: cfg.Engine.Epsilon,
	}

	reconciler := order.NewReconciler(store, calc, logger)
	hub := transport.NewHub(reconciler, store, logger)

	mux := http.NewServeMux()
	mux.Handle("/sync", hub.Handler())

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}

	auditor := order.NewAuditor(store, reconciler, cfg.Engine.Epsilon,
		cfg.Engine.AuditIntervalDuration(), logger)

	holder := config.NewHolder(cfg, resolvedCfgPath)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening",
			"addr", cfg.Server.ListenAddr, "version", version)

		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			cfg.Server.ShutdownTimeoutDuration())
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}

		return nil
	})

	if interval := cfg.Engine.AuditIntervalDuration(); interval > 0 {
		g.Go(func() error {
			if err := auditor.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		})
	} else {
		logger.Info("periodic audit disabled")
	}

	g.Go(func() error {
		err := config.Watch(gctx, holder, func(updated *config.Config) {
			applyConfigChange(auditor, updated, logger)
		}, logger)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("server stopped")

	return nil
}

// applyConfigChange applies the hot-reloadable subset of a config update:
// audit interval and log level. Everything else needs a restart.
func applyConfigChange(auditor *order.Auditor, cfg *config.Config, logger *slog.Logger) {
	if interval := cfg.Engine.AuditIntervalDuration(); interval > 0 {
		auditor.SetInterval(interval)
	}

	newLevel := parseLevel(cfg.Logging.LogLevel)
	if !flagVerbose && !flagQuiet && logLevel.Level() != newLevel {
		logger.Info("log level changed", "level", cfg.Logging.LogLevel)
		logLevel.Set(newLevel)
	}
}
