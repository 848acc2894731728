package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/admin"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress/backend"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/reconciliation"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var schedule string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and the admin API, running passes on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("schedule") {
				schedule = a.cfg.Server.Schedule
			}
			return a.runServe(cmd.Context(), schedule)
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", `cron spec for reconciliation passes, e.g. "0 */6 * * *" (default SWEEP_SCHEDULE)`)
	return cmd
}

func (a *app) runServe(ctx context.Context, schedule string) error {
	key, err := a.cfg.SigningKey()
	if err != nil {
		return err
	}
	targets, err := a.reconciliationTargets("", key)
	if err != nil {
		return err
	}

	shutdownTracing := a.initTracing(ctx)
	defer shutdownTracing()

	store, err := backend.Open(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("open progress store: %w", err)
	}
	defer a.closeStore(store)

	locker, closeLocker, err := a.openLocker(ctx)
	if err != nil {
		return fmt.Errorf("open locker: %w", err)
	}
	defer closeLocker()

	engine, err := a.newEngine(store, locker)
	if err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	scheduler, err := reconciliation.NewScheduler(gCtx, engine, targets, schedule, a.logger)
	if err != nil {
		return err
	}
	if schedule == "" && a.cfg.Server.AdminAddr == "" {
		a.logger.Warn("no schedule and no admin API configured, passes will never run")
	}
	scheduler.Start()
	defer scheduler.Stop()

	g.Go(func() error {
		select {
		case err := <-scheduler.Fatal():
			return fmt.Errorf("reconciliation halted: %w", err)
		case <-gCtx.Done():
			return nil
		}
	})

	g.Go(func() error {
		return runHTTPServer(gCtx, fmt.Sprintf(":%d", a.cfg.Server.HealthPort), "health", healthHandler(engine.Health()), a.logger)
	})

	if a.cfg.Server.AdminAddr != "" {
		chains := make([]model.Chain, 0, len(targets))
		for _, t := range targets {
			chains = append(chains, t.Chain)
		}
		srv := admin.NewServer(scheduler, store, chains, a.logger, admin.WithHealthProvider(engine.Health()))
		limiter := admin.NewRateLimiter(a.logger)
		handler := admin.AuditMiddleware(a.logger, limiter.Wrap(srv.Handler()))
		g.Go(func() error {
			return runHTTPServer(gCtx, a.cfg.Server.AdminAddr, "admin", handler, a.logger)
		})
	}

	a.logger.Info("keeper serving", "schedule", schedule, "targets", len(targets))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("keeper shut down gracefully")
	return nil
}

type healthChecker interface {
	Healthy() bool
}

func healthHandler(h healthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !h.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runHTTPServer(ctx context.Context, addr, name string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
