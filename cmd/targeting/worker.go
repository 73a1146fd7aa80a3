package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"targeting/internal/platform/httpserver"
	"targeting/internal/platform/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background jobs (rebuilds and scoring)",
	Long: `Consumes refresh_stats, full_rebuild and apply_scoring jobs and serves
the ops endpoints. Postgres, Redis and Kafka are used when configured;
otherwise the worker runs against in-memory backends.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&cfg.Server.OpsAddr, "ops-addr", cfg.Server.OpsAddr, "Address of the ops HTTP server")
	workerCmd.Flags().IntVar(&cfg.Worker.Concurrency, "concurrency", cfg.Worker.Concurrency, "Jobs processed at once")
	workerCmd.Flags().IntVar(&cfg.Retry.MaxAttempts, "max-attempts", cfg.Retry.MaxAttempts, "Attempts per job before it is marked failed")
	workerCmd.Flags().IntVar(&cfg.Scoring.Concurrency, "scoring-concurrency", cfg.Scoring.Concurrency, "Parallel scoring rule calls per job")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	log := logger.New(cfg.Log)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	srv := httpserver.New(cfg.Server.OpsAddr, httpserver.NewOpsRouter(a.checks()))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server failed", "error", err)
			stop()
		}
	}()

	log.Info("worker started", "ops_addr", cfg.Server.OpsAddr, "backends", describe(cfg))
	err = a.runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn("graceful shutdown failed", "error", shutdownErr)
	}
	log.Info("worker stopped")
	return err
}
