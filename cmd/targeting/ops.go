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
	"targeting/internal/platform/postgres"
	"targeting/internal/platform/redis"
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Serve health, readiness and metrics without consuming jobs",
	RunE:  runOps,
}

func init() {
	opsCmd.Flags().StringVar(&cfg.Server.OpsAddr, "ops-addr", cfg.Server.OpsAddr, "Address of the ops HTTP server")
}

func runOps(cmd *cobra.Command, _ []string) error {
	log := logger.New(cfg.Log)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := make(map[string]httpserver.Check)
	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		checks["postgres"] = db.PingContext
	}
	client, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if client != nil {
		defer func() { _ = client.Close() }()
		checks["redis"] = client.Health
	}

	srv := httpserver.New(cfg.Server.OpsAddr, httpserver.NewOpsRouter(checks))
	errc := make(chan error, 1)
	go func() {
		log.Info("ops server started", "addr", cfg.Server.OpsAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
