package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/worker"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, out io.Writer) error {
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	p, err := buildPipeline(ctx, cfg, pipelineOptions{PersistViaBus: cfg.Worker.Enabled})
	if err != nil {
		return err
	}
	defer p.Close()

	// Persist published results through the bus
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled && p.repo != nil {
		asyncWorker = worker.NewWorker(p.bus, p.repo)
		if err := asyncWorker.Start(worker.Config{Topics: cfg.Worker.Topics}); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		slog.Info("worker started", "topics", cfg.Worker.Topics)
	}

	srv := api.NewServer(cfg.Server, p.repo, p.cache, p.bus, p.engine, p.proc, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(out, cfg)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

	// Stop the worker first so no result is half persisted
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop worker", "error", err)
		}
		stats := asyncWorker.GetStats()
		slog.Info("worker stopped", "saved", stats.Saved, "failed", stats.Failed)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return serveErr
}

func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  KESTREL  transaction processing pipeline")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:  %s\n", Version)
	fmt.Fprintf(w, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(w, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Endpoints:")
	fmt.Fprintln(w, "    POST /transactions/process    - Process one transaction")
	fmt.Fprintln(w, "    POST /transactions/batch      - Process a batch")
	fmt.Fprintln(w, "    GET  /processed/{id}          - Get a stored result")
	fmt.Fprintln(w, "    GET  /rules                   - List business rules")
	fmt.Fprintln(w, "    POST /rules                   - Add an expression rule")
	fmt.Fprintln(w, "    POST /rules/reload            - Reload expression rules")
	fmt.Fprintln(w, "    PUT  /rules/{id}/enabled      - Enable or disable a rule")
	fmt.Fprintln(w, "    GET  /health                  - Health check")
	fmt.Fprintln(w)
}
