package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/tempo-no2-etl/internal/adapter/http"
	"github.com/couchcryptid/tempo-no2-etl/internal/config"
	"github.com/couchcryptid/tempo-no2-etl/internal/domain"
	"github.com/couchcryptid/tempo-no2-etl/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logPreviousStatus(cfg.StatusFile, logger)

	app := build(ctx, cfg, logger, metrics)
	defer app.close()

	if cfg.RunMode == config.ModeBatch {
		res := app.pipeline.RunOnce(ctx)
		logger.Info("batch run finished",
			"state", res.State,
			"new_files", len(res.NewFiles),
			"rows", res.TableRows,
			"cells", res.Cells,
			"artifacts", res.Artifacts,
		)
		// Runtime failures are reported through the status channel; only
		// configuration errors change the exit code.
		if res.State == domain.StateError {
			logger.Warn("batch run completed with errors", "failed_sinks", res.FailedSinks)
		}
		return
	}

	deps := httpadapter.Deps{
		Ready:           app.readiness(),
		Status:          app.tracker,
		Map:             app.htmlMap,
		Refresh:         app.pipeline,
		CellSize:        cfg.CellSize,
		CellsXLSX:       cfg.OutputXLSX,
		ObservationsCSV: cfg.OutputCSV,
	}
	if app.history != nil {
		deps.History = app.history
	}
	srv := httpadapter.NewServer(cfg.HTTPAddr, deps, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start monitor loop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := app.pipeline.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("pipeline did not stop before shutdown timeout")
	}

	logger.Info("shutdown complete")
}
