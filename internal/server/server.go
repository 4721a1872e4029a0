// Package server wires the HTTP API together and owns the listener
// lifecycle.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/geostash/geostash/internal/config"
	"github.com/geostash/geostash/internal/health"
	"github.com/geostash/geostash/internal/metrics"
	"github.com/geostash/geostash/internal/middleware"
	"github.com/geostash/geostash/internal/pipeline"
	"github.com/geostash/geostash/internal/queue"
)

// Deps carries everything the routes need.
type Deps struct {
	Store   *queue.Store
	Conv    *pipeline.Converter
	Metrics *metrics.Provider
	Ready   health.ReadinessReporter
}

func Routes(cfg config.Config, logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Ready))
	if d.Metrics != nil {
		r.Get(cfg.MetricsPath, d.Metrics.Handler().ServeHTTP)
	}

	r.Post("/uploads", HandleUpload(logger, d.Store, cfg.MaxUploadBytes))
	r.Get("/uploads/{id}", HandleStatus(d.Store))
	r.Delete("/uploads/{id}", HandleCancel(logger, d.Store))
	r.Post("/uploads/{id}/import", HandleImport(logger, d.Store))
	r.Post("/convert", HandleConvert(logger, d.Conv, cfg.MaxUploadBytes))
	r.Get("/features/{cell}", HandleFeaturesByCell(d.Store))

	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Routes(cfg, logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
