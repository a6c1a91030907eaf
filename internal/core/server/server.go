package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/geostream/internal/core/config"
	"github.com/mohammed-shakir/geostream/internal/core/health"
	middleware "github.com/mohammed-shakir/geostream/internal/core/middleware"
	"github.com/mohammed-shakir/geostream/internal/core/router"
)

// NewHandler builds the full route table.
func NewHandler(cfg config.Config, logger *slog.Logger, svc router.Service, checks map[string]health.Check) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, checks))
	if cfg.MetricsEnabled {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	r.Get("/datasets", router.Datasets(svc))
	r.Get("/datasets/{name}/stream", router.Stream(logger, svc, "/datasets/{name}/stream", ""))
	r.Get("/borders", router.Stream(logger, svc, "/borders", "borders"))
	r.Get("/railways", router.Stream(logger, svc, "/railways", "railways"))
	r.Get("/cities", router.Cities(logger, svc))
	r.Get("/cities/lookup", router.CityLookup(logger, svc))
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, handler http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// streams of large datasets take long to deliver
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
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
