// Package router holds the HTTP handlers in front of the service layer.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geostream/internal/cache/ttlcache"
	"github.com/mohammed-shakir/geostream/internal/core/model"
	"github.com/mohammed-shakir/geostream/internal/core/observability"
)

const (
	contentTypeJSON = "application/json"
	headerCache     = "X-Cache"
)

// Service is what the handlers need from the service layer.
type Service interface {
	StreamDataset(ctx context.Context, w http.ResponseWriter, name string, refresh bool) error
	Cities(ctx context.Context, refresh bool) ([]byte, ttlcache.Outcome, error)
	LookupCity(ctx context.Context, rawID string) (model.CityBounds, error)
	Datasets(ctx context.Context) []model.DatasetInfo
}

type errorBody struct {
	Error string `json:"error"`
}

// Stream serves a streaming dataset. With a non-empty fixed name the route
// ignores the {name} URL parameter.
func Stream(logger *slog.Logger, svc Service, route, fixed string) http.HandlerFunc {
	return instrument(route, func(w http.ResponseWriter, r *http.Request) {
		name := fixed
		if name == "" {
			name = chi.URLParam(r, "name")
		}
		err := svc.StreamDataset(r.Context(), w, name, refreshParam(r))
		switch {
		case err == nil:
		case errors.Is(err, model.ErrUnknownDataset):
			writeError(w, http.StatusNotFound, err)
		default:
			// the error line is already in the body
			logger.WarnContext(r.Context(), "stream ended with error", "dataset", name, "error", err)
		}
	})
}

func Cities(logger *slog.Logger, svc Service) http.HandlerFunc {
	return instrument("/cities", func(w http.ResponseWriter, r *http.Request) {
		body, outcome, err := svc.Cities(r.Context(), refreshParam(r))
		if err != nil {
			logger.ErrorContext(r.Context(), "cities failed", "error", err)
			writeError(w, statusFor(err), err)
			return
		}
		w.Header().Set("Content-Type", contentTypeJSON)
		w.Header().Set(headerCache, outcome.Header())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
}

func CityLookup(logger *slog.Logger, svc Service) http.HandlerFunc {
	return instrument("/cities/lookup", func(w http.ResponseWriter, r *http.Request) {
		out, err := svc.LookupCity(r.Context(), r.URL.Query().Get("geonameid"))
		if err != nil {
			status := statusFor(err)
			if status >= http.StatusInternalServerError {
				logger.ErrorContext(r.Context(), "city lookup failed", "error", err)
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})
}

func Datasets(svc Service) http.HandlerFunc {
	return instrument("/datasets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Datasets(r.Context()))
	})
}

func refreshParam(r *http.Request) bool {
	v := strings.TrimSpace(r.URL.Query().Get("refresh"))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidParam):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrUnknownDataset):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
