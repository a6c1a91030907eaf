// Package service binds datasets, the row source, the TTL cache and the
// streaming pipeline into request-level operations.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/mohammed-shakir/geostream/internal/cache/keys"
	"github.com/mohammed-shakir/geostream/internal/cache/ttlcache"
	"github.com/mohammed-shakir/geostream/internal/core/model"
	"github.com/mohammed-shakir/geostream/internal/events"
	"github.com/mohammed-shakir/geostream/internal/geom"
	"github.com/mohammed-shakir/geostream/internal/source"
	"github.com/mohammed-shakir/geostream/internal/stream"
)

const (
	ContentTypeNDJSON = "application/x-ndjson"
	ContentTypeJSON   = "application/json"
	HeaderCache       = "X-Cache"
)

// CitiesDataset is the registry name backing /cities and /cities/lookup.
const CitiesDataset = "cities"

type Service struct {
	datasets map[string]model.Dataset
	pool     source.Pool
	cache    *ttlcache.Cache
	pipeline *stream.Pipeline
	events   events.Publisher
	decoder  geom.Decoder
	log      *slog.Logger
}

type Option func(*Service)

func WithEvents(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func New(datasets map[string]model.Dataset, pool source.Pool, c *ttlcache.Cache, opts ...Option) *Service {
	s := &Service{
		datasets: datasets,
		pool:     pool,
		cache:    c,
		events:   events.Nop{},
		decoder:  geom.Decoder{MaxLOBBytes: geom.DefaultMaxLOBBytes},
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.pipeline = &stream.Pipeline{Pool: pool, Decoder: s.decoder, Log: s.log}
	return s
}

func (s *Service) dataset(name string, kind model.Kind) (model.Dataset, error) {
	ds, ok := s.datasets[name]
	if !ok {
		return model.Dataset{}, fmt.Errorf("%w: %q", model.ErrUnknownDataset, name)
	}
	if ds.Kind != kind {
		return model.Dataset{}, fmt.Errorf("%w: %q is not a %s dataset", model.ErrUnknownDataset, name, kind)
	}
	return ds, nil
}

// Datasets lists the registry with the current cache state of each entry.
func (s *Service) Datasets(ctx context.Context) []model.DatasetInfo {
	names := make([]string, 0, len(s.datasets))
	for n := range s.datasets {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]model.DatasetInfo, 0, len(names))
	for _, n := range names {
		ds := s.datasets[n]
		info := model.DatasetInfo{
			Name:      ds.Name,
			Kind:      ds.Kind,
			Window:    ds.Window,
			RowCap:    ds.RowCap,
			Tolerance: ds.Tolerance,
		}
		e, found, fresh, err := s.cache.Peek(ctx, keys.Key(ds))
		if err != nil {
			s.log.WarnContext(ctx, "cache peek failed", "dataset", n, "error", err)
		}
		if found {
			at := e.ProducedAt.UTC()
			info.ProducedAt = &at
			info.Cached = fresh
		}
		out = append(out, info)
	}
	return out
}

// Ready pings the row store.
func (s *Service) Ready(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
