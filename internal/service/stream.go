package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mohammed-shakir/geostream/internal/cache/keys"
	"github.com/mohammed-shakir/geostream/internal/cache/ttlcache"
	"github.com/mohammed-shakir/geostream/internal/core/model"
	"github.com/mohammed-shakir/geostream/internal/core/observability"
	"github.com/mohammed-shakir/geostream/internal/events"
	mylog "github.com/mohammed-shakir/geostream/internal/logger"
	"github.com/mohammed-shakir/geostream/internal/stream"
)

// StreamDataset serves a streaming dataset as NDJSON. A cache hit or a
// shared result is written as one block; a miss streams chunk by chunk while
// the payload is assembled. The only error returned before anything is
// written is model.ErrUnknownDataset.
func (s *Service) StreamDataset(ctx context.Context, w http.ResponseWriter, name string, refresh bool) error {
	ds, err := s.dataset(name, model.KindStream)
	if err != nil {
		return err
	}
	ctx = mylog.WithDataset(ctx, ds.Name)
	key := keys.Key(ds)

	w.Header().Set("Content-Type", ContentTypeNDJSON)
	w.Header().Set("Cache-Control", "no-store")

	var (
		ran  bool
		last stream.Result
	)
	res, err := s.cache.Do(ctx, key, refresh, func(ctx context.Context) ([]byte, error) {
		ran = true
		w.Header().Set(HeaderCache, ttlcache.Computed.Header())
		r, err := s.pipeline.Run(ctx, ds, w)
		last = r
		if errors.Is(err, stream.ErrSinkWrite) {
			// only this client is gone; waiting requests rebuild the stream
			return nil, fmt.Errorf("%w: %w", ttlcache.ErrLeaderGone, err)
		}
		if err != nil {
			return nil, err
		}
		return r.Payload, nil
	})
	if err != nil {
		if !ran {
			// waited on another request's stream, which failed
			observability.IncStreamFailure(ds.Name, "shared")
			_ = stream.NewEmitter(w).EmitError(err)
		}
		return err
	}

	outcome := res.Outcome.String()
	observability.IncCacheResult(ds.Name, outcome)
	ctx = mylog.WithCache(ctx, outcome)

	if ran {
		observability.SetCachePayloadBytes(ds.Name, len(res.Entry.Payload))
		s.events.Publish(events.Refreshed{
			Dataset:    ds.Name,
			Key:        key,
			Bytes:      len(res.Entry.Payload),
			Chunks:     last.Chunks,
			Features:   last.Features,
			ProducedAt: res.Entry.ProducedAt.UTC(),
		})
		return nil
	}

	w.Header().Set(HeaderCache, res.Outcome.Header())
	if _, err := w.Write(res.Entry.Payload); err != nil {
		s.log.WarnContext(ctx, "cached payload not delivered", "error", err)
		return err
	}
	flush(w)
	s.log.DebugContext(ctx, "served from cache", "bytes", len(res.Entry.Payload))
	return nil
}
