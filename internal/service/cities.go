package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geostream/internal/cache/keys"
	"github.com/mohammed-shakir/geostream/internal/cache/ttlcache"
	"github.com/mohammed-shakir/geostream/internal/core/model"
	"github.com/mohammed-shakir/geostream/internal/core/observability"
	"github.com/mohammed-shakir/geostream/internal/feature"
	"github.com/mohammed-shakir/geostream/internal/geom"
	mylog "github.com/mohammed-shakir/geostream/internal/logger"
	"github.com/mohammed-shakir/geostream/internal/source"
)

// Cities returns the JSON array of the most populous cities. The body is
// cached under the same TTL rules as streams.
func (s *Service) Cities(ctx context.Context, refresh bool) ([]byte, ttlcache.Outcome, error) {
	ds, err := s.dataset(CitiesDataset, model.KindCollection)
	if err != nil {
		return nil, 0, err
	}
	ctx = mylog.WithDataset(ctx, ds.Name)

	res, err := s.cache.Do(ctx, keys.Key(ds), refresh, func(ctx context.Context) ([]byte, error) {
		return s.buildCities(ctx, ds)
	})
	if err != nil {
		observability.IncStreamFailure(ds.Name, "source")
		return nil, 0, err
	}
	observability.IncCacheResult(ds.Name, res.Outcome.String())
	if res.Outcome == ttlcache.Computed {
		observability.SetCachePayloadBytes(ds.Name, len(res.Entry.Payload))
	}
	return res.Entry.Payload, res.Outcome, nil
}

func (s *Service) buildCities(ctx context.Context, ds model.Dataset) ([]byte, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, source.Unavailable("acquire", err)
	}
	defer conn.Release()

	out := make([]model.City, 0, ds.RowCap)
	pager := source.NewPager(conn, ds)
	for {
		rows, err := pager.Next(ctx)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			d, err := s.decoder.Decode(row.Geom)
			if err != nil {
				observability.IncRowSkipped(ds.Name, "decode")
				s.log.DebugContext(ctx, "city skipped", "row_id", fmt.Sprint(row.ID), "error", err)
				continue
			}
			p := location(d)
			c := model.City{
				GeonameID:   feature.Scalar(row.ID),
				Name:        feature.Scalar(row.Attrs["name"]),
				CountryCode: feature.Scalar(row.Attrs["country_code"]),
				Latitude:    p.Lat(),
				Longitude:   p.Lon(),
				Population:  feature.Scalar(row.Attrs["population"]),
			}
			if ds.H3Res > 0 {
				c.H3, _ = feature.PointCell(p, ds.H3Res)
			}
			out = append(out, c)
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode cities: %w", err)
	}
	s.log.InfoContext(ctx, "cities assembled", "count", len(out), "windows", pager.Fetches())
	return b, nil
}

// LookupCity resolves a geonameid to the city's bounding box.
func (s *Service) LookupCity(ctx context.Context, rawID string) (model.CityBounds, error) {
	rawID = strings.TrimSpace(rawID)
	if rawID == "" {
		return model.CityBounds{}, fmt.Errorf("%w: geonameid is required", model.ErrInvalidParam)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return model.CityBounds{}, fmt.Errorf("%w: geonameid must be an integer", model.ErrInvalidParam)
	}
	ds, err := s.dataset(CitiesDataset, model.KindCollection)
	if err != nil {
		return model.CityBounds{}, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return model.CityBounds{}, source.Unavailable("acquire", err)
	}
	defer conn.Release()

	row, err := conn.Lookup(ctx, ds, id)
	if err != nil {
		return model.CityBounds{}, source.Unavailable("lookup", err)
	}
	if row == nil {
		return model.CityBounds{}, fmt.Errorf("%w: geonameid %d", model.ErrNotFound, id)
	}

	out := model.CityBounds{
		GeonameID: feature.Scalar(row.ID),
		Name:      feature.Scalar(row.Attrs["name"]),
	}
	d, err := s.decoder.Decode(row.Geom)
	switch {
	case err == nil:
		b := d.Bound
		out.BBox = &[4]float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()}
	case errors.Is(err, geom.ErrNullGeometry):
	default:
		s.log.WarnContext(ctx, "city geometry unreadable", "geonameid", id, "error", err)
	}
	return out, nil
}

func location(d geom.Decoded) orb.Point {
	if p, ok := d.Geometry.(orb.Point); ok {
		return p
	}
	return d.Bound.Center()
}
