// Package feature turns simplified geometries and row attributes into GeoJSON
// features.
package feature

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/geostream/internal/geom"
)

// H3Property is the property key set on point features when an H3
// resolution is configured.
const H3Property = "h3"

type Encoder struct {
	H3Res int
}

// Encode builds a feature from d, the row identifier and attrs. Attribute
// values are normalized to JSON scalars; attrs is not retained. A nil id
// leaves the feature without one.
func (e Encoder) Encode(d geom.Decoded, id any, attrs map[string]any) *geojson.Feature {
	f := geojson.NewFeature(d.Geometry)
	if id != nil {
		f.ID = Scalar(id)
	}
	for k, v := range attrs {
		f.Properties[k] = Scalar(v)
	}
	if e.H3Res > 0 {
		if cell, ok := PointCell(d.Geometry, e.H3Res); ok {
			f.Properties[H3Property] = cell
		}
	}
	return f
}

// PointCell returns the H3 cell containing a point geometry.
func PointCell(g orb.Geometry, res int) (string, bool) {
	p, ok := g.(orb.Point)
	if !ok {
		return "", false
	}
	c, err := h3.LatLngToCell(h3.NewLatLng(p.Lat(), p.Lon()), res)
	if err != nil {
		return "", false
	}
	return c.String(), true
}

// Scalar maps driver values onto JSON-friendly scalars.
func Scalar(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		return t
	case float32:
		return finite(float64(t))
	case float64:
		return finite(t)
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *big.Int:
		if t == nil {
			return nil
		}
		return t.String()
	case pgtype.Numeric:
		if !t.Valid {
			return nil
		}
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return finite(f.Float64)
	case pgtype.Text:
		if !t.Valid {
			return nil
		}
		return t.String
	case json.Number:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
