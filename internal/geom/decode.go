// Package geom decodes raw geometry columns into orb geometries and
// simplifies them for transfer.
package geom

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"
)

var (
	ErrNullGeometry        = errors.New("geom: null geometry")
	ErrEmptyGeometry       = errors.New("geom: geometry has no coordinates")
	ErrUnsupportedEncoding = errors.New("geom: unsupported encoding")
	ErrDegenerate          = errors.New("geom: degenerate geometry")
	ErrTooLarge            = errors.New("geom: large object exceeds limit")

	// ErrNonFinite is returned for NaN or infinite coordinates, which is how
	// PostGIS writes POINT EMPTY as WKB.
	ErrNonFinite = errors.New("geom: non-finite coordinate")
)

// DefaultMaxLOBBytes bounds the read step for large-object geometry handles.
const DefaultMaxLOBBytes = 64 << 20

// Decoded is a geometry ready for simplification. Points is always > 0.
type Decoded struct {
	Geometry orb.Geometry
	Bound    orb.Bound
	Points   int
}

type Decoder struct {
	MaxLOBBytes int64
}

// Decode accepts WKT text, hex-encoded WKB/EWKB text, WKB/EWKB bytes, an
// io.Reader large-object handle holding either of those, or an orb geometry.
// A nil value yields ErrNullGeometry.
func (d Decoder) Decode(raw any) (Decoded, error) {
	switch v := raw.(type) {
	case nil:
		return Decoded{}, ErrNullGeometry
	case *string:
		if v == nil {
			return Decoded{}, ErrNullGeometry
		}
		return d.decodeText(*v)
	case string:
		return d.decodeText(v)
	case []byte:
		if v == nil {
			return Decoded{}, ErrNullGeometry
		}
		return d.decodeBinary(v)
	case io.Reader:
		return d.decodeLOB(v)
	case orb.Geometry:
		return newDecoded(v)
	default:
		return Decoded{}, fmt.Errorf("%w: %T", ErrUnsupportedEncoding, raw)
	}
}

func (d Decoder) decodeText(s string) (Decoded, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Decoded{}, ErrEmptyGeometry
	}
	if isHex(s) {
		b, err := hex.DecodeString(s)
		if err != nil {
			return Decoded{}, fmt.Errorf("hex wkb: %w", err)
		}
		return d.decodeBinary(b)
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return Decoded{}, fmt.Errorf("wkt: %w", err)
	}
	return newDecoded(g)
}

func (d Decoder) decodeBinary(b []byte) (Decoded, error) {
	if len(b) == 0 {
		return Decoded{}, ErrEmptyGeometry
	}
	// first byte of WKB is the byte order marker
	if b[0] != 0 && b[0] != 1 {
		return d.decodeText(string(b))
	}
	g, err := wkb.Unmarshal(b)
	if err != nil {
		eg, _, eerr := ewkb.Unmarshal(b)
		if eerr != nil {
			return Decoded{}, fmt.Errorf("wkb: %w", err)
		}
		g = eg
	}
	return newDecoded(g)
}

func (d Decoder) decodeLOB(r io.Reader) (Decoded, error) {
	if c, ok := r.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}
	limit := d.MaxLOBBytes
	if limit <= 0 {
		limit = DefaultMaxLOBBytes
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return Decoded{}, fmt.Errorf("read lob: %w", err)
	}
	if int64(len(b)) > limit {
		return Decoded{}, ErrTooLarge
	}
	if len(b) == 0 {
		return Decoded{}, ErrNullGeometry
	}
	return d.decodeBinary(b)
}

func newDecoded(g orb.Geometry) (Decoded, error) {
	n := CountPoints(g)
	if n == 0 {
		return Decoded{}, ErrEmptyGeometry
	}
	if !finite(g) {
		return Decoded{}, ErrNonFinite
	}
	return Decoded{Geometry: g, Bound: g.Bound(), Points: n}, nil
}

func finite(g orb.Geometry) bool {
	ok := func(ps []orb.Point) bool {
		for _, p := range ps {
			for _, c := range p {
				if math.IsNaN(c) || math.IsInf(c, 0) {
					return false
				}
			}
		}
		return true
	}
	switch v := g.(type) {
	case orb.Point:
		return ok([]orb.Point{v})
	case orb.MultiPoint:
		return ok(v)
	case orb.LineString:
		return ok(v)
	case orb.Ring:
		return ok(v)
	case orb.Polygon:
		for _, r := range v {
			if !ok(r) {
				return false
			}
		}
	case orb.MultiLineString:
		for _, ls := range v {
			if !ok(ls) {
				return false
			}
		}
	case orb.MultiPolygon:
		for _, p := range v {
			if !finite(p) {
				return false
			}
		}
	case orb.Collection:
		for _, c := range v {
			if !finite(c) {
				return false
			}
		}
	case orb.Bound:
		return ok([]orb.Point{v.Min, v.Max})
	}
	return true
}

// CountPoints returns the number of coordinate pairs in g.
func CountPoints(g orb.Geometry) int {
	switch v := g.(type) {
	case nil:
		return 0
	case orb.Point:
		return 1
	case orb.MultiPoint:
		return len(v)
	case orb.LineString:
		return len(v)
	case orb.Ring:
		return len(v)
	case orb.Polygon:
		n := 0
		for _, r := range v {
			n += len(r)
		}
		return n
	case orb.MultiLineString:
		n := 0
		for _, ls := range v {
			n += len(ls)
		}
		return n
	case orb.MultiPolygon:
		n := 0
		for _, p := range v {
			n += CountPoints(p)
		}
		return n
	case orb.Collection:
		n := 0
		for _, c := range v {
			n += CountPoints(c)
		}
		return n
	case orb.Bound:
		return CountPoints(v.ToPolygon())
	default:
		return 0
	}
}

func isHex(s string) bool {
	if len(s)%2 != 0 || len(s) < 10 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
