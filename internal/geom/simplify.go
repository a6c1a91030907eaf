package geom

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
)

const DefaultTolerance = 0.01

// Simplifier runs Douglas-Peucker at a fixed tolerance. Repeated application
// at the same tolerance returns the same coordinates.
type Simplifier struct {
	Tolerance float64
}

func (s Simplifier) Simplify(d Decoded) (Decoded, error) {
	if d.Geometry == nil || d.Points == 0 {
		return Decoded{}, ErrEmptyGeometry
	}
	if s.Tolerance <= 0 {
		return d, nil
	}
	// the simplifier works in place
	g := simplify.DouglasPeucker(s.Tolerance).Simplify(orb.Clone(d.Geometry))
	if g == nil || g.GeoJSONType() != d.Geometry.GeoJSONType() {
		return Decoded{}, fmt.Errorf("%w: %s collapsed", ErrDegenerate, d.Geometry.GeoJSONType())
	}
	g, err := prune(g)
	if err != nil {
		return Decoded{}, err
	}
	out, err := newDecoded(g)
	if err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	return out, nil
}

// prune drops parts that collapsed below a valid shape. Only a geometry with
// nothing left is degenerate.
func prune(g orb.Geometry) (orb.Geometry, error) {
	switch v := g.(type) {
	case orb.LineString:
		if len(v) < 2 {
			return nil, fmt.Errorf("%w: linestring with %d points", ErrDegenerate, len(v))
		}
		return v, nil
	case orb.MultiLineString:
		out := make(orb.MultiLineString, 0, len(v))
		for _, ls := range v {
			if len(ls) >= 2 {
				out = append(out, ls)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: every linestring collapsed", ErrDegenerate)
		}
		return out, nil
	case orb.Polygon:
		if len(v) == 0 || len(v[0]) < 4 {
			return nil, fmt.Errorf("%w: polygon exterior ring too short", ErrDegenerate)
		}
		out := orb.Polygon{v[0]}
		for _, hole := range v[1:] {
			if len(hole) >= 4 {
				out = append(out, hole)
			}
		}
		return out, nil
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, 0, len(v))
		for _, p := range v {
			pp, err := prune(p)
			if err != nil {
				continue
			}
			out = append(out, pp.(orb.Polygon))
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: every polygon collapsed", ErrDegenerate)
		}
		return out, nil
	default:
		return g, nil
	}
}
