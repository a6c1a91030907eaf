// Package model defines core domain types shared across the service.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Kind selects how a dataset is served over HTTP.
type Kind string

const (
	// KindStream datasets are served as chunked NDJSON feature collections.
	KindStream Kind = "stream"
	// KindCollection datasets are served as a single JSON array.
	KindCollection Kind = "collection"
)

type Order struct {
	Column string
	Desc   bool
}

// Dataset describes one table in the backing store and how it is paged.
type Dataset struct {
	Name       string
	Kind       Kind
	Table      string
	IDColumn   string
	GeomColumn string
	Columns    []string
	NotNull    []string
	OrderBy    []Order
	Window     int
	RowCap     int
	Tolerance  float64
	H3Res      int
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (d Dataset) Validate() error {
	if d.Name == "" {
		return errors.New("dataset name is required")
	}
	switch d.Kind {
	case KindStream, KindCollection:
	default:
		return fmt.Errorf("dataset %s: unknown kind %q", d.Name, d.Kind)
	}
	idents := []string{d.Table, d.IDColumn, d.GeomColumn}
	idents = append(idents, d.Columns...)
	idents = append(idents, d.NotNull...)
	for _, o := range d.OrderBy {
		idents = append(idents, o.Column)
	}
	for _, id := range idents {
		if !identPattern.MatchString(id) {
			return fmt.Errorf("dataset %s: invalid identifier %q", d.Name, id)
		}
	}
	if d.Window <= 0 {
		return fmt.Errorf("dataset %s: window must be > 0", d.Name)
	}
	if d.RowCap < 0 {
		return fmt.Errorf("dataset %s: row cap must be >= 0", d.Name)
	}
	if d.Tolerance < 0 {
		return fmt.Errorf("dataset %s: tolerance must be >= 0", d.Name)
	}
	if d.H3Res < 0 || d.H3Res > 15 {
		return fmt.Errorf("dataset %s: h3 resolution must be in [0,15]", d.Name)
	}
	return nil
}

// Row is one record returned by the backing store. Geom holds the raw,
// undecoded geometry column and may be nil.
type Row struct {
	ID    any
	Attrs map[string]any
	Geom  any
}

// DatasetInfo is the listing shape for /datasets.
type DatasetInfo struct {
	Name       string     `json:"name"`
	Kind       Kind       `json:"kind"`
	Window     int        `json:"window"`
	RowCap     int        `json:"row_cap"`
	Tolerance  float64    `json:"tolerance"`
	Cached     bool       `json:"cached"`
	ProducedAt *time.Time `json:"produced_at,omitempty"`
}

var (
	// ErrUnknownDataset is returned for names missing from the registry or
	// served on the wrong endpoint.
	ErrUnknownDataset = errors.New("unknown dataset")
	ErrNotFound       = errors.New("not found")
	// ErrInvalidParam marks a missing or malformed request parameter.
	ErrInvalidParam = errors.New("invalid parameter")
)

// City is one element of the /cities array.
type City struct {
	GeonameID   any     `json:"geonameid"`
	Name        any     `json:"name"`
	CountryCode any     `json:"country_code"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Population  any     `json:"population"`
	H3          string  `json:"h3,omitempty"`
}

// CityBounds is the /cities/lookup response. BBox is minx, miny, maxx, maxy
// and is nil when the row has no usable geometry.
type CityBounds struct {
	GeonameID any         `json:"geonameid"`
	Name      any         `json:"name"`
	BBox      *[4]float64 `json:"bbox"`
}
