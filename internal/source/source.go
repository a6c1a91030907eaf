// Package source pages rows out of the backing spatial store.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/geostream/internal/core/model"
	"github.com/mohammed-shakir/geostream/internal/core/observability"
)

// ErrSourceUnavailable marks connection and query failures. It is fatal to a
// stream.
var ErrSourceUnavailable = errors.New("source unavailable")

// Pool hands out request-scoped connections.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Ping(ctx context.Context) error
	Close()
}

// Conn is a request-scoped connection. Release must be called exactly once on
// every exit path.
type Conn interface {
	// Window returns rows offset+1..offset+limit in the dataset's stable order.
	Window(ctx context.Context, ds model.Dataset, offset, limit int) ([]model.Row, error)
	// Lookup returns the row with the given id, or nil if absent.
	Lookup(ctx context.Context, ds model.Dataset, id any) (*model.Row, error)
	Release()
}

// Unavailable wraps err so that errors.Is(err, ErrSourceUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrSourceUnavailable, err)
}

// Pager walks a dataset window by window. An empty result means the dataset
// is exhausted.
type Pager struct {
	conn    Conn
	ds      model.Dataset
	offset  int
	fetches int
	done    bool
}

func NewPager(conn Conn, ds model.Dataset) *Pager {
	return &Pager{conn: conn, ds: ds}
}

func (p *Pager) Next(ctx context.Context) ([]model.Row, error) {
	if p.done {
		return nil, nil
	}
	limit := p.ds.Window
	if p.ds.RowCap > 0 {
		remaining := p.ds.RowCap - p.offset
		if remaining <= 0 {
			p.done = true
			return nil, nil
		}
		limit = min(limit, remaining)
	}

	start := time.Now()
	rows, err := p.conn.Window(ctx, p.ds, p.offset, limit)
	observability.ObserveWindowFetch(p.ds.Name, err, time.Since(start).Seconds())
	p.fetches++
	if err != nil {
		p.done = true
		return nil, Unavailable(fmt.Sprintf("window offset=%d limit=%d", p.offset, limit), err)
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	p.offset += len(rows)
	if len(rows) < limit {
		p.done = true
	}
	return rows, nil
}

// Fetches reports how many window queries were issued.
func (p *Pager) Fetches() int { return p.fetches }
