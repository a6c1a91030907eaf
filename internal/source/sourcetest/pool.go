// Package sourcetest provides an in-memory source.Pool for tests.
package sourcetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mohammed-shakir/geostream/internal/core/model"
	"github.com/mohammed-shakir/geostream/internal/source"
)

// Pool serves Rows in slice order. FailWindow makes the n-th window call
// (1-based, counted across the pool's lifetime) return FailErr.
type Pool struct {
	mu         sync.Mutex
	Rows       []model.Row
	FailWindow int
	FailErr    error
	AcquireErr error
	// Gate, when set, is received from before every window query.
	Gate chan struct{}

	windows  atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
}

func (p *Pool) Acquire(_ context.Context) (source.Conn, error) {
	if p.AcquireErr != nil {
		return nil, source.Unavailable("acquire", p.AcquireErr)
	}
	p.acquired.Add(1)
	return &conn{p: p}, nil
}

func (p *Pool) Ping(context.Context) error { return p.AcquireErr }

func (p *Pool) Close() {}

// SetRows swaps the backing rows.
func (p *Pool) SetRows(rows []model.Row) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Rows = rows
}

func (p *Pool) Windows() int  { return int(p.windows.Load()) }
func (p *Pool) Acquired() int { return int(p.acquired.Load()) }
func (p *Pool) Released() int { return int(p.released.Load()) }

type conn struct {
	p        *Pool
	released atomic.Bool
}

func (c *conn) Window(ctx context.Context, _ model.Dataset, offset, limit int) ([]model.Row, error) {
	if c.p.Gate != nil {
		select {
		case <-c.p.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	n := c.p.windows.Add(1)
	if c.p.FailWindow > 0 && int(n) == c.p.FailWindow {
		err := c.p.FailErr
		if err == nil {
			err = errors.New("connection reset by peer")
		}
		return nil, err
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if offset >= len(c.p.Rows) {
		return nil, nil
	}
	end := min(offset+limit, len(c.p.Rows))
	out := make([]model.Row, end-offset)
	copy(out, c.p.Rows[offset:end])
	return out, nil
}

func (c *conn) Lookup(_ context.Context, _ model.Dataset, id any) (*model.Row, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	for _, r := range c.p.Rows {
		if r.ID == id {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (c *conn) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.p.released.Add(1)
	}
}
