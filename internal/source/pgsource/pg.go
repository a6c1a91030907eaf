// Package pgsource implements source.Pool on a pgx connection pool against
// PostGIS.
package pgsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohammed-shakir/geostream/internal/core/model"
	"github.com/mohammed-shakir/geostream/internal/source"
)

// Dialect selects geometry as WKB so the decoder never parses text.
var Dialect = source.Dialect{
	Name:        "postgis",
	Placeholder: source.DollarPlaceholder,
	Quote:       func(ident string) string { return pgx.Identifier{ident}.Sanitize() },
	GeomExpr:    func(col string) string { return "ST_AsBinary(" + col + ")" },
}

type Option func(*pgxpool.Config)

func WithMaxConns(n int) Option {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = int32(n)
		}
	}
}

func WithMinConns(n int) Option {
	return func(c *pgxpool.Config) {
		if n >= 0 {
			c.MinConns = int32(n)
		}
	}
}

type Pool struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string, opts ...Option) (*Pool, error) {
	if dsn == "" {
		return nil, errors.New("database url is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Pool{pool: pool}, nil
}

func (p *Pool) Acquire(ctx context.Context) (source.Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, source.Unavailable("acquire", err)
	}
	return &conn{c: c}, nil
}

func (p *Pool) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (p *Pool) Close() { p.pool.Close() }

type conn struct {
	c *pgxpool.Conn
}

func (c *conn) Window(ctx context.Context, ds model.Dataset, offset, limit int) ([]model.Row, error) {
	rows, err := c.c.Query(ctx, source.WindowQuery(Dialect, ds), limit, offset)
	if err != nil {
		return nil, source.Unavailable("query "+ds.Name, err)
	}
	return collect(ds, rows)
}

func (c *conn) Lookup(ctx context.Context, ds model.Dataset, id any) (*model.Row, error) {
	rows, err := c.c.Query(ctx, source.LookupQuery(Dialect, ds), id)
	if err != nil {
		return nil, source.Unavailable("lookup "+ds.Name, err)
	}
	out, err := collect(ds, rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (c *conn) Release() { c.c.Release() }

func collect(ds model.Dataset, rows pgx.Rows) ([]model.Row, error) {
	defer rows.Close()
	var out []model.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, source.Unavailable("scan "+ds.Name, err)
		}
		out = append(out, source.RowFromValues(ds, vals))
	}
	if err := rows.Err(); err != nil {
		return nil, source.Unavailable("rows "+ds.Name, err)
	}
	return out, nil
}
