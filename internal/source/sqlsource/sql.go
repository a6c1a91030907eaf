// Package sqlsource implements source.Pool over database/sql, for stores
// reached through lib/pq, the pgx stdlib driver or SQLite.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3" // registers "sqlite3"

	"github.com/mohammed-shakir/geostream/internal/core/model"
	"github.com/mohammed-shakir/geostream/internal/source"
)

var (
	// Postgres reads PostGIS geometry as WKB.
	Postgres = source.Dialect{
		Name:        "postgres",
		Placeholder: source.DollarPlaceholder,
		Quote:       pq.QuoteIdentifier,
		GeomExpr:    func(col string) string { return "ST_AsBinary(" + col + ")" },
	}
	// SQLite stores geometry as WKT text or WKB blobs.
	SQLite = source.Dialect{
		Name:        "sqlite3",
		Placeholder: source.QuestionPlaceholder,
		Quote:       source.DoubleQuote,
	}
)

func DialectFor(driver string) (source.Dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return Postgres, nil
	case "sqlite3":
		return SQLite, nil
	default:
		return source.Dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

type Pool struct {
	db      *sql.DB
	dialect source.Dialect
}

func Open(ctx context.Context, driver, dsn string, maxConns int) (*Pool, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return New(db, d), nil
}

func New(db *sql.DB, d source.Dialect) *Pool {
	return &Pool{db: db, dialect: d}
}

func (p *Pool) Acquire(ctx context.Context) (source.Conn, error) {
	c, err := p.db.Conn(ctx)
	if err != nil {
		return nil, source.Unavailable("acquire", err)
	}
	return &conn{c: c, dialect: p.dialect}, nil
}

func (p *Pool) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", p.dialect.Name, err)
	}
	return nil
}

func (p *Pool) Close() { _ = p.db.Close() }

type conn struct {
	c       *sql.Conn
	dialect source.Dialect
	once    sync.Once
}

func (c *conn) Window(ctx context.Context, ds model.Dataset, offset, limit int) ([]model.Row, error) {
	rows, err := c.c.QueryContext(ctx, source.WindowQuery(c.dialect, ds), limit, offset)
	if err != nil {
		return nil, source.Unavailable("query "+ds.Name, err)
	}
	return collect(ds, rows)
}

func (c *conn) Lookup(ctx context.Context, ds model.Dataset, id any) (*model.Row, error) {
	rows, err := c.c.QueryContext(ctx, source.LookupQuery(c.dialect, ds), id)
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

func (c *conn) Release() {
	c.once.Do(func() { _ = c.c.Close() })
}

func collect(ds model.Dataset, rows *sql.Rows) ([]model.Row, error) {
	defer func() { _ = rows.Close() }()
	cols, err := rows.Columns()
	if err != nil {
		return nil, source.Unavailable("columns "+ds.Name, err)
	}
	var out []model.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, source.Unavailable("scan "+ds.Name, err)
		}
		out = append(out, source.RowFromValues(ds, vals))
	}
	if err := rows.Err(); err != nil {
		return nil, source.Unavailable("rows "+ds.Name, err)
	}
	return out, nil
}
