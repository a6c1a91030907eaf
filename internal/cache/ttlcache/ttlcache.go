// Package ttlcache layers time-based freshness and single-flight miss
// coalescing over a cache.Store.
package ttlcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/geostream/internal/cache"
)

const defaultAttempts = 3

// ErrLeaderGone marks a compute failure that belongs to the leading caller
// alone, such as its client disconnecting. Callers waiting on that flight
// start over instead of inheriting the error.
var ErrLeaderGone = errors.New("ttlcache: leader went away")

var errAbandoned = fmt.Errorf("%w before compute", ErrLeaderGone)

// Outcome reports how Do satisfied a request.
type Outcome int

const (
	// Hit means a fresh entry was found and nothing was computed.
	Hit Outcome = iota
	// Computed means this caller ran the compute function itself.
	Computed
	// Shared means another caller computed and this one received its payload.
	Shared
)

// Header is the X-Cache response value for o.
func (o Outcome) Header() string {
	switch o {
	case Hit:
		return "HIT"
	case Shared:
		return "SHARED"
	default:
		return "MISS"
	}
}

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Computed:
		return "miss"
	case Shared:
		return "shared"
	default:
		return "unknown"
	}
}

// ComputeFunc produces a full payload. It only returns a payload on complete
// success; anything else is reported as an error and is never committed.
type ComputeFunc func(ctx context.Context) ([]byte, error)

type Result struct {
	Entry   cache.Entry
	Outcome Outcome
}

type Option func(*Cache)

func WithClock(c clockwork.Clock) Option {
	return func(tc *Cache) { tc.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(tc *Cache) { tc.log = l }
}

// WithAttempts bounds how often a caller rejoins after a flight was abandoned
// by a leader whose request ended before it started computing.
func WithAttempts(n int) Option {
	return func(tc *Cache) {
		if n > 0 {
			tc.attempts = n
		}
	}
}

type Cache struct {
	store    cache.Store
	ttl      time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
	attempts int
	group    singleflight.Group
}

func New(store cache.Store, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		ttl:      ttl,
		clock:    clockwork.NewRealClock(),
		log:      slog.Default(),
		attempts: defaultAttempts,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}


// Lookup returns the entry only while now - producedAt < ttl. Stale entries
// are left in place.
func (c *Cache) Lookup(ctx context.Context, key string) (cache.Entry, bool, error) {
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("cache lookup %s: %w", key, err)
	}
	if !ok || !c.fresh(e) {
		return cache.Entry{}, false, nil
	}
	return e, true, nil
}

// Peek returns whatever is stored, fresh or not.
func (c *Cache) Peek(ctx context.Context, key string) (e cache.Entry, found, fresh bool, err error) {
	e, found, err = c.store.Get(ctx, key)
	if err != nil || !found {
		return cache.Entry{}, false, false, err
	}
	return e, true, c.fresh(e), nil
}

// Commit replaces the entry for key with payload stamped at the current time.
func (c *Cache) Commit(ctx context.Context, key string, payload []byte) (cache.Entry, error) {
	e := cache.Entry{Payload: payload, ProducedAt: c.clock.Now()}
	if err := c.store.Put(ctx, key, e); err != nil {
		return e, fmt.Errorf("cache commit %s: %w", key, err)
	}
	return e, nil
}

func (c *Cache) fresh(e cache.Entry) bool {
	return c.clock.Since(e.ProducedAt) < c.ttl
}

type flight struct {
	entry    cache.Entry
	computed bool
}

// Do serves key from the cache or computes it. Concurrent misses on one key
// share a single compute: the caller that runs it gets Computed, the others
// get Shared with the same payload. A failed compute is reported to every
// caller that was waiting on it and nothing is committed. refresh skips the
// freshness checks and always recomputes.
func (c *Cache) Do(ctx context.Context, key string, refresh bool, fn ComputeFunc) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if !refresh {
			if e, ok := c.lookupOrMiss(ctx, key); ok {
				return Result{Entry: e, Outcome: Hit}, nil
			}
		}

		res, led, err := c.join(ctx, key, refresh, fn)
		switch {
		case err == nil && led && res.computed:
			return Result{Entry: res.entry, Outcome: Computed}, nil
		case err == nil && led:
			return Result{Entry: res.entry, Outcome: Hit}, nil
		case err == nil:
			return Result{Entry: res.entry, Outcome: Shared}, nil
		case led:
			return Result{}, err
		case ctx.Err() != nil:
			return Result{}, ctx.Err()
		case !errors.Is(err, ErrLeaderGone):
			return Result{}, err
		}
		// the flight produced nothing this caller can use; start over
		c.log.Debug("cache flight abandoned, rejoining", "key", key, "attempt", attempt+1, "error", err)
		lastErr = err
	}
	return Result{}, fmt.Errorf("cache %s: gave up after %d attempts: %w", key, c.attempts, lastErr)
}

func (c *Cache) lookupOrMiss(ctx context.Context, key string) (cache.Entry, bool) {
	e, ok, err := c.Lookup(ctx, key)
	if err != nil {
		c.log.Warn("cache lookup failed, treating as miss", "key", key, "error", err)
		return cache.Entry{}, false
	}
	return e, ok
}

// join runs or waits on the flight for key. led reports whether this caller's
// compute ran. A caller whose context ends before its compute starts abandons
// the flight; once started, the leader is always waited for because it owns
// the response writer.
func (c *Cache) join(ctx context.Context, key string, refresh bool, fn ComputeFunc) (flight, bool, error) {
	var (
		mu        sync.Mutex
		led       bool
		abandoned bool
	)

	ch := c.group.DoChan(key, func() (any, error) {
		mu.Lock()
		if abandoned {
			mu.Unlock()
			return flight{}, errAbandoned
		}
		led = true
		mu.Unlock()

		if !refresh {
			if e, ok := c.lookupOrMiss(ctx, key); ok {
				return flight{entry: e}, nil
			}
		}

		payload, err := fn(ctx)
		if err != nil {
			return flight{}, err
		}
		e, err := c.Commit(ctx, key, payload)
		if err != nil {
			c.log.Warn("cache commit failed", "key", key, "error", err)
		}
		return flight{entry: e, computed: true}, nil
	})

	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		mu.Lock()
		if !led {
			abandoned = true
			mu.Unlock()
			return flight{}, false, ctx.Err()
		}
		mu.Unlock()
		r = <-ch
	}

	mu.Lock()
	wasLeader := led
	mu.Unlock()

	if r.Err != nil {
		return flight{}, wasLeader, r.Err
	}
	return r.Val.(flight), wasLeader, nil
}
