package ttlcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mohammed-shakir/geostream/internal/cache"
	"github.com/mohammed-shakir/geostream/internal/cache/memstore"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newCache(t *testing.T, ttl time.Duration) (*Cache, *clockwork.FakeClock) {
	t.Helper()
	st, err := memstore.New(16)
	require.NoError(t, err)
	clk := clockwork.NewFakeClockAt(t0)
	return New(st, ttl, WithClock(clk)), clk
}

func TestLookup_TTLBoundary(t *testing.T) {
	c, clk := newCache(t, time.Hour)
	ctx := context.Background()

	_, ok, err := c.Lookup(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.Commit(ctx, "k", []byte("payload"))
	require.NoError(t, err)

	clk.Advance(time.Hour - time.Nanosecond)
	e, ok, err := c.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), e.Payload)
	require.True(t, e.ProducedAt.Equal(t0))

	clk.Advance(time.Nanosecond)
	_, ok, err = c.Lookup(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok, "entry aged exactly ttl must be stale")

	e, found, fresh, err := c.Peek(ctx, "k")
	require.NoError(t, err)
	require.True(t, found, "stale entries are not evicted")
	require.False(t, fresh)
	require.Equal(t, []byte("payload"), e.Payload)
}

func TestCommit_ReplacesWholesale(t *testing.T) {
	c, clk := newCache(t, time.Hour)
	ctx := context.Background()

	_, _ = c.Commit(ctx, "k", []byte("old"))
	clk.Advance(time.Minute)
	_, _ = c.Commit(ctx, "k", []byte("new"))

	e, ok, err := c.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("new"), e.Payload)
	require.True(t, e.ProducedAt.Equal(t0.Add(time.Minute)))
}

func TestDo_MissThenHitThenExpire(t *testing.T) {
	c, clk := newCache(t, time.Hour)
	ctx := context.Background()

	var calls int
	fn := func(context.Context) ([]byte, error) {
		calls++
		return []byte("v1"), nil
	}

	r, err := c.Do(ctx, "k", false, fn)
	require.NoError(t, err)
	require.Equal(t, Computed, r.Outcome)

	clk.Advance(30 * time.Minute)
	r2, err := c.Do(ctx, "k", false, fn)
	require.NoError(t, err)
	require.Equal(t, Hit, r2.Outcome)
	require.Equal(t, r.Entry.Payload, r2.Entry.Payload)
	require.Equal(t, 1, calls)

	clk.Advance(31 * time.Minute)
	r3, err := c.Do(ctx, "k", false, fn)
	require.NoError(t, err)
	require.Equal(t, Computed, r3.Outcome)
	require.Equal(t, 2, calls)
}

func TestDo_RefreshBypassesFreshEntry(t *testing.T) {
	c, _ := newCache(t, time.Hour)
	ctx := context.Background()

	_, _ = c.Commit(ctx, "k", []byte("old"))
	r, err := c.Do(ctx, "k", true, func(context.Context) ([]byte, error) {
		return []byte("new"), nil
	})
	require.NoError(t, err)
	require.Equal(t, Computed, r.Outcome)

	e, ok, _ := c.Lookup(ctx, "k")
	require.True(t, ok)
	require.Equal(t, []byte("new"), e.Payload)
}

func TestDo_FailureIsNotCommitted(t *testing.T) {
	c, _ := newCache(t, time.Hour)
	ctx := context.Background()
	boom := errors.New("window 2 failed")

	_, err := c.Do(ctx, "k", false, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, found, _, err := c.Peek(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDo_CoalescesConcurrentMisses(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newCache(t, time.Hour)
	ctx := context.Background()

	var calls atomic.Int32
	started := make(chan struct{})
	gate := make(chan struct{})
	fn := func(context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-gate
		return []byte("shared-payload"), nil
	}

	const n = 8
	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Do(ctx, "k", false, fn)
	}()
	<-started

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Do(ctx, "k", false, fn)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, Computed, results[0].Outcome)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, []byte("shared-payload"), results[i].Entry.Payload)
		if i > 0 {
			require.Contains(t, []Outcome{Shared, Hit}, results[i].Outcome)
		}
	}
}

func TestDo_LeaderFailureReachesFollowers(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newCache(t, time.Hour)
	ctx := context.Background()
	boom := errors.New("source unavailable")

	var calls atomic.Int32
	started := make(chan struct{})
	gate := make(chan struct{})
	fn := func(context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-gate
			return nil, boom
		}
		return []byte("second try"), nil
	}

	var (
		wg                 sync.WaitGroup
		leaderErr, follErr error
		follRes            Result
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, leaderErr = c.Do(ctx, "k", false, fn)
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		follRes, follErr = c.Do(ctx, "k", false, fn)
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.ErrorIs(t, leaderErr, boom)
	if calls.Load() == 1 {
		// follower joined the failed flight
		require.ErrorIs(t, follErr, boom)
		_, found, _, err := c.Peek(ctx, "k")
		require.NoError(t, err)
		require.False(t, found)
		return
	}
	// follower arrived after the failure and computed on its own
	require.NoError(t, follErr)
	require.Equal(t, Computed, follRes.Outcome)
	require.Equal(t, []byte("second try"), follRes.Entry.Payload)
}

func TestDo_LeaderGoneFollowerRecomputes(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newCache(t, time.Hour)
	ctx := context.Background()
	hangup := fmt.Errorf("%w: client closed", ErrLeaderGone)

	var calls atomic.Int32
	started := make(chan struct{})
	gate := make(chan struct{})
	fn := func(context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-gate
			return nil, hangup
		}
		return []byte("rebuilt"), nil
	}

	var (
		wg                 sync.WaitGroup
		leaderErr, follErr error
		follRes            Result
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, leaderErr = c.Do(ctx, "k", false, fn)
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		follRes, follErr = c.Do(ctx, "k", false, fn)
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.ErrorIs(t, leaderErr, ErrLeaderGone)
	require.NoError(t, follErr)
	require.Equal(t, Computed, follRes.Outcome)
	require.Equal(t, []byte("rebuilt"), follRes.Entry.Payload)
	require.EqualValues(t, 2, calls.Load())

	e, found, fresh, err := c.Peek(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, fresh)
	require.Equal(t, []byte("rebuilt"), e.Payload)
}

func TestDo_FollowerContextCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newCache(t, time.Hour)

	started := make(chan struct{})
	gate := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Do(context.Background(), "k", false, func(context.Context) ([]byte, error) {
			close(started)
			<-gate
			return []byte("x"), nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, "k", false, func(context.Context) ([]byte, error) {
		t.Error("follower must not compute")
		return nil, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	<-done
}

type failingStore struct{ cache.Store }

func (failingStore) Get(context.Context, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, errors.New("redis down")
}

func (failingStore) Put(context.Context, string, cache.Entry) error {
	return errors.New("redis down")
}

func TestDo_StoreErrorsDegradeToMiss(t *testing.T) {
	c := New(failingStore{}, time.Hour, WithClock(clockwork.NewFakeClockAt(t0)))
	r, err := c.Do(context.Background(), "k", false, func(context.Context) ([]byte, error) {
		return []byte("p"), nil
	})
	require.NoError(t, err)
	require.Equal(t, Computed, r.Outcome)
	require.Equal(t, []byte("p"), r.Entry.Payload)
}

func TestOutcome_Header(t *testing.T) {
	require.Equal(t, "HIT", Hit.Header())
	require.Equal(t, "MISS", Computed.Header())
	require.Equal(t, "SHARED", Shared.Header())
}
