package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/mohammed-shakir/geostream/internal/cache"
)

func TestStore_PutGetReplace(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatalf("empty store returned a hit")
	}
	t0 := time.Unix(100, 0)
	_ = s.Put(ctx, "a", cache.Entry{Payload: []byte("one"), ProducedAt: t0})
	_ = s.Put(ctx, "a", cache.Entry{Payload: []byte("two"), ProducedAt: t0.Add(time.Second)})

	e, ok, err := s.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(e.Payload) != "two" || !e.ProducedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("entry not replaced wholesale: %+v", e)
	}
}

func TestStore_BoundedByEntries(t *testing.T) {
	s, _ := New(2)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_ = s.Put(ctx, k, cache.Entry{Payload: []byte(k)})
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	for _, k := range []string{"b", "c"} {
		if _, ok, _ := s.Get(ctx, k); !ok {
			t.Fatalf("entry %q should still be cached", k)
		}
	}
}
