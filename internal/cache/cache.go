// Package cache defines the payload cache used to serve finished streams.
package cache

import (
	"context"
	"time"
)

// Entry is one fully assembled payload. It is replaced wholesale, never
// patched.
type Entry struct {
	Payload    []byte
	ProducedAt time.Time
}

// Store persists entries by key. Stores do not expire entries on their own;
// freshness is decided by the caller.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, e Entry) error
	Ping(ctx context.Context) error
}
