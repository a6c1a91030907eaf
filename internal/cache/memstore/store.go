// Package memstore is an in-process cache.Store bounded by entry count.
package memstore

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/geostream/internal/cache"
)

const defaultSize = 64

type Store struct {
	lru *lru.Cache[string, cache.Entry]
}

func New(size int) (*Store, error) {
	if size <= 0 {
		size = defaultSize
	}
	c, err := lru.New[string, cache.Entry](size)
	if err != nil {
		return nil, fmt.Errorf("memstore: %w", err)
	}
	return &Store{lru: c}, nil
}

func (s *Store) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	e, ok := s.lru.Get(key)
	return e, ok, nil
}

func (s *Store) Put(_ context.Context, key string, e cache.Entry) error {
	s.lru.Add(key, e)
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }
