// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cache memoizes materialized commit values keyed by
// (evaluator, causal-order identity, commit-id), grounded on the
// small backing-store-plus-cache shape of engine/graph/state/state.go.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/luxfi/ids"
)

// Key disambiguates cached values across evaluators and repositories.
// Causal-order identity is a content-address (model.CausalOrder.ID),
// which is what makes the cache globally valid for a given evaluator
// (I6): two repositories that happen to share a commit-id and causal
// shape get the same cached value.
type Key struct {
	EvalID   string
	CausalID ids.ID
	Commit   ids.ID
}

// Cache is safe for concurrent use. Entries are never overwritten (I6:
// monotone), so reads and writes need no cross-entry locking beyond a
// plain map guard.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[Key, any]
}

// New returns a cache LRU-evicted once it holds more than size entries
// (spec §4.2: "eviction is not required; implementations may bound
// size"). size <= 0 selects a default bound of 1<<20 entries.
func New(size int) *Cache {
	if size <= 0 {
		size = 1 << 20
	}
	l, err := lru.New[Key, any](size)
	if err != nil {
		// Only returns an error for size <= 0, which we've excluded above.
		panic(err)
	}
	return &Cache{lru: l}
}

// Get returns the cached value for key, if any.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// Put stores value for key. Because entries are pure functions of their
// key (I6), a concurrent duplicate Put for the same key is harmless.
func (c *Cache) Put(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, value)
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
