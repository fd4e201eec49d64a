// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package blobstore is the external content-addressed blob store
// collaborator from spec §6: Get/Assoc as suspending operations keyed
// by content-address. The stage never interprets store errors; they
// propagate unchanged to the caller (spec §7).
package blobstore

import (
	"context"
	"sync"

	"github.com/luxfi/ids"
)

// Store is the blob store contract. Keys are content-addresses or
// well-known markers (model.BlobStoreTransMarker).
type Store interface {
	Get(ctx context.Context, key ids.ID) ([]byte, bool, error)
	Assoc(ctx context.Context, key ids.ID, value []byte) error
}

// MapStore is an in-memory Store, used in tests and by cmd/stagectl
// when no durable backing database is configured.
type MapStore struct {
	mu   sync.RWMutex
	data map[ids.ID][]byte
}

// NewMapStore returns an empty in-memory store.
func NewMapStore() *MapStore {
	return &MapStore{data: make(map[ids.ID][]byte)}
}

// Get implements Store.
func (s *MapStore) Get(_ context.Context, key ids.ID) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Assoc implements Store.
func (s *MapStore) Assoc(_ context.Context, key ids.ID, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}
