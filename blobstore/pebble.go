// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blobstore

import (
	"context"
	"errors"

	"github.com/luxfi/database"
	"github.com/luxfi/ids"
)

// DatabaseStore adapts a github.com/luxfi/database.Database (typically
// pebble-backed, per engine/graph/state/state.go's NewSerializer) into
// the content-addressed Store contract, giving cmd/stagectl a durable
// backing store without the module depending on pebble directly
// anywhere except through luxfi/database.
type DatabaseStore struct {
	db database.Database
}

// NewDatabaseStore wraps db as a content-addressed Store.
func NewDatabaseStore(db database.Database) *DatabaseStore {
	return &DatabaseStore{db: db}
}

// Get implements Store.
func (s *DatabaseStore) Get(_ context.Context, key ids.ID) ([]byte, bool, error) {
	v, err := s.db.Get(key[:])
	if errors.Is(err, database.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Assoc implements Store.
func (s *DatabaseStore) Assoc(_ context.Context, key ids.ID, value []byte) error {
	return s.db.Put(key[:], value)
}
