// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"errors"
	"time"
)

// Error variables for parameter validation
var (
	ErrParametersInvalid   = errors.New("stage: invalid parameters")
	ErrInvalidAckTimeout   = errors.New("stage: ack timeout must be > 0")
	ErrInvalidPollInterval = errors.New("stage: poll interval must be > 0")
	ErrInvalidCacheSize    = errors.New("stage: cache size must be >= 0")
)

// Parameters are the staging engine's tunable knobs.
type Parameters struct {
	// AckTimeout is how long SyncDriver waits for a :meta-pubed ack
	// before logging a warning and continuing to wait (spec §4.5 step 6).
	AckTimeout time.Duration

	// PollInterval is how often subscribe_repos polls for every
	// subscribed key to appear in the stage (spec §4.8 subscribe_repos).
	PollInterval time.Duration

	// CommitValueCacheSize bounds the CommitValueCache by LRU; 0 selects
	// the cache's default bound of 1<<20 entries (see cache.New).
	CommitValueCacheSize int
}

// DefaultParams returns the parameters implied by spec §4.5/§4.8's
// default timings: a 10-second ack timeout and a 100ms subscribe poll.
func DefaultParams() Parameters {
	return Parameters{
		AckTimeout:           10 * time.Second,
		PollInterval:         100 * time.Millisecond,
		CommitValueCacheSize: 0,
	}
}

// LocalParams shortens the timings for local development and tests,
// following the teacher's Mainnet/Testnet/Local preset convention.
func LocalParams() Parameters {
	return Parameters{
		AckTimeout:           2 * time.Second,
		PollInterval:         10 * time.Millisecond,
		CommitValueCacheSize: 1024,
	}
}

// Validate checks p for internal consistency.
func (p Parameters) Validate() error {
	if p.AckTimeout <= 0 {
		return ErrInvalidAckTimeout
	}
	if p.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if p.CommitValueCacheSize < 0 {
		return ErrInvalidCacheSize
	}
	return nil
}
