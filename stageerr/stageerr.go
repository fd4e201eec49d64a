// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stageerr holds the error kinds the staging engine surfaces to
// callers (spec §7), grounded on the typed-error-alongside-sentinels
// pattern in config/errors.go and types/errors.go.
package stageerr

import (
	"errors"
	"fmt"

	"github.com/luxfi/ids"

	"github.com/luxfi/stage/model"
)

// ErrAckTimeout is informational only: sync logs a warning and keeps
// waiting (spec §4.5 step 6, §7).
var ErrAckTimeout = errors.New("stage: no meta-pubed ack received")

// MultipleBranchHeadsError is returned by branch_value when the branch
// has more than one head; the caller must route through ConflictSummarizer.
type MultipleBranchHeadsError struct {
	Meta   model.RepoMeta
	Branch string
}

func (e *MultipleBranchHeadsError) Error() string {
	return fmt.Sprintf("stage: branch %q of repo %s has multiple heads", e.Branch, e.Meta.ID)
}

// MissingConflictForSummaryError is returned by summarize_conflict when
// called on a branch that is not in conflict.
type MissingConflictForSummaryError struct {
	Meta   model.RepoMeta
	Branch string
}

func (e *MissingConflictForSummaryError) Error() string {
	return fmt.Sprintf("stage: branch %q of repo %s is not in conflict", e.Branch, e.Meta.ID)
}

// ForkingImpossibleError is returned by fork when the local user already
// holds repo ID.
type ForkingImpossibleError struct {
	User   string
	RepoID ids.ID
}

func (e *ForkingImpossibleError) Error() string {
	return fmt.Sprintf("stage: user %q already holds repo %s, forking impossible", e.User, e.RepoID)
}

// RepoAlreadyExistsError is returned by install_repo when the target
// (user, repo) slot is already populated (spec §4.6).
type RepoAlreadyExistsError struct {
	User   string
	RepoID ids.ID
}

func (e *RepoAlreadyExistsError) Error() string {
	return fmt.Sprintf("stage: user %q already has repo %s", e.User, e.RepoID)
}

// NonSingularLCAError is returned by ConflictSummarizer when the LCA cut
// does not have exactly one member (it is empty, or has several and the
// caller has not opted into using them all), per OQ2, resolved as
// reject-by-default.
type NonSingularLCAError struct {
	Cut []ids.ID
}

func (e *NonSingularLCAError) Error() string {
	return fmt.Sprintf("stage: non-singular LCA cut with %d members", len(e.Cut))
}
