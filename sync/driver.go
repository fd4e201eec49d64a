// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package sync implements SyncDriver (spec §4.5): publishing metadata
// updates to a peer, servicing its fetch/binary-fetch requests
// concurrently, and awaiting a :meta-pubed acknowledgement with a
// logged, non-fatal timeout. Grounded on
// networking/router/chain_router.go's (ctx, ...) error-returning
// handler methods and networking/timeout/manager.go's
// duration-parameterized timeout shape.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/stage/config"
	"github.com/luxfi/stage/wire"
)

// Driver implements sync!(stage_snapshot, metas).
type Driver struct {
	log    log.Logger
	params config.Parameters
}

// NewDriver returns a Driver that logs via logger and uses params'
// AckTimeout (spec §4.5 step 6, default 10s).
func NewDriver(logger log.Logger, params config.Parameters) *Driver {
	return &Driver{log: logger, params: params}
}

// Sync runs one publish/fetch/ack round with peer (spec §4.5).
// metaPubs is the caller's already-filtered projection of repo
// metadata for every (u,r) whose last op is :meta-pub or :meta-sub
// (step 3 — StageState ownership stays with the caller); newValues is
// the union of stage[u][r].new-values[b] for every (u,r,b) ∈ metas
// (step 2), served to satisfy inbound :fetch/:binary-fetch. Sync never
// fails on an ack timeout: it logs a warning and keeps waiting (spec
// §7 AckTimeout is informational only).
func (d *Driver) Sync(ctx context.Context, peer wire.Peer, stageID ids.NodeID, metaPubs wire.RepoMetas, newValues map[ids.ID][]byte) error {
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	acked := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(serveCtx)

	// Step 1: subscribe (start reading inbound) before publishing, so
	// the ordering guarantee holds — our :meta-pub cannot race a
	// reply the peer sends back before we're listening.
	g.Go(func() error {
		return d.serve(gctx, peer, stageID, newValues, acked)
	})

	// Steps 3-4.
	if len(metaPubs) > 0 {
		if err := peer.Send(wire.Envelope{Topic: wire.TopicMetaPub, Peer: stageID, Metas: metaPubs}); err != nil {
			cancelServe()
			_ = g.Wait()
			return err
		}
	}

	// Step 6.
	d.awaitAck(ctx, acked)

	// Step 7: stop servicing fetch/binary-fetch.
	cancelServe()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Driver) awaitAck(ctx context.Context, acked <-chan struct{}) {
	timer := time.NewTimer(d.params.AckTimeout)
	defer timer.Stop()

	select {
	case <-acked:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
		d.log.Warn("No meta-pubed ack received after 10 secs. Continue waiting...")
	}

	select {
	case <-acked:
	case <-ctx.Done():
	}
}

// serve answers inbound :fetch/:binary-fetch and signals acked on
// :meta-pubed, until ctx is done or peer's inbound channel closes
// (spec §4.5 step 5, §5 "tasks suspended on a closed channel must
// terminate cleanly").
func (d *Driver) serve(ctx context.Context, peer wire.Peer, stageID ids.NodeID, newValues map[ids.ID][]byte, acked chan<- struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-peer.Inbound():
			if !ok {
				return nil
			}
			if err := d.handle(peer, stageID, newValues, acked, env); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) handle(peer wire.Peer, stageID ids.NodeID, newValues map[ids.ID][]byte, acked chan<- struct{}, env wire.Envelope) error {
	switch env.Topic {
	case wire.TopicMetaPubed:
		select {
		case acked <- struct{}{}:
		default:
		}
		return nil

	case wire.TopicFetch:
		values := make(map[ids.ID][]byte, len(env.IDs))
		for _, id := range env.IDs {
			if v, ok := newValues[id]; ok {
				values[id] = v
			}
		}
		return peer.Send(wire.Envelope{Topic: wire.TopicFetched, Peer: stageID, Values: values})

	case wire.TopicBinaryFetch:
		for _, id := range env.IDs {
			v, ok := newValues[id]
			if !ok {
				continue
			}
			if err := peer.Send(wire.Envelope{Topic: wire.TopicBinaryFetched, Peer: stageID, ID: id, Value: v}); err != nil {
				return err
			}
		}
		return nil

	default:
		return nil
	}
}
