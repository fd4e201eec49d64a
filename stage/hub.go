// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stage

import (
	"context"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/stage/stageloop"
	"github.com/luxfi/stage/wire"
)

// hub multiplexes the single physical peer.Inbound() stream across
// StageLoop's permanent :meta-pub subscription and any number of
// transient SyncDriver/connect/subscribe waiters. The reference
// protocol (§4.5 step 1, "subscribe to the inbound topics") describes a
// topic subscription, not exclusive channel ownership, so this
// reproduces that as a small broadcast fan-out rather than handing the
// one Go channel to a single reader.
type hub struct {
	peer    wire.Peer
	loop    *stageloop.Loop
	stageID ids.NodeID
	log     log.Logger

	mu   sync.Mutex
	subs map[wire.Topic][]chan wire.Envelope
}

func newHub(peer wire.Peer, loop *stageloop.Loop, stageID ids.NodeID, logger log.Logger) *hub {
	return &hub{
		peer:    peer,
		loop:    loop,
		stageID: stageID,
		log:     logger,
		subs:    make(map[wire.Topic][]chan wire.Envelope),
	}
}

// run reads peer.Inbound() until ctx is done or the channel closes
// (spec §5 "tasks suspended on a closed channel must terminate
// cleanly").
func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-h.peer.Inbound():
			if !ok {
				return
			}
			h.dispatch(ctx, env)
		}
	}
}

func (h *hub) dispatch(ctx context.Context, env wire.Envelope) {
	if env.Topic == wire.TopicMetaPub {
		if err := h.loop.HandleMetaPub(ctx, h.peer, h.stageID, env); err != nil {
			h.log.Warn("stage: failed handling inbound meta-pub", "error", err)
		}
		return
	}

	h.mu.Lock()
	subs := append([]chan wire.Envelope(nil), h.subs[env.Topic]...)
	h.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- env:
		default:
		}
	}
}

// subscribe registers a channel fed with every future envelope whose
// topic is in topics, until the returned cancel func runs.
func (h *hub) subscribe(topics ...wire.Topic) (<-chan wire.Envelope, func()) {
	ch := make(chan wire.Envelope, 16)
	h.mu.Lock()
	for _, t := range topics {
		h.subs[t] = append(h.subs[t], ch)
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, t := range topics {
			h.subs[t] = removeChan(h.subs[t], ch)
		}
	}
	return ch, cancel
}

func removeChan(chans []chan wire.Envelope, target chan wire.Envelope) []chan wire.Envelope {
	out := make([]chan wire.Envelope, 0, len(chans))
	for _, c := range chans {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// hubPeer adapts a hub subscription into a wire.Peer so SyncDriver can
// read its acks/fetch requests off a dedicated channel instead of
// racing the hub's own reader for the raw peer.Inbound().
type hubPeer struct {
	real wire.Peer
	in   <-chan wire.Envelope
}

func (p *hubPeer) Send(env wire.Envelope) error  { return p.real.Send(env) }
func (p *hubPeer) Inbound() <-chan wire.Envelope { return p.in }

// waitFor blocks until an envelope on ch satisfies match, or ctx ends.
func waitFor(ctx context.Context, ch <-chan wire.Envelope, match func(wire.Envelope) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			if match(env) {
				return nil
			}
		}
	}
}
