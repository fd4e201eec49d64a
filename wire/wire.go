// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire is the peer channel plumbing for the staging engine
// (spec §6 "Peer wire protocol"): a typed, topic-tagged message
// envelope and an in-process transport, grounded on
// networking/sender/sender.go's minimal per-operation send interface
// and networking/router/chain_router.go's (ctx, nodeID, requestID,
// msg) method shapes, collapsed to a single generic envelope/channel
// pair since a real p2p transport is an external collaborator the
// spec only specifies the wire contract for (§6).
package wire

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/stage/model"
)

// Topic tags the kind of a wire message (spec §6 protocol table).
type Topic string

const (
	TopicConnect       Topic = "connect"
	TopicConnected     Topic = "connected"
	TopicMetaSub       Topic = "meta-sub"
	TopicMetaSubed     Topic = "meta-subed"
	TopicMetaPubReq    Topic = "meta-pub-req"
	TopicMetaPub       Topic = "meta-pub"
	TopicMetaPubed     Topic = "meta-pubed"
	TopicFetch         Topic = "fetch"
	TopicFetched       Topic = "fetched"
	TopicBinaryFetch   Topic = "binary-fetch"
	TopicBinaryFetched Topic = "binary-fetched"
)

// RepoMetas is the `user -> repo-id -> RepoMeta` shape exchanged in
// meta-sub/meta-pub-req/meta-pub messages. :meta-sub and :meta-pub-req
// use only its keys (the RepoMeta values are zero); :meta-pub carries
// the metadata itself. Both uses travel in Envelope.Metas and are told
// apart by Topic.
type RepoMetas map[string]map[ids.ID]model.RepoMeta

// Envelope is the tagged-union wire message (spec §9 "A tagged-union
// message type replaces the topic keyword dispatch"). Only the fields
// relevant to Topic are populated; the rest are the zero value.
type Envelope struct {
	Topic Topic
	Peer  ids.NodeID

	URL string // :connect, :connected

	Metas RepoMetas // :meta-sub, :meta-pub-req, :meta-pub (subs-as-meta projection)

	IDs []ids.ID // :fetch, :binary-fetch (requested content-addresses)

	Values map[ids.ID][]byte // :fetched (batch reply)

	ID    ids.ID // :binary-fetched (single id this reply answers)
	Value []byte // :binary-fetched
}

// Peer is the transport a stage speaks to: a bidirectional channel
// pair, following networking/sender/sender.go's shape of one
// method-per-direction rather than a generic socket abstraction.
type Peer interface {
	// Send delivers env to the remote side.
	Send(env Envelope) error
	// Inbound returns the channel of messages arriving from the remote
	// side. Closed when the peer disconnects.
	Inbound() <-chan Envelope
}

// ChanPeer is an in-process Peer backed by Go channels, used for tests
// and for a single-process loopback (cmd/stagectl's default mode).
// Two ChanPeers wired with WireLoopback form a full duplex pair.
type ChanPeer struct {
	out chan<- Envelope
	in  <-chan Envelope
}

// WireLoopback returns two ChanPeers whose outbound channel is the
// other's inbound channel, forming an in-process full-duplex pair.
func WireLoopback(buffer int) (a, b *ChanPeer) {
	ab := make(chan Envelope, buffer)
	ba := make(chan Envelope, buffer)
	a = &ChanPeer{out: ab, in: ba}
	b = &ChanPeer{out: ba, in: ab}
	return a, b
}

// Send implements Peer.
func (p *ChanPeer) Send(env Envelope) error {
	p.out <- env
	return nil
}

// Inbound implements Peer.
func (p *ChanPeer) Inbound() <-chan Envelope {
	return p.in
}

// Close closes the outbound side, so the remote's Inbound channel
// observes a clean close (spec §5 "tasks suspended on a closed channel
// must terminate cleanly").
func (p *ChanPeer) Close() {
	close(p.out)
}
