// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package connpool

import (
	"net/netip"
	"time"

	"github.com/firezone/client-core/internal/iceagent"
	"github.com/firezone/client-core/internal/ids"
	"github.com/firezone/client-core/internal/noise"
	"github.com/firezone/client-core/internal/turnalloc"
	"github.com/firezone/client-core/internal/wire"
)

// DemuxKind tags what Decapsulate did with an inbound datagram.
type DemuxKind int

const (
	// DemuxForPeer means Plaintext is application data decapsulated
	// from Gateway's noise session; write it to the TUN.
	DemuxForPeer DemuxKind = iota
	// DemuxHandled means the datagram was STUN/TURN/ICE bookkeeping or
	// a noise handshake message; nothing further to do.
	DemuxHandled
	// DemuxDrop means the datagram matched no owned component.
	DemuxDrop
)

// Demuxed is the result of one Decapsulate call.
type Demuxed struct {
	Kind      DemuxKind
	Gateway   ids.GatewayId
	Plaintext []byte
}

// Encapsulate is the single hot call per outbound packet: it AEAD-seals
// plaintext for gw's established noise session and returns the
// Transmit to send. It returns false if gw is unknown or its ICE pair
// hasn't nominated yet — the caller (scheduler) should instead buffer
// the packet in its own pending-flow queue.
func (p *Pool) Encapsulate(gw ids.GatewayId, plaintext []byte, now time.Time) (wire.Transmit, bool) {
	pr, ok := p.peers[gw]
	if !ok {
		return wire.Transmit{}, false
	}
	local, remote, ok := pr.ice.NominatedCandidates()
	if !ok {
		return wire.Transmit{}, false
	}
	res := pr.session.Encapsulate(plaintext, now)
	switch res.Kind {
	case noise.ResultWrite, noise.ResultHandshakeInitiation:
		return p.wrapTransmit(local, remote, res.Bytes)
	default:
		return wire.Transmit{}, false
	}
}

// wrapTransmit addresses payload from local to remote, framing it as
// TURN ChannelData if local is a relay candidate — this pool is the
// only component that ever allocates that 4-byte frame.
func (p *Pool) wrapTransmit(local, remote iceagent.Candidate, payload []byte) (wire.Transmit, bool) {
	if local.Type != iceagent.CandidateRelay {
		return wire.Transmit{Src: local.Addr, Dst: remote.Addr, Payload: payload}, true
	}
	relayID, ok := p.relayOwner[local.Addr]
	if !ok {
		return wire.Transmit{}, false
	}
	alloc, ok := p.relays.Get(relayID)
	if !ok {
		return wire.Transmit{}, false
	}
	alloc.EnsurePeer(remote.Addr)
	return alloc.SendToPeer(remote.Addr, payload)
}

// Decapsulate processes one inbound datagram received at local socket
// to from peer address from. It demultiplexes by source/content across
// every owned STUN binding, TURN allocation, and per-peer ICE agent
// and noise session before concluding the datagram matches nothing
// this pool owns.
func (p *Pool) Decapsulate(from, to netip.AddrPort, packet []byte, now time.Time) Demuxed {
	_ = to // local socket identity; every owned component currently keys only on peer/server address

	for _, b := range p.stunServers {
		if b.HandleInput(from, packet, now) {
			return Demuxed{Kind: DemuxHandled}
		}
	}

	if relayID, ok := p.relays.HandleInput(from, packet, now); ok {
		return p.handleRelayHandled(relayID, now)
	}

	return p.dispatchPeerPacket(from, packet, now)
}

// handleRelayHandled drains events a just-handled relay HandleInput
// call produced. A ChannelData frame yields exactly one Data event,
// which is unwrapped and redispatched as if it had arrived directly
// from the peer; this is what the returned Demuxed describes. Any
// Candidate/Failed events drained alongside it are translated into
// pool-level Events instead.
func (p *Pool) handleRelayHandled(relayID ids.RelayId, now time.Time) Demuxed {
	result := Demuxed{Kind: DemuxHandled}
	for {
		id, e, ok := p.relays.PollEvent()
		if !ok {
			return result
		}
		if e.HasData {
			result = p.dispatchPeerPacket(e.Peer, e.Data, now)
			continue
		}
		p.applyRelayEvent(id, e)
	}
}

// applyRelayEvent translates a turnalloc Event that isn't peer data
// (a gathered candidate or an allocation failure) into a pool Event.
func (p *Pool) applyRelayEvent(id ids.RelayId, e turnalloc.Event) {
	switch {
	case e.HasCandidate:
		c := iceagent.NewCandidate(iceagent.CandidateRelay, e.Candidate)
		p.relayOwner[c.Addr] = id
		p.hostCandidates = append(p.hostCandidates, c)
		for _, pr := range p.peers {
			pr.ice.AddLocalCandidate(c)
		}
		p.events = append(p.events, Event{Kind: EventLocalCandidate, Candidate: c})
	case e.Failed:
		p.events = append(p.events, Event{Kind: EventRelayFailed})
	}
}

// dispatchPeerPacket routes a datagram known to originate from a peer
// address (whether received directly over UDP or unwrapped from a
// TURN ChannelData frame) to whichever gateway's ICE agent or noise
// session recognizes it.
func (p *Pool) dispatchPeerPacket(from netip.AddrPort, packet []byte, now time.Time) Demuxed {
	for _, pr := range p.peers {
		if pr.ice.HandleInput(from, packet, now) {
			return Demuxed{Kind: DemuxHandled}
		}
	}

	for gw, pr := range p.peers {
		if _, remote, ok := pr.ice.NominatedCandidates(); ok && remote.Addr == from {
			return p.dispatchNoise(gw, pr, packet, now)
		}
	}

	return Demuxed{Kind: DemuxDrop}
}

// dispatchNoise feeds packet to gw's session, trying it first as a
// handshake message (initiation/response) and falling back to a
// transport (encrypted data) message. The two share one leading
// type-tag byte, so a failed handshake-message decode (the tag isn't
// 1 or 2) is the correct, harmless signal to retry as transport.
func (p *Pool) dispatchNoise(gw ids.GatewayId, pr *peer, packet []byte, now time.Time) Demuxed {
	res := pr.session.HandleHandshakeMessage(packet, now)
	if res.Kind != noise.ResultErr || res.Err != noise.ErrHandshakeFailed {
		p.queueNoiseResult(pr, res)
		p.checkEstablished(gw, pr)
		return Demuxed{Kind: DemuxHandled}
	}

	res = pr.session.Decapsulate(packet, now)
	switch res.Kind {
	case noise.ResultWrite:
		return Demuxed{Kind: DemuxForPeer, Gateway: gw, Plaintext: res.Bytes}
	case noise.ResultDone:
		return Demuxed{Kind: DemuxHandled} // keepalive
	default:
		return Demuxed{Kind: DemuxDrop}
	}
}

// queueNoiseResult turns a Result carrying bytes to send (a handshake
// response/initiation, or a keepalive) into a queued Transmit over
// pr's nominated pair. It is a no-op before nomination: the session
// keeps retrying on its own RekeyTimeout.
func (p *Pool) queueNoiseResult(pr *peer, res noise.Result) {
	if res.Kind != noise.ResultWrite && res.Kind != noise.ResultHandshakeInitiation {
		return
	}
	local, remote, ok := pr.ice.NominatedCandidates()
	if !ok {
		return
	}
	if t, ok := p.wrapTransmit(local, remote, res.Bytes); ok {
		p.transmits = append(p.transmits, t)
	}
}
