// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package connpool is the composition root over internal/stunbinding,
// internal/turnalloc, internal/iceagent, and internal/noise: per
// spec.md §4.6 it owns every STUN binding, every TURN allocation, and
// one ICE agent plus one noise session per gateway, keyed by
// internal/ids.GatewayId. Like every component it wraps, the pool is
// sans-IO: HandleTimeout/PollTransmit/PollEvent/Encapsulate/Decapsulate
// is its entire surface, with Encapsulate/Decapsulate the two hot
// calls a caller drives once per packet rather than through polling.
package connpool

import (
	"math/rand"
	"net/netip"

	"github.com/firezone/client-core/internal/iceagent"
	"github.com/firezone/client-core/internal/ids"
	"github.com/firezone/client-core/internal/noise"
	"github.com/firezone/client-core/internal/stunbinding"
	"github.com/firezone/client-core/internal/turnalloc"
	"github.com/firezone/client-core/internal/wire"
)

type peer struct {
	ice     *iceagent.Agent
	session *noise.Session

	// wasNominated/wasEstablished latch the events already reported to
	// the caller, so a steady-state connected peer doesn't re-emit
	// Connected on every poll.
	wasNominated   bool
	wasEstablished bool
}

// Pool is the per-client composition root described above. It is not
// safe for concurrent use; internal/eventloop drives it from a single
// goroutine.
type Pool struct {
	stunServers []*stunbinding.Binding
	relays      *turnalloc.Allocations[ids.RelayId]

	// relayOwner maps a gathered relay candidate's transport address
	// back to the allocation it came from, so Encapsulate/queued noise
	// writes know which allocation to frame channel data through.
	relayOwner map[netip.AddrPort]ids.RelayId

	hostCandidates []iceagent.Candidate
	peers          map[ids.GatewayId]*peer

	transmits []wire.Transmit
	events    []Event
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		relays:     turnalloc.NewAllocations[ids.RelayId](),
		relayOwner: make(map[netip.AddrPort]ids.RelayId),
		peers:      make(map[ids.GatewayId]*peer),
	}
}

// AddSTUNServer registers a STUN server this pool gathers a
// server-reflexive candidate from, shared across every peer.
func (p *Pool) AddSTUNServer(server netip.AddrPort) {
	p.stunServers = append(p.stunServers, stunbinding.New(server))
}

// STUNBindingStates returns every STUN server's current binding state,
// keyed by server address, for internal/metrics to sample into
// Registry.StunBindingState.
func (p *Pool) STUNBindingStates() map[string]string {
	out := make(map[string]string, len(p.stunServers))
	for _, b := range p.stunServers {
		out[b.Server().String()] = b.State()
	}
	return out
}

// TurnStats reports the active TURN allocation and channel-binding
// counts for internal/metrics to sample into TurnAllocations/TurnChannelBinds.
func (p *Pool) TurnStats() (allocations, channelBinds int) {
	return p.relays.Stats()
}

// ResetSTUNBindings re-arms every STUN binding that has reached its
// terminal Failed state, so a session-wide reset gives a server that
// exhausted its retry backoff a fresh chance to respond.
func (p *Pool) ResetSTUNBindings() {
	for _, b := range p.stunServers {
		b.Reset()
	}
}

// AddHostCandidate registers a local socket address (typically one per
// bound UDP socket family) as a host candidate for every current and
// future peer.
func (p *Pool) AddHostCandidate(addr netip.AddrPort) {
	c := iceagent.NewCandidate(iceagent.CandidateHost, addr)
	p.hostCandidates = append(p.hostCandidates, c)
	for _, pr := range p.peers {
		pr.ice.AddLocalCandidate(c)
	}
}

// UpsertRelay adds or refreshes a TURN allocation against server,
// mirroring a Portal RelaysPresence update.
func (p *Pool) UpsertRelay(id ids.RelayId, server netip.AddrPort, username, password, realm string) {
	p.relays.Upsert(id, server, username, password, realm)
}

// RemoveRelay tears down the allocation for id, e.g. on a Portal
// RelaysPresence departure.
func (p *Pool) RemoveRelay(id ids.RelayId) {
	p.relays.Remove(id)
}

// EnsurePeer creates (or returns the existing) per-gateway state: an
// ICE agent in the given role plus a noise session toward
// remoteStatic. Every already-known host/server-reflexive/relay
// candidate is seeded onto the new agent immediately.
func (p *Pool) EnsurePeer(gw ids.GatewayId, localStatic noise.PrivateKey, remoteStatic noise.PublicKey, psk noise.PresharedKey, controlling bool) (*iceagent.Agent, error) {
	if existing, ok := p.peers[gw]; ok {
		return existing.ice, nil
	}
	session, err := noise.NewSession(localStatic, remoteStatic, psk)
	if err != nil {
		return nil, err
	}
	agent := iceagent.New(randomUfrag(), randomUfrag(), controlling)
	for _, c := range p.hostCandidates {
		agent.AddLocalCandidate(c)
	}
	p.peers[gw] = &peer{ice: agent, session: session}
	return agent, nil
}

// RemovePeer discards a gateway's ICE agent and noise session, e.g.
// once its flow is evicted.
func (p *Pool) RemovePeer(gw ids.GatewayId) {
	delete(p.peers, gw)
}

// SetRemoteICECredentials installs the peer's ICE ufrag/password, as
// learned from CreateFlowOk.
func (p *Pool) SetRemoteICECredentials(gw ids.GatewayId, ufrag, pwd string) {
	if pr, ok := p.peers[gw]; ok {
		pr.ice.SetRemoteCredentials(ufrag, pwd)
	}
}

// AddRemoteCandidate registers a candidate the Portal relayed from the
// gateway.
func (p *Pool) AddRemoteCandidate(gw ids.GatewayId, c iceagent.Candidate) {
	if pr, ok := p.peers[gw]; ok {
		pr.ice.AddRemoteCandidate(c)
	}
}

// RemoveRemoteCandidate drops an invalidated remote candidate.
func (p *Pool) RemoveRemoteCandidate(gw ids.GatewayId, addr netip.AddrPort) {
	if pr, ok := p.peers[gw]; ok {
		pr.ice.RemoveRemoteCandidate(addr)
	}
}

// IsEstablished reports whether gw has a nominated ICE pair and
// completed noise handshake.
func (p *Pool) IsEstablished(gw ids.GatewayId) bool {
	pr, ok := p.peers[gw]
	if !ok {
		return false
	}
	_, _, nominated := pr.ice.NominatedPair()
	return nominated && pr.session.HasTransportKeys()
}

func randomUfrag() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var b [16]byte
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b[:])
}

// PollTransmit drains one buffered outbound datagram, in priority
// order: STUN/TURN bookkeeping, then per-peer ICE checks, then
// noise-timer-originated handshake/keepalive traffic. User data
// packets never queue here — Encapsulate hands its Transmit back
// directly on the hot path.
func (p *Pool) PollTransmit() (wire.Transmit, bool) {
	for _, b := range p.stunServers {
		if t, ok := b.PollTransmit(); ok {
			return t, true
		}
	}
	if t, ok := p.relays.PollTransmit(); ok {
		return t, true
	}
	for _, pr := range p.peers {
		if t, ok := pr.ice.PollTransmit(); ok {
			return t, true
		}
	}
	if len(p.transmits) == 0 {
		return wire.Transmit{}, false
	}
	t := p.transmits[0]
	p.transmits = p.transmits[1:]
	return t, true
}

// PollEvent drains one buffered Event, if any.
func (p *Pool) PollEvent() (Event, bool) {
	if len(p.events) == 0 {
		return Event{}, false
	}
	e := p.events[0]
	p.events = p.events[1:]
	return e, true
}
