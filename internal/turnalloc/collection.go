// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package turnalloc

import (
	"net/netip"
	"time"

	"github.com/firezone/client-core/internal/wire"
)

// staleRelayRingSize matches the original Rust source's
// AllocRingBuffer::with_capacity_power_of_2(6) (64 entries).
const staleRelayRingSize = 64

// UpsertResult reports what Upsert did, mirroring the original
// Allocations::upsert return value.
type UpsertResult int

const (
	UpsertAdded UpsertResult = iota
	UpsertSkipped
	UpsertReplaced
)

// Allocations is the per-gateway collection of TURN allocations, keyed
// by K (typically a gateway ID). It tracks relay servers that were
// recently in use but have since been torn down, so a late packet from
// one can be distinguished from a server this client never spoke to.
type Allocations[K comparable] struct {
	byID map[K]*Allocation

	staleRelays    []netip.Addr
	staleRelaysPos int
}

// NewAllocations creates an empty collection.
func NewAllocations[K comparable]() *Allocations[K] {
	return &Allocations[K]{byID: make(map[K]*Allocation)}
}

// IsEmpty reports whether no allocations are active.
func (a *Allocations[K]) IsEmpty() bool { return len(a.byID) == 0 }

// Get returns the allocation for id, if any.
func (a *Allocations[K]) Get(id K) (*Allocation, bool) {
	v, ok := a.byID[id]
	return v, ok
}

// Upsert inserts or replaces the allocation for id. Matching an
// existing allocation's server+credentials is a no-op (UpsertSkipped)
// so a repeated relay presence update doesn't tear down an established
// allocation and its channel bindings.
func (a *Allocations[K]) Upsert(id K, server netip.AddrPort, username, password, realm string) UpsertResult {
	existing, ok := a.byID[id]
	if !ok {
		a.byID[id] = NewAllocation(server, username, password, realm)
		return UpsertAdded
	}
	if existing.server == server && existing.username == username && existing.password == password {
		return UpsertSkipped
	}
	a.rememberStale(existing)
	a.byID[id] = NewAllocation(server, username, password, realm)
	return UpsertReplaced
}

// Remove tears down the allocation for id, remembering its relay
// address as stale.
func (a *Allocations[K]) Remove(id K) {
	existing, ok := a.byID[id]
	if !ok {
		return
	}
	a.rememberStale(existing)
	delete(a.byID, id)
}

// Clear tears down every allocation, remembering all their relay
// addresses as stale.
func (a *Allocations[K]) Clear() {
	for _, existing := range a.byID {
		a.rememberStale(existing)
	}
	a.byID = make(map[K]*Allocation)
}

// Stats aggregates the counters internal/metrics samples: the number
// of active allocations and the total channel bindings across all of
// them.
func (a *Allocations[K]) Stats() (allocations, channelBinds int) {
	for _, alloc := range a.byID {
		allocations++
		channelBinds += alloc.ChannelBindings()
	}
	return allocations, channelBinds
}

func (a *Allocations[K]) rememberStale(alloc *Allocation) {
	ip := alloc.server.Addr()
	if len(a.staleRelays) < staleRelayRingSize {
		a.staleRelays = append(a.staleRelays, ip)
		return
	}
	a.staleRelays[a.staleRelaysPos] = ip
	a.staleRelaysPos = (a.staleRelaysPos + 1) % staleRelayRingSize
}

// IsStaleRelay reports whether ip belonged to a relay this client was
// once allocated through but has since torn down — used to recognize
// a late packet from a disconnected relay rather than an unknown one.
func (a *Allocations[K]) IsStaleRelay(ip netip.Addr) bool {
	for _, s := range a.staleRelays {
		if s == ip {
			return true
		}
	}
	return false
}

// CandidatesForRelay returns the relay candidate (server-reflexive
// equivalent for TURN) for id's allocation, if it has one. The
// original's candidates_for_relay also merges in "shared" candidates
// observed across every allocation (distinct relay servers can expose
// the same server-reflexive mapping); this client has at most one
// relay server in practice so that merge collapses to this single
// lookup.
func (a *Allocations[K]) CandidatesForRelay(id K) (netip.AddrPort, bool) {
	alloc, ok := a.byID[id]
	if !ok {
		return netip.AddrPort{}, false
	}
	return alloc.RelayAddress()
}

// HandleTimeout drives every allocation's own HandleTimeout.
func (a *Allocations[K]) HandleTimeout(now time.Time) {
	for _, alloc := range a.byID {
		alloc.HandleTimeout(now)
	}
}

// HandleInput routes an inbound datagram to whichever allocation owns
// from's address. Returns the owning id and true if handled.
func (a *Allocations[K]) HandleInput(from netip.AddrPort, packet []byte, now time.Time) (K, bool) {
	for id, alloc := range a.byID {
		if alloc.HandleInput(from, packet, now) {
			return id, true
		}
	}
	var zero K
	return zero, false
}

// PollTransmit drains one buffered outbound datagram across every
// allocation, if any.
func (a *Allocations[K]) PollTransmit() (wire.Transmit, bool) {
	for _, alloc := range a.byID {
		if t, ok := alloc.PollTransmit(); ok {
			return t, true
		}
	}
	return wire.Transmit{}, false
}

// PollEvent drains one buffered Event across every allocation, if any.
func (a *Allocations[K]) PollEvent() (K, Event, bool) {
	for id, alloc := range a.byID {
		if e, ok := alloc.PollEvent(); ok {
			return id, e, true
		}
	}
	var zero K
	return zero, Event{}, false
}
