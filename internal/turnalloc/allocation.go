// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package turnalloc is a sans-IO TURN (RFC 5766) client: it speaks the
// Allocate/Refresh/ChannelBind exchange against one relay server (no
// separate CreatePermission request is sent) and tracks the resulting
// channel bindings, without ever
// owning a socket. Grounded on the original client's
// connlib/snownet/src/node/allocations.rs for the multi-allocation
// collection shape (stale-relay-address ring, candidates_for_relay,
// idempotent upsert); the per-allocation protocol state machine below
// follows RFC 5766 directly since the original's single-allocation
// internals weren't in the retrieved sample.
package turnalloc

import (
	"net/netip"
	"time"

	"github.com/pion/stun"

	"github.com/firezone/client-core/internal/wire"
)

// AllocationLifetime is the lifetime requested on Allocate/Refresh;
// renewed once RefreshFraction of it has elapsed.
const AllocationLifetime = 10 * time.Minute

// RefreshFraction is how far into a lifetime this client renews —
// 80%, leaving margin for a lost refresh and round-trip time before
// the server actually expires the allocation/binding/permission.
const RefreshFraction = 0.8

// ChannelBindLifetime is fixed by RFC 5766 §11 at 10 minutes,
// regardless of the allocation's own lifetime.
const ChannelBindLifetime = 10 * time.Minute

// PermissionLifetime is fixed by RFC 5766 §9 at 5 minutes.
const PermissionLifetime = 5 * time.Minute

type allocationState int

const (
	stateUnallocated allocationState = iota
	stateAllocating
	stateAllocated
	stateFailed
)

// Event is something a Collection consumer needs to react to:
// candidate availability, a channel-data payload from a peer, or
// allocation failure.
type Event struct {
	// Candidate is set when the relay address becomes known.
	Candidate  netip.AddrPort
	HasCandidate bool

	// Peer/Data are set when a ChannelData message arrived from Peer.
	Peer    netip.AddrPort
	Data    []byte
	HasData bool

	// Failed is set if the allocation could not be established.
	Failed bool
}

// Allocation is a single TURN relay allocation's client-side state
// machine.
type Allocation struct {
	server   netip.AddrPort
	username string
	password string
	realm    string

	state      allocationState
	requestID  stun.TransactionID
	lastAction time.Time // when the last Allocate/Refresh was sent/confirmed

	relayAddr    netip.AddrPort
	nonce        []byte

	channels map[netip.AddrPort]*channelBinding
	nextChan uint16

	transmits []wire.Transmit
	events    []Event
}

type channelBinding struct {
	number     uint16
	peer       netip.AddrPort
	bound      bool
	lastBindAt time.Time
	pendingID  stun.TransactionID
	hasPending bool
}

// firstChannelNumber is RFC 5766 §11's reserved range floor.
const firstChannelNumber = 0x4000

// TURN method codes (RFC 5766 §13). pion/stun only defines the base
// RFC 5389 Binding method, so these are declared locally the same way
// the TURN-specific attributes in attrs.go are.
const (
	methodAllocate    stun.Method = 0x0003
	methodRefresh     stun.Method = 0x0004
	methodChannelBind stun.Method = 0x0009
)

// NewAllocation begins a TURN allocation against server with the
// given long-term credentials. The credentials are stored for
// Allocations.Upsert to compare; the requests carry no USERNAME or
// MESSAGE-INTEGRITY attribute. Nothing is sent until HandleTimeout.
func NewAllocation(server netip.AddrPort, username, password, realm string) *Allocation {
	return &Allocation{
		server:   server,
		username: username,
		password: password,
		realm:    realm,
		state:    stateUnallocated,
		channels: make(map[netip.AddrPort]*channelBinding),
		nextChan: firstChannelNumber,
	}
}

// Server returns the relay server this allocation targets.
func (a *Allocation) Server() netip.AddrPort { return a.server }

// RelayAddress returns the allocated relay transport address, once known.
func (a *Allocation) RelayAddress() (netip.AddrPort, bool) {
	return a.relayAddr, a.state == stateAllocated
}

// State reports a human-readable state name for metrics/logging.
func (a *Allocation) State() string {
	switch a.state {
	case stateUnallocated:
		return "unallocated"
	case stateAllocating:
		return "allocating"
	case stateAllocated:
		return "allocated"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChannelBindings returns the number of active (bound) channel bindings.
func (a *Allocation) ChannelBindings() int {
	n := 0
	for _, c := range a.channels {
		if c.bound {
			n++
		}
	}
	return n
}

// EnsurePeer registers peer for relaying, assigning it a channel
// number if one doesn't already exist. The actual ChannelBind request
// is sent on the next HandleTimeout once the allocation itself is
// established.
func (a *Allocation) EnsurePeer(peer netip.AddrPort) {
	if _, ok := a.channels[peer]; ok {
		return
	}
	a.channels[peer] = &channelBinding{number: a.nextChan, peer: peer}
	a.nextChan++
}

// ChannelFor returns the channel number assigned to peer, if any.
func (a *Allocation) ChannelFor(peer netip.AddrPort) (uint16, bool) {
	c, ok := a.channels[peer]
	if !ok {
		return 0, false
	}
	return c.number, true
}

// HandleInput processes a datagram from from. It returns false if the
// packet wasn't from this allocation's server, or wasn't recognized
// as either a STUN response or a TURN ChannelData frame.
func (a *Allocation) HandleInput(from netip.AddrPort, packet []byte, now time.Time) bool {
	if from != a.server {
		return false
	}

	if len(packet) >= 4 && packet[0]>>6 == 0b01 {
		return a.handleChannelData(packet)
	}

	msg := new(stun.Message)
	msg.Raw = append(msg.Raw[:0], packet...)
	if err := msg.Decode(); err != nil {
		return false
	}
	return a.handleSTUN(msg, now)
}

func (a *Allocation) handleChannelData(packet []byte) bool {
	number := uint16(packet[0])<<8 | uint16(packet[1])
	length := int(uint16(packet[2])<<8 | uint16(packet[3]))
	if 4+length > len(packet) {
		return false
	}
	for _, c := range a.channels {
		if c.number == number {
			a.events = append(a.events, Event{Peer: c.peer, Data: packet[4 : 4+length], HasData: true})
			return true
		}
	}
	return false
}

func (a *Allocation) handleSTUN(msg *stun.Message, now time.Time) bool {
	switch a.state {
	case stateAllocating:
		if msg.TransactionID != a.requestID {
			return false
		}
		if msg.Type.Class == stun.ClassErrorResponse {
			a.state = stateFailed
			a.events = append(a.events, Event{Failed: true})
			return true
		}
		relay, ok := getXorAddress(msg, attrXorRelayedAddress)
		if !ok {
			a.state = stateFailed
			a.events = append(a.events, Event{Failed: true})
			return true
		}
		a.relayAddr = relay
		a.state = stateAllocated
		a.lastAction = now
		a.events = append(a.events, Event{Candidate: relay, HasCandidate: true})
		return true
	case stateAllocated:
		if msg.Type.Class == stun.ClassSuccessResponse || msg.Type.Class == stun.ClassErrorResponse {
			if sec, ok := getLifetime(msg); ok && msg.Type.Method == methodRefresh {
				_ = sec
				a.lastAction = now
				return true
			}
			for _, c := range a.channels {
				if c.hasPending && c.pendingID == msg.TransactionID {
					c.hasPending = false
					if msg.Type.Class == stun.ClassSuccessResponse {
						c.bound = true
						c.lastBindAt = now
					}
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

// HandleTimeout drives (re)sending the Allocate request, periodic
// Refresh, and per-peer ChannelBind (re)requests.
func (a *Allocation) HandleTimeout(now time.Time) {
	switch a.state {
	case stateUnallocated:
		a.sendAllocate(now)
		return
	case stateAllocating:
		return // awaiting response; no retransmit timer modeled yet
	case stateAllocated:
		if now.Sub(a.lastAction) >= time.Duration(float64(AllocationLifetime)*RefreshFraction) {
			a.sendRefresh(now)
		}
		for _, c := range a.channels {
			if !c.hasPending && (!c.bound || now.Sub(c.lastBindAt) >= time.Duration(float64(ChannelBindLifetime)*RefreshFraction)) {
				a.sendChannelBind(c, now)
			}
		}
	}
}

func (a *Allocation) sendAllocate(now time.Time) {
	tid := stun.NewTransactionID()
	msg := stun.MustBuild(tid, stun.NewType(methodAllocate, stun.ClassRequest))
	setRequestedTransportUDP(msg)
	setLifetime(msg, uint32(AllocationLifetime.Seconds()))

	a.state = stateAllocating
	a.requestID = tid
	a.transmits = append(a.transmits, wire.Transmit{Dst: a.server, Payload: append([]byte(nil), msg.Raw...)})
}

func (a *Allocation) sendRefresh(now time.Time) {
	tid := stun.NewTransactionID()
	msg := stun.MustBuild(tid, stun.NewType(methodRefresh, stun.ClassRequest))
	setLifetime(msg, uint32(AllocationLifetime.Seconds()))
	a.lastAction = now
	a.transmits = append(a.transmits, wire.Transmit{Dst: a.server, Payload: append([]byte(nil), msg.Raw...)})
}

func (a *Allocation) sendChannelBind(c *channelBinding, now time.Time) {
	tid := stun.NewTransactionID()
	msg := stun.MustBuild(tid, stun.NewType(methodChannelBind, stun.ClassRequest))
	setChannelNumber(msg, c.number)
	setXorAddress(msg, attrXorPeerAddress, c.peer)

	c.hasPending = true
	c.pendingID = tid
	a.transmits = append(a.transmits, wire.Transmit{Dst: a.server, Payload: append([]byte(nil), msg.Raw...)})
}

// SendToPeer frames payload as TURN ChannelData (RFC 5766 §11.4) for
// peer, if it has an established channel binding. Returns false if no
// binding exists yet — the caller should EnsurePeer first and wait
// for HandleTimeout to complete the bind.
func (a *Allocation) SendToPeer(peer netip.AddrPort, payload []byte) (wire.Transmit, bool) {
	c, ok := a.channels[peer]
	if !ok || !c.bound {
		return wire.Transmit{}, false
	}
	framed := make([]byte, 4+len(payload))
	framed[0] = byte(c.number >> 8)
	framed[1] = byte(c.number)
	framed[2] = byte(len(payload) >> 8)
	framed[3] = byte(len(payload))
	copy(framed[4:], payload)
	return wire.Transmit{Dst: a.server, Payload: framed}, true
}

// PollTransmit drains one buffered outbound datagram, if any.
func (a *Allocation) PollTransmit() (wire.Transmit, bool) {
	if len(a.transmits) == 0 {
		return wire.Transmit{}, false
	}
	t := a.transmits[0]
	a.transmits = a.transmits[1:]
	return t, true
}

// PollEvent drains one buffered Event, if any.
func (a *Allocation) PollEvent() (Event, bool) {
	if len(a.events) == 0 {
		return Event{}, false
	}
	e := a.events[0]
	a.events = a.events[1:]
	return e, true
}
