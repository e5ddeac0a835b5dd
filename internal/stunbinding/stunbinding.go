// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package stunbinding is a sans-IO state machine that obtains a single
// server-reflexive candidate from one configured STUN server. It owns
// no socket: handle_input/handle_timeout/poll_* are the entire API,
// matching the original client's connlib stun_binding module (same
// refresh constant, same state names plus a terminal Failed state). A
// retry that goes unanswered backs off exponentially rather than
// retransmitting on a fixed interval forever; once the backoff's
// elapsed-time cap is exhausted the binding gives up and sits in
// Failed until something calls Reset. Message framing is delegated to
// github.com/pion/stun, used purely as a codec.
package stunbinding

import (
	"net/netip"
	"time"

	"github.com/pion/stun"

	"github.com/firezone/client-core/internal/wire"
)

// Timeout is the initial retry interval: how long a Binding waits for
// a response to its first request, and to the first retry of any
// fresh request sequence, before retransmitting.
const Timeout = 5 * time.Second

// RefreshInterval is how often an already-bound mapping is
// re-verified against the server once a response has been received.
const RefreshInterval = 5 * time.Minute

// backoffMultiplier, backoffMaxInterval, and backoffMaxElapsed bound
// the retry spacing for a request sequence that keeps going
// unanswered: each unacknowledged retry's interval grows by
// backoffMultiplier, capped at backoffMaxInterval, until
// backoffMaxElapsed has passed since the sequence's first request, at
// which point the binding gives up and enters Failed.
const (
	backoffMultiplier  = 1.5
	backoffMaxInterval = 60 * time.Second
	backoffMaxElapsed  = 5 * time.Minute
)

type state int

const (
	stateInitial state = iota
	stateSentRequest
	stateReceivedResponse
	stateFailed
)

// Binding tracks one STUN server's reflexive mapping over time. It is
// not safe for concurrent use.
type Binding struct {
	server netip.AddrPort

	state     state
	requestID stun.TransactionID
	at        time.Time // when we entered the current state

	retryInterval time.Duration // interval the current SentRequest's deadline was armed with
	backoffStart  time.Time     // when the running request sequence started; zero between sequences
	backoffNext   time.Duration // interval nextBackoff will hand out next

	candidate     netip.AddrPort
	haveCandidate bool
	newCandidates []netip.AddrPort
	transmits     []wire.Transmit
}

// New creates a Binding targeting server. It sends nothing until the
// first handle_timeout call.
func New(server netip.AddrPort) *Binding {
	return &Binding{server: server, state: stateInitial}
}

// Reset re-arms a Binding stuck in Failed, returning it to Initial so
// the next HandleTimeout call starts a fresh request sequence from
// Timeout again. It is a no-op in any other state: Failed is the only
// state this package doesn't recover from on its own, so external
// callers (e.g. a full session reset after a network change) are the
// only way out of it.
func (b *Binding) Reset() {
	if b.state != stateFailed {
		return
	}
	b.state = stateInitial
	b.backoffStart = time.Time{}
	b.backoffNext = 0
}

// nextBackoff returns the interval to arm the next request with, and
// false once backoffMaxElapsed has passed since the current sequence
// began. A zero backoffStart marks the start of a fresh sequence,
// whether that's the very first request a Binding ever sends or the
// first request after a successful response reset the sequence.
func (b *Binding) nextBackoff(now time.Time) (time.Duration, bool) {
	if b.backoffStart.IsZero() {
		b.backoffStart = now
		b.backoffNext = Timeout
	}
	if now.Sub(b.backoffStart) > backoffMaxElapsed {
		return 0, false
	}

	interval := b.backoffNext
	grown := time.Duration(float64(b.backoffNext) * backoffMultiplier)
	if grown > backoffMaxInterval {
		grown = backoffMaxInterval
	}
	b.backoffNext = grown
	return interval, true
}

// Server returns the STUN server this binding talks to.
func (b *Binding) Server() netip.AddrPort { return b.server }

// Candidate returns the last-observed server-reflexive address, if
// any response has ever been received.
func (b *Binding) Candidate() (netip.AddrPort, bool) {
	return b.candidate, b.haveCandidate
}

// HandleInput processes an inbound datagram from from, received at
// now. It returns false if the datagram wasn't handled (wrong sender,
// undecodable, transaction mismatch) — callers should try other
// consumers (TURN, ICE, Noise) in that case.
func (b *Binding) HandleInput(from netip.AddrPort, packet []byte, now time.Time) bool {
	if from != b.server {
		return false
	}

	msg := new(stun.Message)
	msg.Raw = append(msg.Raw[:0], packet...)
	if err := msg.Decode(); err != nil {
		return false
	}

	if b.state != stateSentRequest || msg.TransactionID != b.requestID {
		return false
	}
	b.state = stateReceivedResponse
	b.at = now
	b.backoffStart = time.Time{}
	b.backoffNext = 0

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err != nil {
		return true // handled, but no usable address in the response
	}

	addr, ok := netip.AddrFromSlice(xorAddr.IP)
	if !ok {
		return true
	}
	observed := netip.AddrPortFrom(addr.Unmap(), uint16(xorAddr.Port))

	if b.haveCandidate && observed == b.candidate {
		return true
	}

	b.candidate = observed
	b.haveCandidate = true
	b.newCandidates = append(b.newCandidates, observed)
	return true
}

// HandleTimeout drives retransmission and periodic refresh. Call it
// whenever PollTimeout's deadline has passed.
func (b *Binding) HandleTimeout(now time.Time) {
	switch b.state {
	case stateInitial:
		// send initial request below
	case stateSentRequest:
		if now.Before(b.at.Add(b.retryInterval)) {
			return
		}
	case stateReceivedResponse:
		if now.Before(b.at.Add(RefreshInterval)) {
			return
		}
	case stateFailed:
		return
	}

	interval, ok := b.nextBackoff(now)
	if !ok {
		b.state = stateFailed
		b.transmits = nil
		return
	}

	tid := stun.NewTransactionID()
	msg := stun.MustBuild(tid, stun.BindingRequest)

	b.state = stateSentRequest
	b.requestID = tid
	b.at = now
	b.retryInterval = interval

	b.transmits = append(b.transmits, wire.Transmit{
		Dst:     b.server,
		Payload: append([]byte(nil), msg.Raw...),
	})
}

// PollCandidate drains one newly observed candidate, if any.
func (b *Binding) PollCandidate() (netip.AddrPort, bool) {
	if len(b.newCandidates) == 0 {
		return netip.AddrPort{}, false
	}
	c := b.newCandidates[0]
	b.newCandidates = b.newCandidates[1:]
	return c, true
}

// PollTimeout returns the next instant HandleTimeout should be
// called, or false if nothing is scheduled: state is Initial and
// HandleTimeout has never run, or the binding is Failed and waiting on
// an external Reset.
func (b *Binding) PollTimeout() (time.Time, bool) {
	switch b.state {
	case stateInitial:
		return time.Time{}, false
	case stateSentRequest:
		return b.at.Add(b.retryInterval), true
	case stateReceivedResponse:
		return b.at.Add(RefreshInterval), true
	default:
		return time.Time{}, false
	}
}

// PollTransmit drains one buffered outbound datagram, if any.
func (b *Binding) PollTransmit() (wire.Transmit, bool) {
	if len(b.transmits) == 0 {
		return wire.Transmit{}, false
	}
	t := b.transmits[0]
	b.transmits = b.transmits[1:]
	return t, true
}

// State reports a human-readable state name for metrics/logging.
func (b *Binding) State() string {
	switch b.state {
	case stateInitial:
		return "initial"
	case stateSentRequest:
		return "sent_request"
	case stateReceivedResponse:
		return "bound"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
