// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package iceagent is a per-peer sans-IO ICE agent (RFC 8445, scoped to
// this client's needs): one data component, aggressive nomination, and
// connectivity checks that are themselves STUN binding requests over
// github.com/pion/stun, the same codec internal/stunbinding and
// internal/turnalloc use. No peer-reflexive-candidate frozen/waiting
// pacing is implemented since the candidate sets involved (one TUN
// interface plus at most a couple of relays) are small enough to check
// concurrently; this and the role-conflict handling below were built
// directly from RFC 8445 since the original connlib's ICE engine
// (a wrapper around the str0m-style agent, not a hand-rolled one) wasn't
// in the retrieved sample.
package iceagent

import (
	"math/rand"
	"net/netip"
	"time"

	"github.com/pion/stun"

	"github.com/firezone/client-core/internal/wire"
)

// CheckInterval is how often an outstanding pair is (re)tried.
const CheckInterval = 250 * time.Millisecond

// CheckRetries is how many unanswered checks a pair tolerates before
// being marked Failed.
const CheckRetries = 5

// KeepaliveInterval is how often a nominated pair is kept alive once
// connected, comfortably inside typical NAT UDP binding timeouts.
const KeepaliveInterval = 15 * time.Second

// Event is something a connpool consumer reacts to.
type Event struct {
	// Nominated is set once, when a pair is first selected.
	Nominated        bool
	LocalAddr        netip.AddrPort
	RemoteAddr       netip.AddrPort

	// Failed is set if every pair failed and none remain to try.
	Failed bool
}

// Agent drives connectivity checks for a single peer (gateway). It
// never owns a socket: HandleInput/HandleTimeout/PollTransmit/PollEvent
// is the entire surface connpool drives it through.
type Agent struct {
	localUfrag, localPwd   string
	remoteUfrag, remotePwd string
	haveRemoteCreds        bool

	controlling bool
	tieBreaker  uint64

	localCandidates  []Candidate
	remoteCandidates []Candidate

	pairs     []*pair
	nominated *pair

	transmits []wire.Transmit
	events    []Event
}

// New creates an agent with freshly generated local credentials.
// controlling is this client's initial ICE role; the agent may switch
// roles if a conflict is detected (RFC 8445 §7.3.1.1).
func New(localUfrag, localPwd string, controlling bool) *Agent {
	return &Agent{
		localUfrag:  localUfrag,
		localPwd:    localPwd,
		controlling: controlling,
		tieBreaker:  rand.Uint64(),
	}
}

// LocalCredentials returns the ufrag/password to hand to the Portal
// for relay to the peer.
func (a *Agent) LocalCredentials() (ufrag, pwd string) { return a.localUfrag, a.localPwd }

// SetRemoteCredentials installs the peer's ufrag/password, received
// out of band (flow creation / candidate exchange via the Portal).
func (a *Agent) SetRemoteCredentials(ufrag, pwd string) {
	a.remoteUfrag, a.remotePwd = ufrag, pwd
	a.haveRemoteCreds = true
}

// AddLocalCandidate registers a locally gathered candidate (host,
// server-reflexive from internal/stunbinding, or relay from
// internal/turnalloc) and pairs it against every known remote
// candidate.
func (a *Agent) AddLocalCandidate(c Candidate) {
	for _, existing := range a.localCandidates {
		if existing.Addr == c.Addr {
			return
		}
	}
	a.localCandidates = append(a.localCandidates, c)
	for _, remote := range a.remoteCandidates {
		a.addPair(c, remote)
	}
}

// AddRemoteCandidate registers a candidate advertised by the peer
// through the Portal and pairs it against every known local candidate.
func (a *Agent) AddRemoteCandidate(c Candidate) {
	for _, existing := range a.remoteCandidates {
		if existing.Addr == c.Addr {
			return
		}
	}
	a.remoteCandidates = append(a.remoteCandidates, c)
	for _, local := range a.localCandidates {
		a.addPair(local, c)
	}
}

// RemoveRemoteCandidate drops a candidate the Portal invalidated,
// along with any pair built on it. A nominated pair built on it is
// evicted, signalling the caller to fall back to another path.
func (a *Agent) RemoveRemoteCandidate(addr netip.AddrPort) {
	for i, c := range a.remoteCandidates {
		if c.Addr == addr {
			a.remoteCandidates = append(a.remoteCandidates[:i], a.remoteCandidates[i+1:]...)
			break
		}
	}
	kept := a.pairs[:0]
	for _, p := range a.pairs {
		if p.remote.Addr == addr {
			if p == a.nominated {
				a.nominated = nil
			}
			continue
		}
		kept = append(kept, p)
	}
	a.pairs = kept
}

func (a *Agent) addPair(local, remote Candidate) {
	for _, p := range a.pairs {
		if p.local.Addr == local.Addr && p.remote.Addr == remote.Addr {
			return
		}
	}
	a.pairs = append(a.pairs, newPair(a.controlling, local, remote))
}

// NominatedPair returns the selected local/remote transport addresses
// once connectivity has been established.
func (a *Agent) NominatedPair() (local, remote netip.AddrPort, ok bool) {
	if a.nominated == nil {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}
	return a.nominated.local.Addr, a.nominated.remote.Addr, true
}

// NominatedCandidates returns the full local/remote Candidate pair
// selected for this agent, so a caller (connpool) can tell whether the
// path runs through a relay and needs TURN channel-data framing.
func (a *Agent) NominatedCandidates() (local, remote Candidate, ok bool) {
	if a.nominated == nil {
		return Candidate{}, Candidate{}, false
	}
	return a.nominated.local, a.nominated.remote, true
}

// HandleInput processes a datagram that demuxed as STUN and arrived
// from addr. Returns false if it isn't a binding request/response this
// agent recognizes.
func (a *Agent) HandleInput(from netip.AddrPort, packet []byte, now time.Time) bool {
	msg := new(stun.Message)
	msg.Raw = append(msg.Raw[:0], packet...)
	if err := msg.Decode(); err != nil {
		return false
	}
	if msg.Type.Method != stun.MethodBinding {
		return false
	}
	switch msg.Type.Class {
	case stun.ClassRequest:
		return a.handleRequest(from, msg, now)
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		return a.handleResponse(from, msg, now)
	default:
		return false
	}
}

func (a *Agent) handleRequest(from netip.AddrPort, msg *stun.Message, now time.Time) bool {
	if !a.haveRemoteCreds {
		return false
	}
	username, err := msg.Get(attrUsername)
	if err != nil || string(username.Value) != a.localUfrag+":"+a.remoteUfrag {
		return false
	}

	local := a.pickLocalFor(from)

	if theirTB, ok := getTieBreaker(msg, attrICEControlling); ok && a.controlling {
		if a.tieBreaker >= theirTB {
			a.sendRoleConflict(local, from, msg.TransactionID)
			return true
		}
		a.controlling = false
		a.reprioritizePairs()
	}
	if theirTB, ok := getTieBreaker(msg, attrICEControlled); ok && !a.controlling {
		if a.tieBreaker < theirTB {
			a.sendRoleConflict(local, from, msg.TransactionID)
			return true
		}
		a.controlling = true
		a.reprioritizePairs()
	}

	remote := a.matchOrLearnRemote(from, msg)
	p := a.pairFor(local, remote)
	p.state = pairSucceeded

	if hasUseCandidate(msg) {
		a.nominate(p, now)
	}

	a.sendBindingSuccess(local, from, msg.TransactionID)
	return true
}

func (a *Agent) matchOrLearnRemote(from netip.AddrPort, msg *stun.Message) Candidate {
	for _, c := range a.remoteCandidates {
		if c.Addr == from {
			return c
		}
	}
	prio, _ := getPriority(msg)
	c := Candidate{Type: CandidatePeerReflexive, Addr: from, Priority: prio, Foundation: foundationFor(CandidatePeerReflexive, from)}
	a.remoteCandidates = append(a.remoteCandidates, c)
	return c
}

func (a *Agent) pickLocalFor(from netip.AddrPort) Candidate {
	wantV6 := from.Addr().Is6()
	for _, c := range a.localCandidates {
		if c.Type == CandidateHost && c.Addr.Addr().Is6() == wantV6 {
			return c
		}
	}
	if len(a.localCandidates) > 0 {
		return a.localCandidates[0]
	}
	return Candidate{}
}

func (a *Agent) pairFor(local, remote Candidate) *pair {
	for _, p := range a.pairs {
		if p.local.Addr == local.Addr && p.remote.Addr == remote.Addr {
			return p
		}
	}
	p := newPair(a.controlling, local, remote)
	a.pairs = append(a.pairs, p)
	return p
}

func (a *Agent) handleResponse(from netip.AddrPort, msg *stun.Message, now time.Time) bool {
	var target *pair
	for _, p := range a.pairs {
		if p.hasPending && p.requestID == msg.TransactionID {
			target = p
			break
		}
	}
	if target == nil {
		return false
	}
	target.hasPending = false

	if msg.Type.Class == stun.ClassErrorResponse {
		var ec stun.ErrorCodeAttribute
		if ec.GetFrom(msg) == nil && ec.Code == codeRoleConflict {
			a.controlling = !a.controlling
			a.reprioritizePairs()
			return true
		}
		target.state = pairFailed
		return true
	}

	target.state = pairSucceeded
	target.lastCheck = now
	if a.controlling {
		a.nominate(target, now)
	}
	return true
}

func (a *Agent) nominate(p *pair, now time.Time) {
	wasNominated := a.nominated == p
	p.nominated = true
	a.nominated = p
	if !wasNominated {
		a.events = append(a.events, Event{Nominated: true, LocalAddr: p.local.Addr, RemoteAddr: p.remote.Addr})
	}
}

func (a *Agent) reprioritizePairs() {
	for _, p := range a.pairs {
		p.priority = pairPriority(a.controlling, p.local, p.remote)
	}
}

// HandleTimeout drives (re)sending connectivity checks for pairs not
// yet succeeded, and keepalives for the nominated pair.
func (a *Agent) HandleTimeout(now time.Time) {
	if !a.haveRemoteCreds {
		return
	}
	if a.nominated != nil && a.nominated.state == pairSucceeded {
		if now.Sub(a.nominated.lastCheck) >= KeepaliveInterval {
			a.sendCheck(a.nominated, now, false)
		}
	}
	for _, p := range a.pairs {
		if p == a.nominated {
			continue
		}
		if p.state == pairFailed || p.state == pairSucceeded {
			continue
		}
		if p.hasPending && now.Sub(p.lastCheck) < CheckInterval {
			continue
		}
		if p.hasPending {
			// timed out waiting on the previous attempt
			p.hasPending = false
			p.retries++
			if p.retries >= CheckRetries {
				p.state = pairFailed
				continue
			}
		}
		a.sendCheck(p, now, a.controlling && a.nominated == nil && a.bestWaitingPair() == p)
	}
	if a.nominated == nil && a.allPairsFailed() {
		a.events = append(a.events, Event{Failed: true})
	}
}

// bestWaitingPair picks the highest-priority pair still worth trying,
// the one this controlling agent nominates aggressively once it
// succeeds.
func (a *Agent) bestWaitingPair() *pair {
	var best *pair
	for _, p := range a.pairs {
		if p.state == pairFailed {
			continue
		}
		if best == nil || p.priority > best.priority {
			best = p
		}
	}
	return best
}

func (a *Agent) allPairsFailed() bool {
	if len(a.pairs) == 0 {
		return false
	}
	for _, p := range a.pairs {
		if p.state != pairFailed {
			return false
		}
	}
	return true
}

func (a *Agent) sendCheck(p *pair, now time.Time, useCandidate bool) {
	tid := stun.NewTransactionID()
	msg := stun.MustBuild(tid, stun.BindingRequest)
	setUsername(msg, a.remoteUfrag+":"+a.localUfrag)
	setPriority(msg, candidatePriority(CandidatePeerReflexive))
	setTieBreaker(msg, a.controlling, a.tieBreaker)
	if useCandidate && a.controlling {
		setUseCandidate(msg)
	}

	p.requestID = tid
	p.hasPending = true
	p.lastCheck = now
	p.state = pairInProgress
	a.transmits = append(a.transmits, wire.Transmit{Src: p.local.Addr, Dst: p.remote.Addr, Payload: append([]byte(nil), msg.Raw...)})
}

func (a *Agent) sendBindingSuccess(local Candidate, to netip.AddrPort, tid stun.TransactionID) {
	msg := stun.MustBuild(tid, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: to.Addr().AsSlice(), Port: int(to.Port())})
	a.transmits = append(a.transmits, wire.Transmit{Src: local.Addr, Dst: to, Payload: append([]byte(nil), msg.Raw...)})
}

// codeRoleConflict is RFC 8445 §7.3.1.1's 487 error code. Not part of
// pion/stun's generic attribute set (it only predeclares the RFC 5389
// codes), so it's declared locally.
const codeRoleConflict stun.ErrorCode = 487

func (a *Agent) sendRoleConflict(local Candidate, to netip.AddrPort, tid stun.TransactionID) {
	msg := stun.MustBuild(tid, stun.NewType(stun.MethodBinding, stun.ClassErrorResponse),
		&stun.ErrorCodeAttribute{Code: codeRoleConflict, Reason: []byte("Role Conflict")})
	a.transmits = append(a.transmits, wire.Transmit{Src: local.Addr, Dst: to, Payload: append([]byte(nil), msg.Raw...)})
}

// PollTransmit drains one buffered outbound datagram, if any.
func (a *Agent) PollTransmit() (wire.Transmit, bool) {
	if len(a.transmits) == 0 {
		return wire.Transmit{}, false
	}
	t := a.transmits[0]
	a.transmits = a.transmits[1:]
	return t, true
}

// PollEvent drains one buffered Event, if any.
func (a *Agent) PollEvent() (Event, bool) {
	if len(a.events) == 0 {
		return Event{}, false
	}
	e := a.events[0]
	a.events = a.events[1:]
	return e, true
}
