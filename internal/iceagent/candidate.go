// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package iceagent

import "net/netip"

// CandidateType mirrors RFC 8445 §5.1.1's candidate types. This agent
// never gathers peer-reflexive candidates itself (no STUN server
// learns one for a direct p2p link), but receives them as a
// side effect of a connectivity check from an address the remote
// peer didn't advertise.
type CandidateType int

const (
	CandidateHost CandidateType = iota
	CandidateServerReflexive
	CandidatePeerReflexive
	CandidateRelay
)

func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidatePeerReflexive:
		return "prflx"
	case CandidateRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// typePreference is RFC 8445 §5.1.2.1's per-type component of the
// priority formula. There is exactly one component (data) in this
// agent, so the component-ID term in the priority formula is always 1.
func (t CandidateType) typePreference() uint32 {
	switch t {
	case CandidateHost:
		return 126
	case CandidatePeerReflexive:
		return 110
	case CandidateServerReflexive:
		return 100
	case CandidateRelay:
		return 0
	default:
		return 0
	}
}

const localPreference = 65535 // single interface; RFC 8445 §5.1.2.1 default

// candidatePriority computes RFC 8445 §5.1.2.1's priority:
// (2^24)*type_pref + (2^8)*local_pref + (256 - component_id).
func candidatePriority(t CandidateType) uint32 {
	return t.typePreference()<<24 | uint32(localPreference)<<8 | (256 - 1)
}

// Candidate is a single ICE candidate: an address this agent (or its
// peer) might be reachable at, tagged with how it was obtained.
type Candidate struct {
	Type     CandidateType
	Addr     netip.AddrPort
	Priority uint32

	// Foundation groups candidates sharing a type, base, and protocol;
	// used only for logging/diagnostics here since this agent does not
	// implement RFC 8445's frozen/unfreeze pacing (it checks every pair
	// concurrently, appropriate for the small candidate sets a single
	// TUN interface plus one or two relays produces).
	Foundation string
}

// NewCandidate builds a Candidate with its priority computed from typ.
func NewCandidate(typ CandidateType, addr netip.AddrPort) Candidate {
	return Candidate{
		Type:       typ,
		Addr:       addr,
		Priority:   candidatePriority(typ),
		Foundation: foundationFor(typ, addr),
	}
}

func foundationFor(typ CandidateType, addr netip.AddrPort) string {
	family := "4"
	if addr.Addr().Is6() {
		family = "6"
	}
	return typ.String() + family
}
