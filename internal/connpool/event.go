// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package connpool

import (
	"net/netip"

	"github.com/firezone/client-core/internal/iceagent"
	"github.com/firezone/client-core/internal/ids"
)

// EventKind tags what a Pool Event reports.
type EventKind int

const (
	// EventLocalCandidate fires when a new server-reflexive or relay
	// candidate becomes available; the caller forwards it to every
	// gateway currently being connected to via the Portal's
	// BroadcastIceCandidates.
	EventLocalCandidate EventKind = iota

	// EventPeerConnected fires once, the first time a gateway's ICE
	// pair nominates and its noise handshake completes.
	EventPeerConnected

	// EventPeerFailed fires when a gateway's ICE agent exhausts every
	// candidate pair without ever nominating one.
	EventPeerFailed

	// EventRelayFailed fires when a TURN allocation could not be
	// established.
	EventRelayFailed
)

// Event is something a connpool consumer (internal/eventloop) reacts
// to: new candidates to advertise, or a peer's connectivity state
// changing.
type Event struct {
	Kind EventKind

	// Gateway is set for EventPeerConnected/EventPeerFailed.
	Gateway ids.GatewayId

	// Candidate is set for EventLocalCandidate.
	Candidate iceagent.Candidate

	// Local/Remote are set for EventPeerConnected.
	Local, Remote netip.AddrPort
}
