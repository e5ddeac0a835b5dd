// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package connpool

import (
	"time"

	"github.com/firezone/client-core/internal/iceagent"
	"github.com/firezone/client-core/internal/ids"
)

// HandleTimeout advances every owned state machine: STUN bindings,
// TURN allocations, every peer's ICE agent, and every peer's noise
// session timers. Call it whenever any owned component's next
// deadline has passed (a caller can conservatively call it on a fixed
// short tick instead of tracking each PollTimeout).
func (p *Pool) HandleTimeout(now time.Time) {
	for _, b := range p.stunServers {
		b.HandleTimeout(now)
	}
	p.harvestSTUNCandidates()

	p.relays.HandleTimeout(now)
	p.harvestRelayEvents()

	for gw, pr := range p.peers {
		pr.ice.HandleTimeout(now)
		p.harvestICEEvents(gw, pr)

		// The noise session's own clock (handshakeInitiated/RekeyTimeout)
		// only makes sense once there's a nominated pair to actually send
		// on; driving it earlier would burn its one initiation attempt
		// before any Transmit could leave for it.
		if _, _, ok := pr.ice.NominatedPair(); ok {
			res := pr.session.UpdateTimers(now)
			p.queueNoiseResult(pr, res)
		}
		p.checkEstablished(gw, pr)
	}
}

// checkEstablished emits EventPeerConnected the first time a gateway
// has both a nominated ICE pair and completed transport keys; the two
// complete independently (ICE nomination on a check response, the
// handshake on a decapsulated response message), so every call site
// that could be the second of the two checks here.
func (p *Pool) checkEstablished(gw ids.GatewayId, pr *peer) {
	if pr.wasEstablished {
		return
	}
	local, remote, ok := pr.ice.NominatedPair()
	if !ok || !pr.session.HasTransportKeys() {
		return
	}
	pr.wasEstablished = true
	p.events = append(p.events, Event{Kind: EventPeerConnected, Gateway: gw, Local: local, Remote: remote})
}

func (p *Pool) harvestSTUNCandidates() {
	for _, b := range p.stunServers {
		for {
			addr, ok := b.PollCandidate()
			if !ok {
				break
			}
			c := iceagent.NewCandidate(iceagent.CandidateServerReflexive, addr)
			p.hostCandidates = append(p.hostCandidates, c)
			for _, pr := range p.peers {
				pr.ice.AddLocalCandidate(c)
			}
			p.events = append(p.events, Event{Kind: EventLocalCandidate, Candidate: c})
		}
	}
}

// harvestRelayEvents drains turnalloc's event queue. A relay
// allocation only ever reports a candidate or a failure from
// HandleTimeout — channel-data events arrive through HandleInput and
// are drained by Decapsulate instead.
func (p *Pool) harvestRelayEvents() {
	for {
		id, e, ok := p.relays.PollEvent()
		if !ok {
			return
		}
		p.applyRelayEvent(id, e)
	}
}

func (p *Pool) harvestICEEvents(gw ids.GatewayId, pr *peer) {
	for {
		e, ok := pr.ice.PollEvent()
		if !ok {
			return
		}
		switch {
		case e.Nominated:
			pr.wasNominated = true
			p.checkEstablished(gw, pr)
		case e.Failed:
			p.events = append(p.events, Event{Kind: EventPeerFailed, Gateway: gw})
		}
	}
}
