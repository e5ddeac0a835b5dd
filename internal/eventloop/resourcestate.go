// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package eventloop

import "github.com/firezone/client-core/internal/ids"

// ResourceState is one state of the per-resource flow state machine
// (spec.md §4.12): Idle -> IntentSent -> AwaitingOk -> Connected ->
// (Offline | VersionMismatch | Evicted) -> Idle.
type ResourceState int

const (
	StateIdle ResourceState = iota
	StateIntentSent
	StateAwaitingOk
	StateConnected
	StateOffline
	StateVersionMismatch
	StateEvicted
)

func (s ResourceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIntentSent:
		return "intent_sent"
	case StateAwaitingOk:
		return "awaiting_ok"
	case StateConnected:
		return "connected"
	case StateOffline:
		return "offline"
	case StateVersionMismatch:
		return "version_mismatch"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// resourceEntry tracks the flow state machine plus the site/gateway a
// resource resolved to, once known.
type resourceEntry struct {
	state   ResourceState
	site    ids.SiteId
	gateway ids.GatewayId
}

// resourceFor returns (creating if necessary) the tracked entry for
// rid, seeding its site from the resource index.
func (e *Eventloop) resourceFor(rid ids.ResourceId) *resourceEntry {
	ent, ok := e.resources[rid]
	if !ok {
		ent = &resourceEntry{state: StateIdle}
		if site, ok := e.resourceIndex.SiteOf(rid); ok {
			ent.site = site
		}
		e.resources[rid] = ent
	}
	return ent
}

// gatewayForSite returns the gateway currently serving site, if any
// resource in that site has reached AwaitingOk or Connected.
func (e *Eventloop) gatewayForSite(site ids.SiteId) (ids.GatewayId, bool) {
	for _, ent := range e.resources {
		if ent.site != site {
			continue
		}
		if ent.state == StateAwaitingOk || ent.state == StateConnected {
			if ent.gateway != "" {
				return ent.gateway, true
			}
		}
	}
	return "", false
}

// connectedToSite reports whether any resource in site is already
// past Idle, so PendingFlows holds sibling intents rather than firing
// a second ConnectionIntent for the same site.
func (e *Eventloop) connectedToSite(site ids.SiteId) bool {
	for _, ent := range e.resources {
		if ent.site == site && ent.state != StateIdle && ent.state != StateOffline && ent.state != StateEvicted {
			return true
		}
	}
	return false
}

// resourcesForGateway returns every resource currently attributed to
// gw, used to fan a connpool peer event back out to the resources
// that triggered it.
func (e *Eventloop) resourcesForGateway(gw ids.GatewayId) []ids.ResourceId {
	var out []ids.ResourceId
	for rid, ent := range e.resources {
		if ent.gateway == gw {
			out = append(out, rid)
		}
	}
	return out
}

// activeGateways lists every gateway with a resource past Idle, the
// fan-out set for EventLocalCandidate's BroadcastIceCandidates.
func (e *Eventloop) activeGateways() []ids.GatewayId {
	seen := make(map[ids.GatewayId]bool)
	var out []ids.GatewayId
	for _, ent := range e.resources {
		if ent.gateway == "" || ent.state == StateIdle {
			continue
		}
		if !seen[ent.gateway] {
			seen[ent.gateway] = true
			out = append(out, ent.gateway)
		}
	}
	return out
}
