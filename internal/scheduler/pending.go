// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import (
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/firezone/client-core/internal/ids"
)

// pendingFlowCapacity bounds how many packets/queries a resource with
// no established peer can pin in memory, mirroring the original
// client's AllocRingBuffer::with_capacity_power_of_2(7) (2^7 = 128).
const pendingFlowCapacity = 128

// connectionIntentCooldown is the minimum gap between two
// ConnectionIntents for the same resource (spec.md §4.10: "at most
// once per 2s per resource").
const connectionIntentCooldown = 2 * time.Second

// Transport names the listener a buffered DNS query for a not-yet-
// connected site arrived on, so the eventloop can answer over the
// right one once the site is reachable.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
)

// DNSQueryForSite is a DNS query that matched a resource whose site
// isn't connected yet, buffered until CreateFlowOk installs a peer.
type DNSQueryForSite struct {
	Local, Remote netip.AddrPort
	Transport     Transport
	Message       []byte
}

// Trigger is whatever caused OnNotConnectedResource to be called: an
// ordinary tunnel packet, a DNS query pending a site connection, or a
// filtered ICMP error that itself carries no payload to buffer.
type Trigger interface{ isTrigger() }

// PacketForResource wraps a raw IpPacket destined for a CIDR or
// Internet resource with no peer yet.
type PacketForResource struct{ Packet []byte }

func (PacketForResource) isTrigger() {}

func (d DNSQueryForSite) isTrigger() {}

// ICMPUnreachableProhibited marks that the gateway reported a
// filtered (prohibited) destination, which carries no payload to
// buffer but still counts as activity for intent-cooldown purposes.
type ICMPUnreachableProhibited struct{}

func (ICMPUnreachableProhibited) isTrigger() {}

type pendingFlow struct {
	packets    *Ring[[]byte]
	dnsQueries *Ring[DNSQueryForSite]
}

func newPendingFlow() *pendingFlow {
	return &pendingFlow{
		packets:    NewRing[[]byte](pendingFlowCapacity),
		dnsQueries: NewRing[DNSQueryForSite](pendingFlowCapacity),
	}
}

func (f *pendingFlow) push(t Trigger) {
	switch v := t.(type) {
	case PacketForResource:
		f.packets.Push(v.Packet)
	case DNSQueryForSite:
		f.dnsQueries.Push(v)
	case ICMPUnreachableProhibited:
	}
}

// PendingFlows buffers traffic for resources with no established peer
// yet and rate-limits how often a ConnectionIntent is emitted for
// each one, grounded directly on the original client's
// pending_flows.rs PendingFlows/PendingFlow pair.
type PendingFlows struct {
	flows    map[ids.ResourceId]*pendingFlow
	limiters map[ids.ResourceId]*rate.Limiter
	intents  []ids.ResourceId
}

// NewPendingFlows builds an empty PendingFlows.
func NewPendingFlows() *PendingFlows {
	return &PendingFlows{
		flows:    make(map[ids.ResourceId]*pendingFlow),
		limiters: make(map[ids.ResourceId]*rate.Limiter),
	}
}

// OnNotConnectedResource buffers trigger against rid and, unless a
// sibling resource in the same site already has a flow in progress
// (and that site still isn't connected), emits a ConnectionIntent if
// rid's own 2s cooldown allows it. index resolves rid to its site;
// connectedToSite reports whether that site already has a live peer.
func (p *PendingFlows) OnNotConnectedResource(rid ids.ResourceId, trigger Trigger, index *ResourceIndex, connectedToSite func(ids.SiteId) bool, now time.Time) {
	site, ok := index.SiteOf(rid)
	if !ok {
		return
	}

	flow, exists := p.flows[rid]
	if !exists {
		flow = newPendingFlow()
		p.flows[rid] = flow
	}
	flow.push(trigger)

	hasPendingForSite := false
	for _, other := range index.ResourcesInSite(site) {
		if other == rid {
			continue
		}
		if _, ok := p.flows[other]; ok {
			hasPendingForSite = true
			break
		}
	}
	if hasPendingForSite && !connectedToSite(site) {
		return
	}

	limiter, ok := p.limiters[rid]
	if !ok {
		// burst=1 with a cooldown-long refill period: the first
		// AllowN call for a brand new resource always succeeds since
		// the bucket starts full, the same "always send the first
		// intent instantly" behavior the original gets by seeding
		// last_intent_sent_at ten seconds in the past.
		limiter = rate.NewLimiter(rate.Every(connectionIntentCooldown), 1)
		p.limiters[rid] = limiter
	}
	if !limiter.AllowN(now, 1) {
		return
	}

	p.intents = append(p.intents, rid)
}

// Remove drops rid's buffered state, returning what was buffered so
// the caller can flush it onto a newly installed peer.
func (p *PendingFlows) Remove(rid ids.ResourceId) ([][]byte, []DNSQueryForSite, bool) {
	flow, ok := p.flows[rid]
	if !ok {
		return nil, nil, false
	}
	delete(p.flows, rid)
	delete(p.limiters, rid)
	return flow.packets.Drain(), flow.dnsQueries.Drain(), true
}

// PollConnectionIntent drains the next pending ConnectionIntent, if
// any.
func (p *PendingFlows) PollConnectionIntent() (ids.ResourceId, bool) {
	if len(p.intents) == 0 {
		return "", false
	}
	rid := p.intents[0]
	p.intents = p.intents[1:]
	return rid, true
}
