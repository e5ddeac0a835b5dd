// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package eventloop

import (
	"time"

	"github.com/firezone/client-core/internal/connpool"
	"github.com/firezone/client-core/internal/dnsintercept"
	"github.com/firezone/client-core/internal/iceagent"
	"github.com/firezone/client-core/internal/ids"
	"github.com/firezone/client-core/internal/ippacket"
	"github.com/firezone/client-core/internal/portal"
	"github.com/firezone/client-core/internal/scheduler"
)

// handleTunPacket is the "tunnel events" tier of Poll's priority
// order: one packet read off the TUN device, run through the
// Scheduler's five-step dispatch (spec.md §4.10).
func (e *Eventloop) handleTunPacket(raw []byte, now time.Time) {
	pkt, err := ippacket.Parse(raw)
	if err != nil {
		return
	}

	d := e.scheduler.HandleOutbound(pkt, e.gatewayForSite, e.connectedToSite, now)
	switch d.Kind {
	case scheduler.DecisionDropLoop, scheduler.DecisionDNSDrop, scheduler.DecisionTCPConsumed:
		// nothing further: loop protection, an unparseable/non-matching
		// DNS datagram, or a segment the embedded TCP stack already
		// consumed (its own reply, if any, is drained via PollTCPTransmit).
	case scheduler.DecisionDNSAnswer:
		e.writeTun(d.TunWrite)
	case scheduler.DecisionDNSForward:
		e.forwardUDPQuery(d.Forward, now)
	case scheduler.DecisionRoute:
		e.routeToGateway(d.Gateway, d.Packet, now)
	case scheduler.DecisionPending:
		if d.Intent {
			e.sendCreateFlow(d.Resource, now)
		}
	case scheduler.DecisionNoRoute:
		e.writeTun(scheduler.SynthesizeUnreachable(pkt, ippacket.UnreachableHost))
	}
}

// handleUDPDatagram demultiplexes one inbound UDP datagram read off a
// pool-owned socket: connpool.Decapsulate sorts it into application
// data for the TUN, ICE/STUN/noise handshake bookkeeping that needed
// no further action, or an unrecognized datagram.
func (e *Eventloop) handleUDPDatagram(d udpDatagram, now time.Time) {
	demux := e.pool.Decapsulate(d.from, d.to, d.payload, now)
	switch demux.Kind {
	case connpool.DemuxForPeer:
		e.writeTun(demux.Plaintext)
	case connpool.DemuxHandled, connpool.DemuxDrop:
		// handled bookkeeping or an unowned datagram; either way there is
		// nothing to hand to the TUN. Freshly-gathered candidates and
		// peer state transitions are picked up by pollConnpool below.
	}
}

// routeToGateway seals pkt for gw's established noise session and
// sends it; if the session isn't established yet (a race between the
// Scheduler believing the site connected and the ICE pair actually
// nominating) the packet is simply dropped rather than re-buffered,
// since a fresh CreateFlowOk always arrives together with credentials
// that let nomination complete within one handshake round-trip.
func (e *Eventloop) routeToGateway(gw ids.GatewayId, pkt []byte, now time.Time) {
	t, ok := e.pool.Encapsulate(gw, pkt, now)
	if !ok {
		return
	}
	e.send(t)
}

// sendCreateFlow pushes a create_flow request for rid and marks its
// flow state IntentSent, per the state machine in spec.md §4.12.
func (e *Eventloop) sendCreateFlow(rid ids.ResourceId, now time.Time) {
	ent := e.resourceFor(rid)
	if ent.state != StateIdle {
		return
	}
	ent.state = StateIntentSent
	if e.portal == nil {
		return
	}
	if err := e.portal.PushCreateFlow(portal.CreateFlow{ResourceID: rid, PublicKey: e.localPublic}); err != nil {
		e.logger.Warn("create_flow push failed", "resource", rid, "err", err)
	}
}

// forwardUDPQuery dispatches a sentinel DNS query this client can't
// answer itself to its upstream resolver, replying to the original UDP
// querier once the (async) resolve completes.
func (e *Eventloop) forwardUDPQuery(fq *scheduler.ForwardQuery, now time.Time) {
	e.dispatchResolve(fq.Upstream, fq.Query, func(now time.Time, answer []byte, err error) {
		if err != nil {
			e.logger.Warn("dns forward failed", "upstream", fq.Upstream.Addr, "err", err)
			return
		}
		final, ferr := dnsintercept.FinalizeForward(fq.Query, answer, udpDNSReplyBudget)
		if ferr != nil {
			return
		}
		if dnsintercept.IsTruncated(final) {
			e.metrics.DNSResponseTruncs.Inc()
		}
		e.writeTun(buildSentinelUDPReply(fq, final))
	})
}

const udpDNSReplyBudget = 512

// buildSentinelUDPReply wraps a resolved DNS answer back into a full
// IP+UDP packet addressed to the original querier, mirroring
// internal/scheduler's own (unexported) reply framing for the sentinel
// path it handles synchronously.
func buildSentinelUDPReply(fq *scheduler.ForwardQuery, answer []byte) []byte {
	buf := make([]byte, ippacket.UDPPacketLen(fq.Sentinel.Is4(), len(answer)))
	n := ippacket.BuildUDP(buf, fq.Sentinel, fq.ReplyTo.Addr(), 53, fq.ReplyTo.Port(), answer)
	return buf[:n]
}

// pollConnpool drains every connpool Transmit and Event produced since
// the last Poll: newly gathered local candidates get broadcast to
// every gateway currently being connected to, a peer reaching
// established flushes its resource(s)' pending buffers into Connected,
// and a peer that exhausts every candidate pair evicts its resource(s).
func (e *Eventloop) pollConnpool(now time.Time) {
	e.pool.HandleTimeout(now)

	for {
		t, ok := e.pool.PollTransmit()
		if !ok {
			break
		}
		e.send(t)
	}

	for {
		ev, ok := e.pool.PollEvent()
		if !ok {
			break
		}
		e.handleConnpoolEvent(ev, now)
	}
}

func (e *Eventloop) handleConnpoolEvent(ev connpool.Event, now time.Time) {
	switch ev.Kind {
	case connpool.EventLocalCandidate:
		gws := e.activeGateways()
		if len(gws) == 0 || e.portal == nil {
			return
		}
		if err := e.portal.PushBroadcastIceCandidates(portal.BroadcastIceCandidates{
			GatewayIDs: gws,
			Candidates: []iceagent.Candidate{ev.Candidate},
		}); err != nil {
			e.logger.Warn("broadcast ice candidates failed", "err", err)
		}
	case connpool.EventPeerConnected:
		e.metrics.NoiseHandshakes.WithLabelValues("ok").Inc()
		e.onPeerConnected(ev.Gateway, now)
	case connpool.EventPeerFailed:
		e.metrics.NoiseHandshakes.WithLabelValues("failed").Inc()
		e.onPeerFailed(ev.Gateway, now)
	case connpool.EventRelayFailed:
		e.logger.Warn("turn allocation failed")
	}
}

func (e *Eventloop) onPeerConnected(gw ids.GatewayId, now time.Time) {
	for _, rid := range e.resourcesForGateway(gw) {
		ent := e.resources[rid]
		if ent.state == StateConnected {
			continue
		}
		ent.state = StateConnected
		e.flushPending(rid, now)
	}
}

func (e *Eventloop) onPeerFailed(gw ids.GatewayId, now time.Time) {
	e.pool.RemovePeer(gw)
	for _, rid := range e.resourcesForGateway(gw) {
		e.evictResource(rid, now)
	}
}

// evictResource transitions rid to Evicted, drops whatever the
// Scheduler had buffered for it, and synthesizes an ICMP unreachable
// for each dropped packet so the OS TCP/IP stack upstream of the TUN
// can fail fast instead of timing out silently.
func (e *Eventloop) evictResource(rid ids.ResourceId, now time.Time) {
	ent := e.resourceFor(rid)
	ent.state = StateEvicted
	pkts, _, _ := e.scheduler.RemovePendingFlow(rid)
	for _, raw := range pkts {
		if pkt, err := ippacket.Parse(raw); err == nil {
			e.writeTun(scheduler.SynthesizeUnreachable(pkt, ippacket.UnreachableHost))
		}
	}
}

// flushPending drains whatever the Scheduler buffered for rid while it
// was Idle/IntentSent/AwaitingOk and sends it now that the peer is
// established.
func (e *Eventloop) flushPending(rid ids.ResourceId, now time.Time) {
	ent := e.resources[rid]
	pkts, _, _ := e.scheduler.RemovePendingFlow(rid)
	for _, raw := range pkts {
		e.routeToGateway(ent.gateway, raw, now)
	}
}
