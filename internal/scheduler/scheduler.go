// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package scheduler owns routing decisions for every packet the host
// reads off the TUN device (spec.md §4.10). It never reads or writes
// the TUN itself — the host does that — and never owns a peer's
// noise session or ICE agent either, both of which live in
// internal/connpool; Scheduler only decides *which* gateway a packet
// should go to, and buffers it until the eventloop tells it one
// exists.
package scheduler

import (
	"net/netip"
	"time"

	"github.com/firezone/client-core/internal/dnsintercept"
	"github.com/firezone/client-core/internal/ids"
	"github.com/firezone/client-core/internal/ippacket"
	"github.com/firezone/client-core/internal/tcpstack"
)

// defaultPeerQueueCap bounds the TUN-write backpressure queue kept
// per gateway (spec.md §4.10: "bounded queue with drop-oldest
// semantics per peer").
const defaultPeerQueueCap = 256

// DecisionKind classifies what HandleOutbound decided to do with one
// outbound packet.
type DecisionKind int

const (
	// DecisionDropLoop means the packet's source or destination fell
	// inside the tunnel's own address range and was dropped to avoid
	// a routing loop.
	DecisionDropLoop DecisionKind = iota
	// DecisionDNSAnswer means the interceptor answered locally;
	// TunWrite holds the full IP packet to write back.
	DecisionDNSAnswer
	// DecisionDNSForward means the query matched no resource and must
	// be sent upstream; Forward holds what to send and where.
	DecisionDNSForward
	// DecisionDNSDrop means a malformed sentinel-addressed query was
	// dropped.
	DecisionDNSDrop
	// DecisionTCPConsumed means a TCP segment addressed to a
	// sentinel was handed to the TCP/IP stack; nothing further to do
	// here, drain Scheduler's TCP accessors separately.
	DecisionTCPConsumed
	// DecisionRoute means a peer already exists for the matched
	// resource's site; Packet should be encapsulated over Gateway's
	// noise session and submitted to the pool.
	DecisionRoute
	// DecisionPending means the packet was buffered because no peer
	// exists yet for the matched resource's site. Intent reports
	// whether a ConnectionIntent should now be emitted.
	DecisionPending
	// DecisionNoRoute means the destination matched no CIDR resource
	// and no Internet Resource is enabled; the caller should
	// synthesize an ICMP host-unreachable.
	DecisionNoRoute
)

// ForwardQuery is what DecisionDNSForward asks the caller to send
// upstream (via internal/dnsintercept.Resolver) and, once answered,
// finalize and write back to ReplyTo over the original transport.
type ForwardQuery struct {
	Upstream dnsintercept.Upstream
	Query    []byte
	ReplyTo  netip.AddrPort
	Sentinel netip.Addr
}

// Decision is the result of HandleOutbound.
type Decision struct {
	Kind     DecisionKind
	Resource ids.ResourceId
	Site     ids.SiteId
	Gateway  ids.GatewayId
	Packet   []byte
	TunWrite []byte
	Forward  *ForwardQuery
	Intent   bool
}

// Scheduler dispatches outbound TUN packets per spec.md §4.10.
type Scheduler struct {
	resources    *ResourceIndex
	pending      *PendingFlows
	interceptor  *dnsintercept.Interceptor
	tcp          *tcpstack.Stack
	tunnelRanges []netip.Prefix
	internet     bool

	peerQueues   map[ids.GatewayId]*Ring[[]byte]
	peerQueueCap int
}

// New builds a Scheduler over the given resource index and DNS
// interceptor. tunnelRanges are the address ranges HandleOutbound
// treats as internal-only (sentinel, proxy-IP, and the tunnel's own
// assigned addresses) for its anti-loop check.
func New(resources *ResourceIndex, interceptor *dnsintercept.Interceptor, tunnelRanges []netip.Prefix) *Scheduler {
	return &Scheduler{
		resources:    resources,
		pending:      NewPendingFlows(),
		interceptor:  interceptor,
		tcp:          tcpstack.New(),
		tunnelRanges: tunnelRanges,
		peerQueues:   make(map[ids.GatewayId]*Ring[[]byte]),
		peerQueueCap: defaultPeerQueueCap,
	}
}

// SetInternetResourceEnabled toggles whether unmatched traffic routes
// through the advertised Internet Resource, per the user's current
// disabled-resources setting.
func (s *Scheduler) SetInternetResourceEnabled(enabled bool) {
	s.internet = enabled
}

// ListenDNSOverTCP registers sentinel as accepting TCP:53 connections
// on the embedded user-space TCP stack.
func (s *Scheduler) ListenDNSOverTCP(sentinel netip.AddrPort) {
	s.tcp.Listen(sentinel)
}

func (s *Scheduler) inTunnelRange(addr netip.Addr) bool {
	for _, p := range s.tunnelRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// udpDNSReplyBudget is the byte budget passed to the interceptor for
// UDP-transport answers; RFC 1035 §2.3.4's historical 512-byte
// default, since nothing here negotiates EDNS0.
const udpDNSReplyBudget = 512

// HandleOutbound classifies one outbound IP packet read from the
// TUN. gatewayFor resolves a site to an already-connected gateway, if
// one exists; connectedToSite reports the same fact at the site
// level, for PendingFlows' same-site coalescing.
func (s *Scheduler) HandleOutbound(pkt ippacket.Packet, gatewayFor func(ids.SiteId) (ids.GatewayId, bool), connectedToSite func(ids.SiteId) bool, now time.Time) Decision {
	dst := pkt.Destination()

	if _, ok := s.interceptor.IsSentinel(dst); ok {
		return s.handleSentinel(pkt, dst, now)
	}

	if s.inTunnelRange(pkt.Source()) || s.inTunnelRange(dst) {
		return Decision{Kind: DecisionDropLoop}
	}

	if resID, ok := s.resources.MatchCIDR(dst); ok {
		return s.routeOrBuffer(resID, pkt, gatewayFor, connectedToSite, now)
	}

	if s.internet {
		if resID, ok := s.resources.InternetResource(); ok {
			return s.routeOrBuffer(resID, pkt, gatewayFor, connectedToSite, now)
		}
	}

	return Decision{Kind: DecisionNoRoute}
}

func (s *Scheduler) routeOrBuffer(resID ids.ResourceId, pkt ippacket.Packet, gatewayFor func(ids.SiteId) (ids.GatewayId, bool), connectedToSite func(ids.SiteId) bool, now time.Time) Decision {
	site, ok := s.resources.SiteOf(resID)
	if !ok {
		return Decision{Kind: DecisionNoRoute}
	}

	raw := append([]byte(nil), pkt.Raw()...)

	if gw, ok := gatewayFor(site); ok {
		return Decision{Kind: DecisionRoute, Resource: resID, Site: site, Gateway: gw, Packet: raw}
	}

	s.pending.OnNotConnectedResource(resID, PacketForResource{Packet: raw}, s.resources, connectedToSite, now)
	_, hasIntent := s.pending.PollConnectionIntent()
	return Decision{Kind: DecisionPending, Resource: resID, Site: site, Intent: hasIntent}
}

func (s *Scheduler) handleSentinel(pkt ippacket.Packet, sentinel netip.Addr, now time.Time) Decision {
	sport, dport, isUDP := pkt.UDPPorts()
	if isUDP && dport == 53 {
		d := s.interceptor.HandleQuery(sentinel, pkt.UDPPayload(), udpDNSReplyBudget)
		switch d.Kind {
		case dnsintercept.DecisionAnswer:
			reply := buildUDPReply(pkt, dport, sport, d.Answer)
			out := Decision{Kind: DecisionDNSAnswer, TunWrite: reply}
			if d.Resource != "" {
				out.Resource = d.Resource
				if site, ok := s.resources.SiteOf(d.Resource); ok {
					out.Site = site
				}
			}
			return out
		case dnsintercept.DecisionForward:
			return Decision{Kind: DecisionDNSForward, Forward: &ForwardQuery{
				Upstream: d.Upstream,
				Query:    d.Query,
				ReplyTo:  netip.AddrPortFrom(pkt.Source(), sport),
				Sentinel: sentinel,
			}}
		default:
			return Decision{Kind: DecisionDNSDrop}
		}
	}

	if s.tcp.HandleInput(pkt, now) {
		return Decision{Kind: DecisionTCPConsumed}
	}
	return Decision{Kind: DecisionDNSDrop}
}

// buildUDPReply wraps a synthesized DNS answer back into a full
// IP+UDP packet addressed to the original querier, swapping source
// and destination relative to the inbound query.
func buildUDPReply(query ippacket.Packet, querySrcPort, queryDstPort uint16, answer []byte) []byte {
	srcIP, dstIP := query.Destination(), query.Source()
	buf := make([]byte, ippacket.UDPPacketLen(srcIP.Is4(), len(answer)))
	n := ippacket.BuildUDP(buf, srcIP, dstIP, querySrcPort, queryDstPort, answer)
	return buf[:n]
}

// PollTCPAccept returns the next DNS-over-TCP connection that has
// finished its handshake, for the eventloop to read a query from.
func (s *Scheduler) PollTCPAccept() (tcpstack.Socket, bool) {
	return s.tcp.PollAccept()
}

// PollTCPTransmit returns the next queued IP+TCP packet the embedded
// TCP stack wants written to the TUN.
func (s *Scheduler) PollTCPTransmit() ([]byte, bool) {
	return s.tcp.PollTransmit()
}

// HandleTCPTimeout ages out stalled TCP/IP connections.
func (s *Scheduler) HandleTCPTimeout(now time.Time) {
	s.tcp.HandleTimeout(now)
}

// RemovePendingFlow drains and returns everything buffered for rid,
// for the eventloop to flush onto a newly installed peer once
// CreateFlowOk arrives.
func (s *Scheduler) RemovePendingFlow(rid ids.ResourceId) ([][]byte, []DNSQueryForSite, bool) {
	return s.pending.Remove(rid)
}

// EnqueueInbound buffers a decapsulated packet bound for the TUN
// behind gw's backpressure queue, dropping the oldest queued packet
// first if already full.
func (s *Scheduler) EnqueueInbound(gw ids.GatewayId, packet []byte) {
	q, ok := s.peerQueues[gw]
	if !ok {
		q = NewRing[[]byte](s.peerQueueCap)
		s.peerQueues[gw] = q
	}
	q.Push(packet)
}

// DrainInbound returns and clears everything queued for gw.
func (s *Scheduler) DrainInbound(gw ids.GatewayId) [][]byte {
	q, ok := s.peerQueues[gw]
	if !ok {
		return nil
	}
	return q.Drain()
}

// SynthesizeUnreachable builds an ICMP destination-unreachable reply
// to orig, for a buffered packet whose flow could never be
// established or was evicted after the fact.
func SynthesizeUnreachable(orig ippacket.Packet, reason ippacket.UnreachableReason) []byte {
	buf := make([]byte, 1500)
	n := ippacket.BuildICMPUnreachable(buf, orig, reason)
	return buf[:n]
}
