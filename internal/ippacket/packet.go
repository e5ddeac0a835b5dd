// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ippacket parses and builds IPv4/IPv6 packets carrying
// UDP/TCP/ICMP payloads without ever panicking on malformed input, and
// without depending on the network it runs over — every function here
// operates on an in-memory byte slice, typically one leased from
// internal/bufpool. Grounded on the IpPacket/MutableIpPacket duality in
// the original client's ip-packet crate: one view type, dispatching on
// the version nibble, rather than separate IPv4/IPv6 packet types at
// the package API surface.
package ippacket

import (
	"errors"
	"net/netip"
)

// ErrMalformed is returned by Parse for any input too short or
// inconsistent to be a well-formed IPv4/IPv6 packet.
var ErrMalformed = errors.New("ippacket: malformed packet")

// Packet is a zero-copy view over an IPv4 or IPv6 datagram. The
// backing slice is never copied by this package; callers that need an
// owned copy (e.g. to queue it past the lifetime of a pooled buffer)
// must clone Raw() themselves.
type Packet struct {
	raw     []byte
	version int // 4 or 6
}

// Parse interprets b as an IP packet. It never panics: any input
// shorter than a minimal header, or with an unrecognized version
// nibble, returns ErrMalformed.
func Parse(b []byte) (Packet, error) {
	if len(b) < 1 {
		return Packet{}, ErrMalformed
	}
	switch b[0] >> 4 {
	case 4:
		if len(b) < IPv4HeaderLen {
			return Packet{}, ErrMalformed
		}
		return Packet{raw: b, version: 4}, nil
	case 6:
		if len(b) < IPv6HeaderLen {
			return Packet{}, ErrMalformed
		}
		return Packet{raw: b, version: 6}, nil
	default:
		return Packet{}, ErrMalformed
	}
}

// Raw returns the packet's full backing slice, version-agnostic.
func (p Packet) Raw() []byte { return p.raw }

// IsIPv4 reports whether this packet was parsed as IPv4.
func (p Packet) IsIPv4() bool { return p.version == 4 }

// IsIPv6 reports whether this packet was parsed as IPv6.
func (p Packet) IsIPv6() bool { return p.version == 6 }

// Protocol returns the IP next-header/protocol field (one of the
// Proto* constants).
func (p Packet) Protocol() uint8 {
	if p.version == 4 {
		return ipv4View{p.raw}.protocol()
	}
	return ipv6View{p.raw}.nextHeader()
}

// Source returns the packet's source address.
func (p Packet) Source() netip.Addr {
	if p.version == 4 {
		return ipv4View{p.raw}.source()
	}
	return ipv6View{p.raw}.source()
}

// Destination returns the packet's destination address.
func (p Packet) Destination() netip.Addr {
	if p.version == 4 {
		return ipv4View{p.raw}.destination()
	}
	return ipv6View{p.raw}.destination()
}

// SetSource overwrites the source address in place. The address
// family must match the packet's own; mismatches are silently
// ignored, matching the original's set_src behavior of only handling
// the same-family case.
func (p Packet) SetSource(a netip.Addr) {
	if p.version == 4 && a.Is4() {
		ipv4View{p.raw}.setSource(a)
	} else if p.version == 6 && a.Is6() {
		ipv6View{p.raw}.setSource(a)
	}
}

// SetDestination overwrites the destination address in place, with
// the same family-mismatch behavior as SetSource.
func (p Packet) SetDestination(a netip.Addr) {
	if p.version == 4 && a.Is4() {
		ipv4View{p.raw}.setDestination(a)
	} else if p.version == 6 && a.Is6() {
		ipv6View{p.raw}.setDestination(a)
	}
}

// SwapSrcDst exchanges source and destination in place, used to turn
// an inbound query into the skeleton of its reply.
func (p Packet) SwapSrcDst() {
	src, dst := p.Source(), p.Destination()
	p.SetSource(dst)
	p.SetDestination(src)
}

// l4Payload returns the bytes after the IP header, i.e. the
// UDP/TCP/ICMP datagram.
func (p Packet) l4Payload() []byte {
	if p.version == 4 {
		return ipv4View{p.raw}.payload()
	}
	return ipv6View{p.raw}.payload()
}

// UDPPayload returns the bytes after the IP and UDP headers, as used
// by the DNS interceptor to reach a query/response without needing a
// full UDPHeader view.
func (p Packet) UDPPayload() []byte {
	l4 := p.l4Payload()
	if len(l4) < UDPHeaderLen {
		return nil
	}
	return udpView{l4}.payload()
}

// UDPPorts returns (source, destination) if this packet carries UDP,
// or (0, 0, false) otherwise.
func (p Packet) UDPPorts() (src, dst uint16, ok bool) {
	if p.Protocol() != ProtoUDP {
		return 0, 0, false
	}
	l4 := p.l4Payload()
	if len(l4) < UDPHeaderLen {
		return 0, 0, false
	}
	v := udpView{l4}
	return v.sourcePort(), v.destinationPort(), true
}

// TCPPorts returns (source, destination) if this packet carries TCP.
func (p Packet) TCPPorts() (src, dst uint16, ok bool) {
	if p.Protocol() != ProtoTCP {
		return 0, 0, false
	}
	l4 := p.l4Payload()
	if len(l4) < TCPHeaderLen {
		return 0, 0, false
	}
	v := tcpView{l4}
	return v.sourcePort(), v.destinationPort(), true
}

// TCPFlags returns the TCP flags byte, or 0 if this isn't TCP.
func (p Packet) TCPFlags() uint8 {
	if p.Protocol() != ProtoTCP {
		return 0
	}
	l4 := p.l4Payload()
	if len(l4) < TCPHeaderLen {
		return 0
	}
	return tcpView{l4}.flags()
}

// TCPSegment is a parsed view of a TCP header's fixed fields plus its
// payload, for internal/tcpstack's state machine to consume without
// reaching into this package's unexported views.
type TCPSegment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	Window           uint16
	Payload          []byte
}

// TCPSegment parses this packet's TCP header, or returns ok=false if
// it isn't TCP or is too short to contain one.
func (p Packet) TCPSegment() (TCPSegment, bool) {
	if p.Protocol() != ProtoTCP {
		return TCPSegment{}, false
	}
	l4 := p.l4Payload()
	if len(l4) < TCPHeaderLen {
		return TCPSegment{}, false
	}
	v := tcpView{l4}
	return TCPSegment{
		SrcPort: v.sourcePort(),
		DstPort: v.destinationPort(),
		Seq:     v.seq(),
		Ack:     v.ack(),
		Flags:   v.flags(),
		Window:  v.window(),
		Payload: v.payload(),
	}, true
}

// AsEchoRequest returns the parsed ICMP(v6) echo request fields if
// this packet is one, for synthesizing an echo reply.
func (p Packet) AsEchoRequest() (EchoRequest, bool) {
	l4 := p.l4Payload()
	if p.version == 4 && p.Protocol() == ProtoICMP && isEchoRequest4(l4) {
		return parseEcho(l4)
	}
	if p.version == 6 && p.Protocol() == ProtoICMPv6 && isEchoRequest6(l4) {
		return parseEcho(l4)
	}
	return EchoRequest{}, false
}

// BuildUDP assembles a complete IPv4 or IPv6 + UDP packet into buf,
// which must be at least UDPPacketLen(payload) bytes. src and dst IP
// must be the same address family. Returns the number of bytes
// written.
func BuildUDP(buf []byte, srcIP, dstIP netip.Addr, srcPort, dstPort uint16, payload []byte) int {
	if srcIP.Is4() {
		buildIPv4Header(buf, srcIP, dstIP, ProtoUDP, UDPHeaderLen+len(payload))
		buildUDPHeader(buf[IPv4HeaderLen:], srcIP, dstIP, srcPort, dstPort, payload)
		return IPv4HeaderLen + UDPHeaderLen + len(payload)
	}
	buildIPv6Header(buf, srcIP, dstIP, ProtoUDP, UDPHeaderLen+len(payload))
	buildUDPHeader(buf[IPv6HeaderLen:], srcIP, dstIP, srcPort, dstPort, payload)
	return IPv6HeaderLen + UDPHeaderLen + len(payload)
}

// UDPPacketLen returns the buffer size BuildUDP needs for a payload of
// n bytes over the given address family.
func UDPPacketLen(v4 bool, n int) int {
	if v4 {
		return IPv4HeaderLen + UDPHeaderLen + n
	}
	return IPv6HeaderLen + UDPHeaderLen + n
}

// BuildTCP assembles a complete IP + TCP segment into buf, returning
// the bytes written. window is the advertised receive window;
// internal/tcpstack owns the actual state machine, this just frames
// bytes for it.
func BuildTCP(buf []byte, srcIP, dstIP netip.Addr, srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, payload []byte) int {
	if srcIP.Is4() {
		buildIPv4Header(buf, srcIP, dstIP, ProtoTCP, TCPHeaderLen+len(payload))
		buildTCPHeader(buf[IPv4HeaderLen:], srcIP, dstIP, srcPort, dstPort, seq, ack, flags, window, payload)
		return IPv4HeaderLen + TCPHeaderLen + len(payload)
	}
	buildIPv6Header(buf, srcIP, dstIP, ProtoTCP, TCPHeaderLen+len(payload))
	buildTCPHeader(buf[IPv6HeaderLen:], srcIP, dstIP, srcPort, dstPort, seq, ack, flags, window, payload)
	return IPv6HeaderLen + TCPHeaderLen + len(payload)
}

// TCPPacketLen returns the buffer size BuildTCP needs for a payload of
// n bytes over the given address family.
func TCPPacketLen(v4 bool, n int) int {
	if v4 {
		return IPv4HeaderLen + TCPHeaderLen + n
	}
	return IPv6HeaderLen + TCPHeaderLen + n
}

// BuildICMPEchoReply turns an inbound echo request packet p into an
// echo reply written to buf (src/dst swapped, type flipped to reply),
// returning the bytes written, or 0 if p is not an echo request.
func BuildICMPEchoReply(buf []byte, p Packet) int {
	req, ok := p.AsEchoRequest()
	if !ok {
		return 0
	}
	src, dst := p.Destination(), p.Source()
	if p.version == 4 {
		icmpLen := icmpEchoHeaderLen + len(req.Data)
		buildIPv4Header(buf, src, dst, ProtoICMP, icmpLen)
		buildEchoReply4(buf[IPv4HeaderLen:], req.Identifier, req.Sequence, req.Data)
		return IPv4HeaderLen + icmpLen
	}
	icmpLen := icmpEchoHeaderLen + len(req.Data)
	buildIPv6Header(buf, src, dst, ProtoICMPv6, icmpLen)
	buildEchoReply6(buf[IPv6HeaderLen:], src.As16(), dst.As16(), req.Identifier, req.Sequence, req.Data)
	return IPv6HeaderLen + icmpLen
}

// UnreachableReason selects the ICMP code BuildICMPUnreachable uses.
type UnreachableReason int

const (
	// UnreachablePort maps to "port unreachable" — used when a
	// resource is offline or a flow was rejected after the intent
	// round-trip already completed.
	UnreachablePort UnreachableReason = iota
	// UnreachableHost maps to "host unreachable" — used when no route
	// to the resource exists at all (unknown CIDR/domain).
	UnreachableHost
)

// BuildICMPUnreachable synthesizes a destination-unreachable reply to
// the original packet orig, quoting its header and first 8 payload
// bytes per RFC 792 / RFC 4443, for the scheduler to hand back to the
// TUN when a flow can't be established (§7 FatalIO is not the right
// taxonomy here — the peer path failed, the local stack didn't).
func BuildICMPUnreachable(buf []byte, orig Packet, reason UnreachableReason) int {
	quoteLen := icmpUnreachableQuoteLen
	origHeader := orig.raw
	if orig.version == 4 {
		n := IPv4HeaderLen + quoteLen
		if n > len(origHeader) {
			n = len(origHeader)
		}
		quote := origHeader[:n]
		code := icmpv4CodePortUnreach
		if reason == UnreachableHost {
			code = icmpv4CodeHostUnreach
		}
		icmpLen := icmpEchoHeaderLen + len(quote)
		buildIPv4Header(buf, orig.Destination(), orig.Source(), ProtoICMP, icmpLen)
		buildDestUnreachable4(buf[IPv4HeaderLen:], code, quote)
		return IPv4HeaderLen + icmpLen
	}

	n := IPv6HeaderLen + quoteLen
	if n > len(origHeader) {
		n = len(origHeader)
	}
	quote := origHeader[:n]
	code := icmpv6CodePortUnreach
	if reason == UnreachableHost {
		code = icmpv6CodeNoRouteToDst
	}
	src, dst := orig.Destination(), orig.Source()
	icmpLen := icmpEchoHeaderLen + len(quote)
	buildIPv6Header(buf, src, dst, ProtoICMPv6, icmpLen)
	buildDestUnreachable6(buf[IPv6HeaderLen:], src.As16(), dst.As16(), code, quote)
	return IPv6HeaderLen + icmpLen
}

// RewriteNAT64 rewrites an IPv6 packet destined for a NAT64-mapped
// IPv4 address (the gateway-facing Internet Resource path) into an
// IPv4 packet with the given real source, in buf. It returns 0 if p
// isn't IPv6 or doesn't carry UDP/TCP (ICMP traversal for Internet
// Resources isn't supported, matching the original's NAT64 path).
func RewriteNAT64(buf []byte, p Packet, v4Src, v4Dst netip.Addr) int {
	if p.version != 6 {
		return 0
	}
	l4 := p.l4Payload()
	switch p.Protocol() {
	case ProtoUDP:
		if len(l4) < UDPHeaderLen {
			return 0
		}
		v := udpView{l4}
		return BuildUDP(buf, v4Src, v4Dst, v.sourcePort(), v.destinationPort(), v.payload())
	case ProtoTCP:
		if len(l4) < TCPHeaderLen {
			return 0
		}
		v := tcpView{l4}
		seq := uint32(l4[4])<<24 | uint32(l4[5])<<16 | uint32(l4[6])<<8 | uint32(l4[7])
		ack := uint32(l4[8])<<24 | uint32(l4[9])<<16 | uint32(l4[10])<<8 | uint32(l4[11])
		window := uint16(l4[14])<<8 | uint16(l4[15])
		return BuildTCP(buf, v4Src, v4Dst, v.sourcePort(), v.destinationPort(), seq, ack, v.flags(), window, v.payload())
	default:
		return 0
	}
}
