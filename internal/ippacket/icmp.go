// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ippacket

// icmpEchoHeaderLen is the size of the type/code/checksum/identifier/
// sequence fields common to ICMPv4 and ICMPv6 echo messages, before
// the echo payload.
const icmpEchoHeaderLen = 8

// EchoRequest holds the fields of a parsed ICMP(v6) echo request,
// returned by Packet.AsEchoRequest.
type EchoRequest struct {
	Identifier uint16
	Sequence   uint16
	Data       []byte
}

func parseEcho(icmp []byte) (EchoRequest, bool) {
	if len(icmp) < icmpEchoHeaderLen {
		return EchoRequest{}, false
	}
	return EchoRequest{
		Identifier: uint16(icmp[4])<<8 | uint16(icmp[5]),
		Sequence:   uint16(icmp[6])<<8 | uint16(icmp[7]),
		Data:       icmp[icmpEchoHeaderLen:],
	}, true
}

func isEchoRequest4(icmp []byte) bool {
	return len(icmp) >= 1 && icmp[0] == icmpv4EchoRequest
}

func isEchoRequest6(icmp []byte) bool {
	return len(icmp) >= 1 && icmp[0] == icmpv6EchoRequest
}

// buildEchoReply4 writes an ICMPv4 echo reply (type 0) into buf[:8+len(data)].
func buildEchoReply4(buf []byte, id, seq uint16, data []byte) {
	buf[0] = icmpv4EchoReply
	buf[1] = 0 // code
	buf[2], buf[3] = 0, 0
	buf[4] = byte(id >> 8)
	buf[5] = byte(id)
	buf[6] = byte(seq >> 8)
	buf[7] = byte(seq)
	copy(buf[icmpEchoHeaderLen:], data)
	cs := checksum(buf[:icmpEchoHeaderLen+len(data)])
	buf[2] = byte(cs >> 8)
	buf[3] = byte(cs)
}

// buildEchoReply6 is the ICMPv6 analog (type 129); the checksum uses
// the IPv6 pseudo-header rather than a plain sum.
func buildEchoReply6(buf []byte, src, dst [16]byte, id, seq uint16, data []byte) {
	buf[0] = icmpv6EchoReply
	buf[1] = 0
	buf[2], buf[3] = 0, 0
	buf[4] = byte(id >> 8)
	buf[5] = byte(id)
	buf[6] = byte(seq >> 8)
	buf[7] = byte(seq)
	copy(buf[icmpEchoHeaderLen:], data)
	total := icmpEchoHeaderLen + len(data)
	pseudo := pseudoHeaderSum6(src, dst, ProtoICMPv6, total)
	cs := foldSum(pseudo + sum16(buf[:total]))
	buf[2] = byte(cs >> 8)
	buf[3] = byte(cs)
}

// icmpUnreachableQuoteLen is how much of the original datagram (after
// its IP header) RFC 792/RFC 4443 unreachable messages must quote:
// the original IP header plus 8 bytes, which covers the full UDP
// header or enough of TCP to identify the 4-tuple.
const icmpUnreachableQuoteLen = 8

// buildDestUnreachable4 writes an ICMPv4 destination-unreachable
// message (type 3) quoting the original IPv4 header and its first 8
// payload bytes, as delivered to the kernel's raw ICMP path.
func buildDestUnreachable4(buf []byte, code uint8, originalHeader []byte) {
	buf[0] = icmpv4DestUnreachable
	buf[1] = code
	buf[2], buf[3] = 0, 0
	buf[4], buf[5], buf[6], buf[7] = 0, 0, 0, 0 // unused
	n := copy(buf[icmpEchoHeaderLen:], originalHeader)
	cs := checksum(buf[:icmpEchoHeaderLen+n])
	buf[2] = byte(cs >> 8)
	buf[3] = byte(cs)
}

// buildDestUnreachable6 is the ICMPv6 analog (type 1); note ICMPv6
// carries a 32-bit "unused" field before the quoted header.
func buildDestUnreachable6(buf []byte, src, dst [16]byte, code uint8, originalHeader []byte) {
	buf[0] = icmpv6DestUnreachable
	buf[1] = code
	buf[2], buf[3] = 0, 0
	buf[4], buf[5], buf[6], buf[7] = 0, 0, 0, 0
	n := copy(buf[icmpEchoHeaderLen:], originalHeader)
	total := icmpEchoHeaderLen + n
	pseudo := pseudoHeaderSum6(src, dst, ProtoICMPv6, total)
	cs := foldSum(pseudo + sum16(buf[:total]))
	buf[2] = byte(cs >> 8)
	buf[3] = byte(cs)
}
