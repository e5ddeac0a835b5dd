// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ippacket

import "net/netip"

// IPv6HeaderLen is the fixed IPv6 header length; extension headers
// are not produced or parsed by this package.
const IPv6HeaderLen = 40

type ipv6View struct{ b []byte }

func (v ipv6View) payloadLength() int { return int(v.b[4])<<8 | int(v.b[5]) }
func (v ipv6View) nextHeader() uint8  { return v.b[6] }

func (v ipv6View) source() netip.Addr {
	var a [16]byte
	copy(a[:], v.b[8:24])
	return netip.AddrFrom16(a)
}

func (v ipv6View) destination() netip.Addr {
	var a [16]byte
	copy(a[:], v.b[24:40])
	return netip.AddrFrom16(a)
}

func (v ipv6View) setSource(a netip.Addr) {
	a16 := a.As16()
	copy(v.b[8:24], a16[:])
}

func (v ipv6View) setDestination(a netip.Addr) {
	a16 := a.As16()
	copy(v.b[24:40], a16[:])
}

func (v ipv6View) payload() []byte {
	end := IPv6HeaderLen + v.payloadLength()
	if end > len(v.b) {
		end = len(v.b)
	}
	return v.b[IPv6HeaderLen:end]
}

// buildIPv6Header writes a 40-byte IPv6 header for a payload of
// payloadLen bytes into buf[:40]. IPv6 carries no header checksum.
func buildIPv6Header(buf []byte, src, dst netip.Addr, next uint8, payloadLen int) {
	buf[0] = 0x60 // version 6
	buf[1], buf[2], buf[3] = 0, 0, 0
	buf[4] = byte(payloadLen >> 8)
	buf[5] = byte(payloadLen)
	buf[6] = next
	buf[7] = 64 // hop limit
	s16 := src.As16()
	d16 := dst.As16()
	copy(buf[8:24], s16[:])
	copy(buf[24:40], d16[:])
}
