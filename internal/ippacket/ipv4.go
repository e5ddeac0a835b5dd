// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ippacket

import "net/netip"

// IPv4HeaderLen is the length of a header with no options, the only
// shape this package produces or expects on the wire.
const IPv4HeaderLen = 20

// ipv4View is a zero-copy window over an IPv4 packet's bytes.
type ipv4View struct{ b []byte }

func (v ipv4View) ihl() int           { return int(v.b[0]&0x0f) * 4 }
func (v ipv4View) totalLength() int   { return int(v.b[2])<<8 | int(v.b[3]) }
func (v ipv4View) protocol() uint8    { return v.b[9] }
func (v ipv4View) source() netip.Addr {
	return netip.AddrFrom4([4]byte{v.b[12], v.b[13], v.b[14], v.b[15]})
}
func (v ipv4View) destination() netip.Addr {
	return netip.AddrFrom4([4]byte{v.b[16], v.b[17], v.b[18], v.b[19]})
}

func (v ipv4View) setSource(a netip.Addr) {
	a4 := a.As4()
	copy(v.b[12:16], a4[:])
}

func (v ipv4View) setDestination(a netip.Addr) {
	a4 := a.As4()
	copy(v.b[16:20], a4[:])
}

func (v ipv4View) setChecksum(c uint16) {
	v.b[10] = byte(c >> 8)
	v.b[11] = byte(c)
}

func (v ipv4View) payload() []byte {
	ihl := v.ihl()
	total := v.totalLength()
	if total > len(v.b) {
		total = len(v.b)
	}
	if ihl > total {
		return nil
	}
	return v.b[ihl:total]
}

// ipv4Checksum recomputes the header checksum over the IHL-sized
// header with the checksum field itself zeroed.
func ipv4Checksum(header []byte) uint16 {
	tmp := make([]byte, len(header))
	copy(tmp, header)
	tmp[10] = 0
	tmp[11] = 0
	return checksum(tmp)
}

// buildIPv4Header writes a 20-byte IPv4 header (no options) for a
// payload of payloadLen bytes into buf[:20], leaving the checksum
// computed over the finished header.
func buildIPv4Header(buf []byte, src, dst netip.Addr, proto uint8, payloadLen int) {
	buf[0] = 0x45 // version 4, IHL 5
	buf[1] = 0    // DSCP/ECN
	total := IPv4HeaderLen + payloadLen
	buf[2] = byte(total >> 8)
	buf[3] = byte(total)
	buf[4], buf[5] = 0, 0 // identification
	buf[6], buf[7] = 0, 0 // flags/fragment offset
	buf[8] = 64           // TTL
	buf[9] = proto
	buf[10], buf[11] = 0, 0 // checksum, filled below
	s4 := src.As4()
	d4 := dst.As4()
	copy(buf[12:16], s4[:])
	copy(buf[16:20], d4[:])
	cs := ipv4Checksum(buf[:IPv4HeaderLen])
	buf[10] = byte(cs >> 8)
	buf[11] = byte(cs)
}
