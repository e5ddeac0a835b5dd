// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ippacket

import "net/netip"

// UDPHeaderLen is the fixed 8-byte UDP header length.
const UDPHeaderLen = 8

type udpView struct{ b []byte }

func (v udpView) sourcePort() uint16      { return uint16(v.b[0])<<8 | uint16(v.b[1]) }
func (v udpView) destinationPort() uint16 { return uint16(v.b[2])<<8 | uint16(v.b[3]) }
func (v udpView) length() int             { return int(v.b[4])<<8 | int(v.b[5]) }

func (v udpView) payload() []byte {
	n := v.length()
	if n > len(v.b) {
		n = len(v.b)
	}
	if n < UDPHeaderLen {
		return nil
	}
	return v.b[UDPHeaderLen:n]
}

func (v udpView) setChecksum(c uint16) {
	v.b[6] = byte(c >> 8)
	v.b[7] = byte(c)
}

// buildUDPHeader writes an 8-byte UDP header plus payload into
// buf[:8+len(payload)] and computes its pseudo-header checksum. src
// and dst must be the same IP family and are used only for the
// checksum, not written into the UDP header itself.
func buildUDPHeader(buf []byte, src, dst netip.Addr, sport, dport uint16, payload []byte) {
	buf[0] = byte(sport >> 8)
	buf[1] = byte(sport)
	buf[2] = byte(dport >> 8)
	buf[3] = byte(dport)
	total := UDPHeaderLen + len(payload)
	buf[4] = byte(total >> 8)
	buf[5] = byte(total)
	buf[6], buf[7] = 0, 0
	copy(buf[UDPHeaderLen:total], payload)

	var pseudo uint32
	if src.Is4() {
		pseudo = pseudoHeaderSum4(src.As4(), dst.As4(), ProtoUDP, total)
	} else {
		pseudo = pseudoHeaderSum6(src.As16(), dst.As16(), ProtoUDP, total)
	}
	cs := foldSum(pseudo + sum16(buf[:total]))
	if cs == 0 {
		cs = 0xffff // RFC 768: a computed zero is transmitted as all-ones
	}
	buf[6] = byte(cs >> 8)
	buf[7] = byte(cs)
}
