// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ippacket

import "net/netip"

// TCPHeaderLen is the minimum (no-options) TCP header length, the
// only shape this package builds.
const TCPHeaderLen = 20

type tcpView struct{ b []byte }

func (v tcpView) sourcePort() uint16      { return uint16(v.b[0])<<8 | uint16(v.b[1]) }
func (v tcpView) destinationPort() uint16 { return uint16(v.b[2])<<8 | uint16(v.b[3]) }
func (v tcpView) seq() uint32 {
	return uint32(v.b[4])<<24 | uint32(v.b[5])<<16 | uint32(v.b[6])<<8 | uint32(v.b[7])
}
func (v tcpView) ack() uint32 {
	return uint32(v.b[8])<<24 | uint32(v.b[9])<<16 | uint32(v.b[10])<<8 | uint32(v.b[11])
}
func (v tcpView) dataOffset() int { return int(v.b[12]>>4) * 4 }
func (v tcpView) flags() uint8    { return v.b[13] }
func (v tcpView) window() uint16  { return uint16(v.b[14])<<8 | uint16(v.b[15]) }

func (v tcpView) payload() []byte {
	off := v.dataOffset()
	if off > len(v.b) {
		return nil
	}
	return v.b[off:]
}

func (v tcpView) setChecksum(c uint16) {
	v.b[16] = byte(c >> 8)
	v.b[17] = byte(c)
}

// TCP flag bits, as set in the 13th header byte.
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
)

// buildTCPHeader writes a 20-byte (no-options) TCP header plus
// payload into buf and fills in the checksum using src/dst's pseudo
// header. seq/ack/flags/window are the caller's responsibility to
// choose; this package only frames bytes, it does not run a state
// machine (see internal/tcpstack for that).
func buildTCPHeader(buf []byte, src, dst netip.Addr, sport, dport uint16, seq, ack uint32, flags uint8, window uint16, payload []byte) {
	buf[0] = byte(sport >> 8)
	buf[1] = byte(sport)
	buf[2] = byte(dport >> 8)
	buf[3] = byte(dport)
	buf[4] = byte(seq >> 24)
	buf[5] = byte(seq >> 16)
	buf[6] = byte(seq >> 8)
	buf[7] = byte(seq)
	buf[8] = byte(ack >> 24)
	buf[9] = byte(ack >> 16)
	buf[10] = byte(ack >> 8)
	buf[11] = byte(ack)
	buf[12] = 5 << 4 // data offset: 5 words, no options
	buf[13] = flags
	buf[14] = byte(window >> 8)
	buf[15] = byte(window)
	buf[16], buf[17] = 0, 0 // checksum, filled below
	buf[18], buf[19] = 0, 0 // urgent pointer

	total := TCPHeaderLen + len(payload)
	copy(buf[TCPHeaderLen:total], payload)

	var pseudo uint32
	if src.Is4() {
		pseudo = pseudoHeaderSum4(src.As4(), dst.As4(), ProtoTCP, total)
	} else {
		pseudo = pseudoHeaderSum6(src.As16(), dst.As16(), ProtoTCP, total)
	}
	cs := foldSum(pseudo + sum16(buf[:total]))
	buf[16] = byte(cs >> 8)
	buf[17] = byte(cs)
}
