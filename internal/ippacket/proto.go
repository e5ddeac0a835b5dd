// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ippacket

// IANA assigned internet protocol numbers, the subset this package
// cares about as IP next-header/protocol field values.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// ICMPv4 and ICMPv6 type/code values used by the echo and
// destination-unreachable builders.
const (
	icmpv4EchoReply        uint8 = 0
	icmpv4DestUnreachable  uint8 = 3
	icmpv4EchoRequest      uint8 = 8
	icmpv4CodePortUnreach  uint8 = 3
	icmpv4CodeHostUnreach  uint8 = 1

	icmpv6DestUnreachable  uint8 = 1
	icmpv6EchoRequest      uint8 = 128
	icmpv6EchoReply        uint8 = 129
	icmpv6CodePortUnreach  uint8 = 4
	icmpv6CodeNoRouteToDst uint8 = 0
)
