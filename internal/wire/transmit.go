// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package wire holds the small value types shared by every sans-IO
// state machine (stunbinding, turnalloc, iceagent, noise, connpool):
// the outbound datagram envelope they hand back to their caller via
// poll_transmit, rather than ever writing to a socket themselves.
package wire

import "net/netip"

// Transmit is a UDP datagram a sans-IO component wants sent on its
// behalf. Src is the zero value unless the component needs to pin a
// specific local source (e.g. a TURN relay address); callers send
// from their own bound socket otherwise.
type Transmit struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}
