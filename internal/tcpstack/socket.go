// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tcpstack

import (
	"net/netip"

	"github.com/firezone/client-core/internal/ippacket"
)

// Socket is a handle onto one accepted connection. It carries no
// state of its own — all state lives in the Stack's conn table,
// keyed by the 4-tuple this handle was issued for — so a Socket
// can be held past the lifetime of any single HandleInput call.
type Socket struct {
	stack *Stack
	key   connKey
}

// Recv returns any application bytes received since the last Recv
// call, or ok=false if none are buffered yet or the connection is
// gone. Recv does not frame DNS messages: the caller accumulates
// bytes across calls until it has a complete length-prefixed query,
// the same way a stream socket read would.
func (sock Socket) Recv() ([]byte, bool) {
	c, ok := sock.stack.conns[sock.key]
	if !ok || len(c.recvBuf) == 0 {
		return nil, false
	}
	data := c.recvBuf
	c.recvBuf = nil
	return data, true
}

// Send transmits data immediately as a single segment. DNS-over-TCP
// responses are small enough (at most a 16-bit length prefix plus
// message) to never need splitting across segments or waiting on a
// send window, so there's no retransmission queue to manage here.
func (sock Socket) Send(data []byte) {
	c, ok := sock.stack.conns[sock.key]
	if !ok || c.state != stateEstablished {
		return
	}
	sock.stack.send(c, ippacket.FlagACK|ippacket.FlagPSH, data)
}

// Close half-closes the connection by sending FIN; the peer's own FIN
// (or an idle timeout) completes the teardown.
func (sock Socket) Close() {
	c, ok := sock.stack.conns[sock.key]
	if !ok || c.finSent {
		return
	}
	sock.stack.send(c, ippacket.FlagFIN|ippacket.FlagACK, nil)
	if c.state == stateEstablished {
		c.state = stateFinWait
	}
}

// Abort tears the connection down immediately with RST, per §4.9
// "any state other than Established triggers re-listen" — used when
// a query can't be parsed or answered.
func (sock Socket) Abort() {
	c, ok := sock.stack.conns[sock.key]
	if !ok {
		return
	}
	sock.stack.send(c, ippacket.FlagRST, nil)
	delete(sock.stack.conns, sock.key)
}

// LocalEndpoint returns the sentinel-side address:port this
// connection was accepted on.
func (sock Socket) LocalEndpoint() netip.AddrPort { return sock.key.local }

// RemoteEndpoint returns the client-side address:port.
func (sock Socket) RemoteEndpoint() netip.AddrPort { return sock.key.remote }
