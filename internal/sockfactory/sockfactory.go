// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sockfactory declares the narrow socket-creation capability
// the core is injected with, mirroring the original client's
// socket_factory crate (tcp_socket_factory/udp_socket_factory passed
// into Session::connect). The core never dials sockets directly: the
// host's factory decides source interface binding, routing-table
// bypass, and anything else platform-specific, and only has to
// guarantee the returned sockets never loop traffic back into the TUN
// (§9).
package sockfactory

import (
	"context"
	"net"
	"net/netip"
)

// Factory creates UDP and TCP sockets the core's ambient (non-sans-IO)
// components — the Portal WebSocket dialer and the DNS interceptor's
// upstream forwarding — use to reach the network. The connection pool
// itself never calls this: its own UDP traffic multiplexes over one
// socket the host binds once at startup and hands to the pool as raw
// Transmit/Decapsulate calls, not through this interface.
type Factory interface {
	// DialUDP opens a UDP socket. If raddr is valid, the socket is
	// connected to it (used for upstream DNS forwarding); otherwise it
	// returns an unconnected socket bound for receiving from any peer.
	DialUDP(ctx context.Context, raddr netip.AddrPort) (net.PacketConn, error)
	// DialTCP opens and connects a TCP socket to raddr.
	DialTCP(ctx context.Context, raddr netip.AddrPort) (net.Conn, error)
}

// Default wraps the standard library's net package as a Factory, for
// hosts with no platform-specific routing requirements (most tests and
// simple embedders).
type Default struct {
	Dialer net.Dialer
}

func (d Default) DialUDP(ctx context.Context, raddr netip.AddrPort) (net.PacketConn, error) {
	if !raddr.IsValid() {
		return net.ListenPacket("udp", ":0")
	}
	conn, err := d.Dialer.DialContext(ctx, "udp", raddr.String())
	if err != nil {
		return nil, err
	}
	return conn.(net.PacketConn), nil
}

func (d Default) DialTCP(ctx context.Context, raddr netip.AddrPort) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, "tcp", raddr.String())
}
