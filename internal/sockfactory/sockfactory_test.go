// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sockfactory

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestDefaultDialUDPRoundTrip(t *testing.T) {
	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer server.Close()

	raddr := netip.MustParseAddrPort(server.LocalAddr().String())

	var d Default
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.DialUDP(ctx, raddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()

	if _, err := conn.(net.Conn).Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 16)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := server.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want ping", buf[:n])
	}
}

func TestDefaultDialUDPUnconnectedWhenNoRemote(t *testing.T) {
	var d Default
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := d.DialUDP(ctx, netip.AddrPort{})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()

	if conn.LocalAddr() == nil {
		t.Fatal("expected a bound local address")
	}
}

func TestDefaultDialTCPRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
		close(accepted)
	}()

	raddr := netip.MustParseAddrPort(ln.Addr().String())

	var d Default
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.DialTCP(ctx, raddr)
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	conn.Close()
	<-accepted
}
