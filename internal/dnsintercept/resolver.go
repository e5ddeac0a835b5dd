// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnsintercept

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/firezone/client-core/internal/sockfactory"
)

// Resolver performs the actual upstream DNS exchange for a
// DecisionForward. Unlike the rest of this package it isn't sans-IO:
// DoH's HTTP/2 framing and the TCP fallback on a truncated UDP answer
// both need a real, multi-round-trip connection to hold state across,
// the same reason the portal's WebSocket is the core's other async
// boundary (§5's "UDP send/recv" and "WebSocket read/write" suspension
// points). All dialing goes through the injected sockfactory.Factory,
// never net.Dial directly, so a host can still keep this traffic off
// its default route table.
type Resolver struct {
	factory sockfactory.Factory

	mu         sync.Mutex
	dohClients map[netip.AddrPort]*http.Client
}

// NewResolver builds a Resolver that dials through factory.
func NewResolver(factory sockfactory.Factory) *Resolver {
	return &Resolver{
		factory:    factory,
		dohClients: make(map[netip.AddrPort]*http.Client),
	}
}

// Resolve sends query to up and returns the raw response bytes.
func (r *Resolver) Resolve(ctx context.Context, up Upstream, query []byte) ([]byte, error) {
	switch up.Kind {
	case UpstreamLocalDo53, UpstreamCustomDo53:
		return r.resolveDo53(ctx, up.Addr, query)
	case UpstreamDoH:
		return r.resolveDoH(ctx, up, query)
	default:
		return nil, fmt.Errorf("dnsintercept: unknown upstream kind %d", up.Kind)
	}
}

// resolveDo53 tries UDP first, falling back to TCP if the UDP answer
// comes back with the truncated bit set, per RFC 1035 §4.2.1.
func (r *Resolver) resolveDo53(ctx context.Context, raddr netip.AddrPort, query []byte) ([]byte, error) {
	conn, err := r.factory.DialUDP(ctx, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	sock, ok := conn.(net.Conn)
	if !ok {
		return nil, fmt.Errorf("dnsintercept: factory returned an unconnected UDP socket")
	}
	if _, err := sock.Write(query); err != nil {
		return nil, err
	}

	buf := make([]byte, 65535)
	n, err := sock.Read(buf)
	if err != nil {
		return nil, err
	}
	resp := buf[:n]

	if IsTruncated(resp) {
		return r.resolveDo53TCP(ctx, raddr, query)
	}
	return resp, nil
}

// resolveDo53TCP performs one RFC 1035 §4.2.2 length-prefixed exchange.
func (r *Resolver) resolveDo53TCP(ctx context.Context, raddr netip.AddrPort, query []byte) ([]byte, error) {
	conn, err := r.factory.DialTCP(ctx, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	framed := make([]byte, 2+len(query))
	binary.BigEndian.PutUint16(framed, uint16(len(query)))
	copy(framed[2:], query)
	if _, err := conn.Write(framed); err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	respLen := binary.BigEndian.Uint16(lenBuf[:])
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// resolveDoH issues one RFC 8484 POST exchange.
func (r *Resolver) resolveDoH(ctx context.Context, up Upstream, query []byte) ([]byte, error) {
	client := r.dohClient(up.Addr)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, up.URL, bytes.NewReader(query))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/dns-message")
	req.Header.Set("accept", "application/dns-message")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dnsintercept: DoH upstream %s returned %d", up.URL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 65535))
}

// dohClient returns a cached HTTP/2 client dialing raddr directly,
// bypassing any name resolution: the URL's host is only used for SNI
// and the Host header, never looked up, since no capability interface
// here resolves names (§9) — an Upstream's Addr is already the dial
// target the host resolved once at config time.
func (r *Resolver) dohClient(raddr netip.AddrPort) *http.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.dohClients[raddr]; ok {
		return c
	}

	transport := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			conn, err := r.factory.DialTCP(ctx, raddr)
			if err != nil {
				return nil, err
			}
			tlsConn := tls.Client(conn, cfg)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
	}
	c := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	r.dohClients[raddr] = c
	return c
}
