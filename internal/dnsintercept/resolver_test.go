// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnsintercept

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/firezone/client-core/internal/sockfactory"
)

// fakeUpstream runs a minimal loopback UDP server that answers any
// query for "app.example.com." with a fixed A record and NXDOMAINs
// everything else, so resolveDo53 can be exercised without a real
// resolver on the network.
func fakeUpstream(t *testing.T) (netip.AddrPort, func()) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			q := new(dns.Msg)
			if err := q.Unpack(buf[:n]); err != nil {
				continue
			}
			r := new(dns.Msg)
			r.SetReply(q)
			if len(q.Question) == 1 && q.Question[0].Name == "app.example.com." {
				r.Answer = append(r.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   netip.MustParseAddr("203.0.113.9").AsSlice(),
				})
			} else {
				r.Rcode = dns.RcodeNameError
			}
			raw, err := r.Pack()
			if err != nil {
				continue
			}
			conn.WriteTo(raw, addr)
		}
	}()

	return netip.MustParseAddrPort(conn.LocalAddr().String()), func() { conn.Close() }
}

func TestResolverDo53RoundTrip(t *testing.T) {
	raddr, cleanup := fakeUpstream(t)
	defer cleanup()

	r := NewResolver(sockfactory.Default{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	query := packQuery(t, "app.example.com", dns.TypeA)
	resp, err := r.Resolve(ctx, Upstream{Kind: UpstreamCustomDo53, Addr: raddr}, query)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	m := new(dns.Msg)
	if err := m.Unpack(resp); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(m.Answer) != 1 {
		t.Fatalf("len(Answer) = %d, want 1", len(m.Answer))
	}
	a, ok := m.Answer[0].(*dns.A)
	if !ok || a.A.String() != "203.0.113.9" {
		t.Fatalf("unexpected answer: %+v", m.Answer[0])
	}
}

func TestResolverDo53NXDOMAIN(t *testing.T) {
	raddr, cleanup := fakeUpstream(t)
	defer cleanup()

	r := NewResolver(sockfactory.Default{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := r.Resolve(ctx, Upstream{Kind: UpstreamCustomDo53, Addr: raddr}, packQuery(t, "unrelated.test", dns.TypeA))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	m := new(dns.Msg)
	if err := m.Unpack(resp); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if m.Rcode != dns.RcodeNameError {
		t.Fatalf("Rcode = %v, want NXDOMAIN", m.Rcode)
	}
}

func TestFinalizeForwardRestampsID(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn("app.example.com"), dns.TypeA)
	q.Id = 0xBEEF
	query, err := q.Pack()
	if err != nil {
		t.Fatalf("Pack query: %v", err)
	}

	r := new(dns.Msg)
	r.SetReply(q)
	r.Id = 0x1234 // simulate an upstream that echoed a different id
	resp, err := r.Pack()
	if err != nil {
		t.Fatalf("Pack response: %v", err)
	}

	out, err := FinalizeForward(query, resp, 512)
	if err != nil {
		t.Fatalf("FinalizeForward: %v", err)
	}
	final := new(dns.Msg)
	if err := final.Unpack(out); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if final.Id != 0xBEEF {
		t.Fatalf("Id = %x, want BEEF", final.Id)
	}
}
