// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import (
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/firezone/client-core/internal/dnsintercept"
	"github.com/firezone/client-core/internal/dnsresource"
	"github.com/firezone/client-core/internal/ids"
	"github.com/firezone/client-core/internal/ippacket"
)

func newTestScheduler(t *testing.T) (*Scheduler, ids.ResourceId, ids.SiteId) {
	t.Helper()

	proxies := dnsresource.NewProxyIPs(
		netip.MustParsePrefix("100.96.0.0/16"),
		netip.MustParsePrefix("fd00:2021:1111:8000::/112"),
	)
	interceptor := dnsintercept.New(proxies)
	interceptor.SetSentinels(map[netip.Addr]dnsintercept.Upstream{
		netip.MustParseAddr("100.100.111.1"): {Kind: dnsintercept.UpstreamLocalDo53, Addr: netip.MustParseAddrPort("10.0.0.53:53")},
	})

	resources := NewResourceIndex()
	rid := ids.ResourceId("res-1")
	site := ids.SiteId("site-1")
	resources.Set([]Resource{{ID: rid, Site: site, CIDR: netip.MustParsePrefix("10.10.0.0/24")}})

	tunnelRanges := []netip.Prefix{netip.MustParsePrefix("100.64.0.0/10")}
	return New(resources, interceptor, tunnelRanges), rid, site
}

func buildIPv4UDP(t *testing.T, src, dst netip.Addr, sport, dport uint16, payload []byte) ippacket.Packet {
	t.Helper()
	buf := make([]byte, ippacket.UDPPacketLen(true, len(payload)))
	n := ippacket.BuildUDP(buf, src, dst, sport, dport, payload)
	pkt, err := ippacket.Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return pkt
}

func TestHandleOutboundDropsTunnelRangeLoop(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	pkt := buildIPv4UDP(t, netip.MustParseAddr("100.64.0.5"), netip.MustParseAddr("8.8.8.8"), 1234, 53, []byte("x"))

	d := s.HandleOutbound(pkt, func(ids.SiteId) (ids.GatewayId, bool) { return "", false }, func(ids.SiteId) bool { return false }, time.Now())
	if d.Kind != DecisionDropLoop {
		t.Fatalf("expected DecisionDropLoop, got %v", d.Kind)
	}
}

func TestHandleOutboundRoutesWhenGatewayExists(t *testing.T) {
	s, rid, site := newTestScheduler(t)
	pkt := buildIPv4UDP(t, netip.MustParseAddr("10.1.0.1"), netip.MustParseAddr("10.10.0.5"), 1234, 80, []byte("hello"))

	gw := ids.GatewayId("gw-1")
	d := s.HandleOutbound(pkt, func(siteID ids.SiteId) (ids.GatewayId, bool) {
		if siteID == site {
			return gw, true
		}
		return "", false
	}, func(ids.SiteId) bool { return true }, time.Now())

	if d.Kind != DecisionRoute {
		t.Fatalf("expected DecisionRoute, got %v", d.Kind)
	}
	if d.Resource != rid || d.Gateway != gw {
		t.Fatalf("unexpected resource/gateway: %+v", d)
	}
}

func TestHandleOutboundBuffersPendingFlowAndEmitsIntentOnce(t *testing.T) {
	s, _, site := newTestScheduler(t)
	pkt := buildIPv4UDP(t, netip.MustParseAddr("10.1.0.1"), netip.MustParseAddr("10.10.0.5"), 1234, 80, []byte("hello"))

	noGateway := func(ids.SiteId) (ids.GatewayId, bool) { return "", false }
	notConnected := func(ids.SiteId) bool { return false }

	now := time.Now()
	first := s.HandleOutbound(pkt, noGateway, notConnected, now)
	if first.Kind != DecisionPending || !first.Intent {
		t.Fatalf("expected first call to carry an intent: %+v", first)
	}
	if first.Site != site {
		t.Fatalf("expected site %q, got %q", site, first.Site)
	}

	second := s.HandleOutbound(pkt, noGateway, notConnected, now.Add(100*time.Millisecond))
	if second.Kind != DecisionPending || second.Intent {
		t.Fatalf("expected second call within cooldown to carry no intent: %+v", second)
	}
}

func TestHandleOutboundNoRouteWhenUnmatchedAndInternetDisabled(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	pkt := buildIPv4UDP(t, netip.MustParseAddr("10.1.0.1"), netip.MustParseAddr("93.184.216.34"), 1234, 80, []byte("hi"))

	d := s.HandleOutbound(pkt, func(ids.SiteId) (ids.GatewayId, bool) { return "", false }, func(ids.SiteId) bool { return false }, time.Now())
	if d.Kind != DecisionNoRoute {
		t.Fatalf("expected DecisionNoRoute, got %v", d.Kind)
	}
}

func TestHandleOutboundRoutesInternetResourceFallbackWhenEnabled(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	internet := ids.ResourceId("internet")
	internetSite := ids.SiteId("internet-site")
	s.resources.Set([]Resource{
		{ID: internet, Site: internetSite, IsInternet: true},
	})
	s.SetInternetResourceEnabled(true)

	pkt := buildIPv4UDP(t, netip.MustParseAddr("10.1.0.1"), netip.MustParseAddr("93.184.216.34"), 1234, 80, []byte("hi"))
	gw := ids.GatewayId("gw-internet")
	d := s.HandleOutbound(pkt, func(ids.SiteId) (ids.GatewayId, bool) { return gw, true }, func(ids.SiteId) bool { return true }, time.Now())
	if d.Kind != DecisionRoute || d.Resource != internet || d.Gateway != gw {
		t.Fatalf("expected internet resource route, got %+v", d)
	}
}

func TestEnqueueInboundDropsOldestPastCapacity(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.peerQueueCap = 2
	gw := ids.GatewayId("gw-1")

	s.EnqueueInbound(gw, []byte("a"))
	s.EnqueueInbound(gw, []byte("b"))
	s.EnqueueInbound(gw, []byte("c"))

	got := s.DrainInbound(gw)
	if len(got) != 2 || string(got[0]) != "b" || string(got[1]) != "c" {
		t.Fatalf("unexpected queue contents: %v", got)
	}
	if more := s.DrainInbound(gw); more != nil {
		t.Fatalf("expected drained queue to be empty, got %v", more)
	}
}

func TestHandleSentinelUDPForwardsUnmatchedQuery(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	up := dnsintercept.Upstream{Kind: dnsintercept.UpstreamLocalDo53, Addr: netip.MustParseAddrPort("10.0.0.53:53")}
	s.interceptor.SetSentinels(map[netip.Addr]dnsintercept.Upstream{
		netip.MustParseAddr("100.100.111.1"): up,
	})

	msg := new(dns.Msg)
	msg.SetQuestion("example.net.", dns.TypeA)
	raw, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	pkt := buildIPv4UDP(t, netip.MustParseAddr("100.64.0.5"), netip.MustParseAddr("100.100.111.1"), 34567, 53, raw)
	d := s.HandleOutbound(pkt, func(ids.SiteId) (ids.GatewayId, bool) { return "", false }, func(ids.SiteId) bool { return false }, time.Now())

	if d.Kind != DecisionDNSForward {
		t.Fatalf("expected DecisionDNSForward, got %v", d.Kind)
	}
	if d.Forward == nil || d.Forward.ReplyTo.Port() != 34567 {
		t.Fatalf("unexpected forward target: %+v", d.Forward)
	}
}
