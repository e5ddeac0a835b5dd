// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package eventloop

import (
	"net/netip"
	"testing"
	"time"

	"github.com/firezone/client-core/internal/connpool"
	"github.com/firezone/client-core/internal/dnsintercept"
	"github.com/firezone/client-core/internal/dnsresource"
	"github.com/firezone/client-core/internal/iface"
	"github.com/firezone/client-core/internal/ids"
	"github.com/firezone/client-core/internal/ippacket"
	"github.com/firezone/client-core/internal/noise"
	"github.com/firezone/client-core/internal/portal"
	"github.com/firezone/client-core/internal/scheduler"
)

// recordingTun is a minimal iface.Tun standing in for a host's real
// platform TUN device, recording every write and config apply.
type recordingTun struct {
	written [][]byte
	applied int
}

func (t *recordingTun) Read(buf []byte) (int, error) { return 0, nil }
func (t *recordingTun) Write(buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	t.written = append(t.written, cp)
	return len(buf), nil
}
func (t *recordingTun) ApplyConfig(cfg iface.Config) error { t.applied++; return nil }
func (t *recordingTun) Close() error                       { return nil }

var _ iface.Tun = (*recordingTun)(nil)

// recordingPortal records every push without any real network I/O.
type recordingPortal struct {
	createFlows []portal.CreateFlow
	broadcasts  []portal.BroadcastIceCandidates
}

func (p *recordingPortal) PushCreateFlow(msg portal.CreateFlow) error {
	p.createFlows = append(p.createFlows, msg)
	return nil
}
func (p *recordingPortal) PushBroadcastIceCandidates(msg portal.BroadcastIceCandidates) error {
	p.broadcasts = append(p.broadcasts, msg)
	return nil
}
func (p *recordingPortal) PushBroadcastInvalidatedIceCandidates(msg portal.BroadcastInvalidatedIceCandidates) error {
	return nil
}

var _ PortalPusher = (*recordingPortal)(nil)

func newTestEventloop(t *testing.T) (el *Eventloop, tun *recordingTun, prt *recordingPortal, rid ids.ResourceId, site ids.SiteId) {
	t.Helper()

	proxies := dnsresource.NewProxyIPs(
		netip.MustParsePrefix("100.96.0.0/16"),
		netip.MustParsePrefix("fd00:2021:1111:8000::/112"),
	)
	interceptor := dnsintercept.New(proxies)

	resources := scheduler.NewResourceIndex()
	rid = ids.ResourceId("res-1")
	site = ids.SiteId("site-1")
	resources.Set([]scheduler.Resource{{ID: rid, Site: site, CIDR: netip.MustParsePrefix("10.10.0.0/24")}})

	sched := scheduler.New(resources, interceptor, []netip.Prefix{netip.MustParsePrefix("100.64.0.0/10")})
	pool := connpool.New()

	tun = &recordingTun{}
	prt = &recordingPortal{}

	localPriv, localPub, err := noise.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	el = New(Config{
		Scheduler:     sched,
		ResourceIndex: resources,
		Interceptor:   interceptor,
		Pool:          pool,
		Portal:        prt,
		Tun:           tun,
		SendUDP:       func(src, dst netip.AddrPort, payload []byte) error { return nil },
		LocalStatic:   localPriv,
		LocalPublic:   localPub,
	})
	return el, tun, prt, rid, site
}

func buildIPv4UDP(t *testing.T, src, dst netip.Addr, sport, dport uint16, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, ippacket.UDPPacketLen(true, len(payload)))
	n := ippacket.BuildUDP(buf, src, dst, sport, dport, payload)
	return buf[:n]
}

func TestSendCreateFlowTransitionsToIntentSentOnce(t *testing.T) {
	el, _, prt, rid, _ := newTestEventloop(t)
	now := time.Now()

	pkt := buildIPv4UDP(t, netip.MustParseAddr("10.1.0.1"), netip.MustParseAddr("10.10.0.5"), 1234, 80, []byte("hello"))
	el.handleTunPacket(pkt, now)
	el.handleTunPacket(pkt, now)

	if len(prt.createFlows) != 1 {
		t.Fatalf("expected exactly one create_flow push, got %d", len(prt.createFlows))
	}
	if prt.createFlows[0].ResourceID != rid {
		t.Fatalf("unexpected resource id: %+v", prt.createFlows[0])
	}
	if got := el.resources[rid].state; got != StateIntentSent {
		t.Fatalf("expected StateIntentSent, got %v", got)
	}
}

func TestApplyCreateFlowErrOfflineDropsPendingAndSynthesizesUnreachable(t *testing.T) {
	el, tun, _, rid, _ := newTestEventloop(t)
	now := time.Now()

	pkt := buildIPv4UDP(t, netip.MustParseAddr("10.1.0.1"), netip.MustParseAddr("10.10.0.5"), 1234, 80, []byte("hello"))
	el.handleTunPacket(pkt, now)

	el.applyCreateFlowErr(portal.CreateFlowErr{ResourceID: rid, Reason: portal.ReasonOffline}, now)

	if got := el.resources[rid].state; got != StateOffline {
		t.Fatalf("expected StateOffline, got %v", got)
	}
	if len(tun.written) == 0 {
		t.Fatalf("expected an ICMP unreachable written to the TUN")
	}
}

func TestApplyCreateFlowOkInstallsPeerAndMarksConnected(t *testing.T) {
	el, _, _, rid, _ := newTestEventloop(t)
	now := time.Now()

	pkt := buildIPv4UDP(t, netip.MustParseAddr("10.1.0.1"), netip.MustParseAddr("10.10.0.5"), 1234, 80, []byte("hello"))
	el.handleTunPacket(pkt, now)

	_, gwPub, err := noise.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	gw := ids.GatewayId("gw-1")
	el.applyCreateFlowOk(portal.CreateFlowOk{
		ResourceID:       rid,
		GatewayID:        gw,
		GatewayPublicKey: [32]byte(gwPub),
		IceUfrag:         "ufrag",
		IcePwd:           "pwd",
	}, now)

	if got := el.resources[rid].state; got != StateConnected {
		t.Fatalf("expected StateConnected, got %v", got)
	}
	if el.resources[rid].gateway != gw {
		t.Fatalf("expected gateway %q, got %q", gw, el.resources[rid].gateway)
	}
}

func TestApplyInitAppliesInterfaceConfigAndResources(t *testing.T) {
	el, tun, _, _, _ := newTestEventloop(t)

	var updated []portal.ResourceDescription
	el.callbacks.OnResourcesUpdated = func(r []portal.ResourceDescription) { updated = r }

	el.applyInit(portal.Init{
		Interface: portal.InterfaceConfig{IPv4: netip.MustParseAddr("100.64.0.2")},
		Resources: []portal.ResourceDescription{{ID: "res-2", Site: "site-2", Kind: "cidr", Address: "10.20.0.0/24"}},
	})

	if tun.applied != 1 {
		t.Fatalf("expected ApplyConfig called once, got %d", tun.applied)
	}
	if len(updated) != 1 || updated[0].ID != "res-2" {
		t.Fatalf("expected OnResourcesUpdated callback with res-2, got %+v", updated)
	}
}

func TestPollProcessesStopCommand(t *testing.T) {
	el, _, _, _, _ := newTestEventloop(t)
	el.Enqueue(StopCommand{})
	if stopped := el.Poll(time.Now()); !stopped {
		t.Fatalf("expected Poll to report stopped after a StopCommand")
	}
}

func TestConnectedToSiteHoldsSiblingIntents(t *testing.T) {
	el, _, _, rid, site := newTestEventloop(t)
	if el.connectedToSite(site) {
		t.Fatalf("expected connectedToSite false before any resource activity")
	}
	el.resourceFor(rid).state = StateIntentSent
	if !el.connectedToSite(site) {
		t.Fatalf("expected connectedToSite true once a sibling resource left Idle")
	}
}

func TestSetDisabledResourcesCommandAppliesImmediately(t *testing.T) {
	el, _, _, rid, _ := newTestEventloop(t)
	el.Enqueue(SetDisabledResourcesCommand{Disabled: map[ids.ResourceId]bool{rid: true}})
	el.Poll(time.Now())

	if !el.disabled[rid] {
		t.Fatalf("expected resource to be marked disabled after Poll")
	}
}
