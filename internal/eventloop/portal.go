// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package eventloop

import (
	"net/netip"
	"time"

	"github.com/firezone/client-core/internal/dnsresource"
	"github.com/firezone/client-core/internal/errors"
	"github.com/firezone/client-core/internal/ids"
	"github.com/firezone/client-core/internal/iface"
	"github.com/firezone/client-core/internal/ippacket"
	"github.com/firezone/client-core/internal/noise"
	"github.com/firezone/client-core/internal/portal"
	"github.com/firezone/client-core/internal/scheduler"
)

// handlePortalEvent is the lowest-priority tier of Poll (spec.md
// §4.12): Portal activity never preempts a pending command or tunnel
// packet, only fills in whatever time is left each tick.
func (e *Eventloop) handlePortalEvent(ev portal.Event, now time.Time) {
	switch ev.Kind {
	case portal.EventInit:
		e.applyInit(ev.Init)
	case portal.EventConfigChanged:
		e.applyInterfaceConfig(ev.ConfigChanged.Interface)
	case portal.EventIceCandidates:
		for _, c := range ev.IceCandidates.Candidates {
			e.pool.AddRemoteCandidate(ev.IceCandidates.GatewayID, c)
		}
	case portal.EventInvalidateIceCandidates:
		for _, addr := range ev.InvalidateIceCandidates.Candidates {
			e.pool.RemoveRemoteCandidate(ev.InvalidateIceCandidates.GatewayID, addr)
		}
	case portal.EventResourceCreatedOrUpdated:
		e.upsertResourceDescription(ev.ResourceCreatedOrUpdated.Resource)
	case portal.EventResourceDeleted:
		e.removeResourceDescription(ev.ResourceDeleted.ID)
	case portal.EventRelaysPresence:
		e.applyRelaysPresence(ev.RelaysPresence)
	case portal.EventCreateFlowOk:
		e.applyCreateFlowOk(ev.CreateFlowOk, now)
	case portal.EventCreateFlowErr:
		e.applyCreateFlowErr(ev.CreateFlowErr, now)
	case portal.EventDisconnected:
		e.handlePortalDisconnected(ev.DisconnectErr)
	case portal.EventConnected:
		// the join handshake itself; Init always follows immediately.
	}
}

// applyInit replaces the resource set and interface config and upserts
// the snapshot's relays, per spec.md §4.11. Relays from an earlier
// snapshot that this one omits are not removed.
func (e *Eventloop) applyInit(init portal.Init) {
	e.resourceDescs = init.Resources
	e.resourceIndex.Set(toSchedulerResources(init.Resources))
	e.interceptor.SetResources(toMatcherEntries(init.Resources))
	if e.callbacks.OnResourcesUpdated != nil {
		e.callbacks.OnResourcesUpdated(init.Resources)
	}
	e.applyRelaysPresence(portal.RelaysPresence{Upserted: init.Relays})
	e.applyInterfaceConfig(init.Interface)
}

func (e *Eventloop) applyInterfaceConfig(cfg portal.InterfaceConfig) {
	if e.tun == nil {
		return
	}
	ifcfg := toIfaceConfig(cfg)
	if err := e.tun.ApplyConfig(ifcfg); err != nil {
		e.logger.Error("tun config apply failed", "err", err)
		return
	}
	if e.callbacks.OnTunInterfaceUpdated != nil {
		e.callbacks.OnTunInterfaceUpdated(ifcfg)
	}
}

func toIfaceConfig(cfg portal.InterfaceConfig) iface.Config {
	out := iface.Config{SearchDomain: cfg.SearchDomain}
	if cfg.IPv4.IsValid() {
		out.IPv4 = cfg.IPv4.String()
	}
	if cfg.IPv6.IsValid() {
		out.IPv6 = cfg.IPv6.String()
	}
	for _, a := range cfg.DNSServers {
		out.DNSServers = append(out.DNSServers, a.String())
	}
	for _, p := range cfg.IPv4Routes {
		out.IPv4Routes = append(out.IPv4Routes, p.String())
	}
	for _, p := range cfg.IPv6Routes {
		out.IPv6Routes = append(out.IPv6Routes, p.String())
	}
	return out
}

// upsertResourceDescription and removeResourceDescription keep
// e.resourceDescs, the last full snapshot of the portal's resource
// descriptions, so ResourceCreatedOrUpdated/ResourceDeleted can
// rebuild the Scheduler's matcher incrementally without the portal
// having to resend the whole set each time.
func (e *Eventloop) upsertResourceDescription(rd portal.ResourceDescription) {
	e.resourceDescs = upsertDesc(e.resourceDescs, rd)
	e.resourceIndex.Set(toSchedulerResources(e.resourceDescs))
	e.interceptor.SetResources(toMatcherEntries(e.resourceDescs))
	if e.callbacks.OnResourcesUpdated != nil {
		e.callbacks.OnResourcesUpdated(e.resourceDescs)
	}
}

func (e *Eventloop) removeResourceDescription(id ids.ResourceId) {
	e.resourceDescs = removeDesc(e.resourceDescs, id)
	e.resourceIndex.Set(toSchedulerResources(e.resourceDescs))
	e.interceptor.SetResources(toMatcherEntries(e.resourceDescs))
	delete(e.resources, id)
	if e.callbacks.OnResourcesUpdated != nil {
		e.callbacks.OnResourcesUpdated(e.resourceDescs)
	}
}

// toMatcherEntries projects the DNS-kind resources out of a full
// description set into the pattern entries dnsintercept's matcher
// ranks by specificity; CIDR and Internet resources have no domain
// pattern and never participate in DNS matching.
func toMatcherEntries(descs []portal.ResourceDescription) []dnsresource.Entry {
	out := make([]dnsresource.Entry, 0, len(descs))
	for _, rd := range descs {
		if rd.Kind != "dns" {
			continue
		}
		out = append(out, dnsresource.Entry{Pattern: rd.Address, Resource: rd.ID})
	}
	return out
}

func upsertDesc(set []portal.ResourceDescription, rd portal.ResourceDescription) []portal.ResourceDescription {
	for i, existing := range set {
		if existing.ID == rd.ID {
			set[i] = rd
			return set
		}
	}
	return append(set, rd)
}

func removeDesc(set []portal.ResourceDescription, id ids.ResourceId) []portal.ResourceDescription {
	out := set[:0]
	for _, rd := range set {
		if rd.ID != id {
			out = append(out, rd)
		}
	}
	return out
}

func toSchedulerResources(descs []portal.ResourceDescription) []scheduler.Resource {
	out := make([]scheduler.Resource, 0, len(descs))
	for _, rd := range descs {
		res := scheduler.Resource{ID: rd.ID, Site: rd.Site, IsInternet: rd.Kind == "internet"}
		if rd.Kind == "cidr" {
			if p, err := netip.ParsePrefix(rd.Address); err == nil {
				res.CIDR = p
			}
		}
		out = append(out, res)
	}
	return out
}

func (e *Eventloop) applyRelaysPresence(rp portal.RelaysPresence) {
	for _, r := range rp.Upserted {
		e.pool.UpsertRelay(r.ID, r.Addr, r.Username, r.Password, r.Realm)
	}
	for _, id := range rp.Disconnected {
		e.pool.RemoveRelay(id)
	}
}

// applyCreateFlowOk installs the gateway's noise session and ICE
// credentials and transitions the resource straight to Connected,
// flushing whatever the Scheduler buffered while the intent was
// outstanding (spec.md §4.12: "CreateFlowOk -> Connected (install
// noise, flush pending buffers)").
func (e *Eventloop) applyCreateFlowOk(ok portal.CreateFlowOk, now time.Time) {
	ent := e.resourceFor(ok.ResourceID)
	ent.gateway = ok.GatewayID
	ent.site, _ = e.resourceIndex.SiteOf(ok.ResourceID)

	const clientIsControlling = true
	if _, err := e.pool.EnsurePeer(ok.GatewayID, e.localStatic, noise.PublicKey(ok.GatewayPublicKey), noise.PresharedKey(ok.PresharedKey), clientIsControlling); err != nil {
		e.logger.Error("ensure peer failed", "gateway", ok.GatewayID, "err", err)
		e.evictResource(ok.ResourceID, now)
		return
	}
	e.pool.SetRemoteICECredentials(ok.GatewayID, ok.IceUfrag, ok.IcePwd)

	ent.state = StateConnected
	e.flushPending(ok.ResourceID, now)
}

// applyCreateFlowErr marks a resource offline on an Offline reply,
// dropping whatever traffic had queued for it; an Unknown reply is
// logged and left pending so the connection-intent cooldown can retry.
func (e *Eventloop) applyCreateFlowErr(errMsg portal.CreateFlowErr, now time.Time) {
	e.metrics.FlowRejections.WithLabelValues(string(errMsg.Reason)).Inc()
	switch errMsg.Reason {
	case portal.ReasonOffline:
		ent := e.resourceFor(errMsg.ResourceID)
		ent.state = StateOffline
		pkts, _, _ := e.scheduler.RemovePendingFlow(errMsg.ResourceID)
		e.dropWithUnreachable(pkts)
	default:
		ent := e.resourceFor(errMsg.ResourceID)
		if ent.state == StateIntentSent {
			ent.state = StateIdle
		}
		e.logger.Warn("create_flow rejected", "resource", errMsg.ResourceID, "reason", errMsg.Reason)
	}
}

func (e *Eventloop) dropWithUnreachable(pkts [][]byte) {
	for _, raw := range pkts {
		if pkt, err := ippacket.Parse(raw); err == nil {
			e.writeTun(scheduler.SynthesizeUnreachable(pkt, ippacket.UnreachableHost))
		}
	}
}

// handlePortalDisconnected implements spec.md §4.12's failure
// semantics: "Portal disconnect is always retried; the client never
// surfaces it unless authentication fails permanently." The host's own
// reconnect goroutine (driving *portal.Session.Connect) handles the
// retry itself; the eventloop's only job is deciding whether this
// particular disconnect is the permanent kind.
func (e *Eventloop) handlePortalDisconnected(err error) {
	if err == nil {
		return
	}
	if errors.GetKind(err).Fatal() {
		if e.callbacks.OnDisconnected != nil {
			e.callbacks.OnDisconnected(err)
		}
		return
	}
	e.logger.Warn("portal disconnected, retrying", "err", err)
}
