// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package eventloop is the single driver described in spec.md §4.12:
// it owns no thread of its own ("the eventloop never owns threads; it
// is polled by the host runtime") and instead exposes a handful of
// Inject* methods the host's I/O goroutines call as TUN packets,
// inbound UDP datagrams, and decoded Portal events arrive, plus one
// Poll method the host calls to actually drive state forward. Poll
// drains, in strict order, external commands, then tunnel-side
// activity (TUN packets, UDP datagrams, connpool/tcpstack polling),
// then Portal events — the exact priority spec.md §4.12 names.
package eventloop

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/firezone/client-core/internal/connpool"
	"github.com/firezone/client-core/internal/dnsintercept"
	"github.com/firezone/client-core/internal/errors"
	"github.com/firezone/client-core/internal/iface"
	"github.com/firezone/client-core/internal/ids"
	"github.com/firezone/client-core/internal/logging"
	"github.com/firezone/client-core/internal/metrics"
	"github.com/firezone/client-core/internal/noise"
	"github.com/firezone/client-core/internal/portal"
	"github.com/firezone/client-core/internal/scheduler"
	"github.com/firezone/client-core/internal/wire"
)

// UDPSender hands a connpool/iceagent Transmit off to the host's bound
// UDP socket(s); the eventloop never dials or owns a net.PacketConn
// itself (§5 "sockets owned by pool").
type UDPSender func(src, dst netip.AddrPort, payload []byte) error

// PortalPusher is the subset of *portal.Session the eventloop drives
// outbound pushes through. A narrow interface so tests can substitute
// a recorder instead of a real channel.
type PortalPusher interface {
	PushCreateFlow(portal.CreateFlow) error
	PushBroadcastIceCandidates(portal.BroadcastIceCandidates) error
	PushBroadcastInvalidatedIceCandidates(portal.BroadcastInvalidatedIceCandidates) error
}

// Callbacks notify the host of state the UI/OS layer needs to react
// to, mirroring SPEC_FULL.md §4.13's facade callbacks.
type Callbacks struct {
	OnTunInterfaceUpdated func(iface.Config)
	OnResourcesUpdated    func([]portal.ResourceDescription)
	OnDisconnected        func(error)
}

const maxInflightResolves = 16

// Config bundles everything Eventloop needs to wire the packages it
// composes together.
type Config struct {
	Scheduler     *scheduler.Scheduler
	ResourceIndex *scheduler.ResourceIndex
	Interceptor   *dnsintercept.Interceptor
	Resolver      *dnsintercept.Resolver
	Pool          *connpool.Pool
	Portal        PortalPusher
	Tun           iface.Tun
	SendUDP       UDPSender
	LocalStatic   noise.PrivateKey
	LocalPublic   noise.PublicKey
	Callbacks     Callbacks
	Logger        *logging.Logger

	// Metrics, if nil, defaults to the process-wide metrics.Get()
	// registry; tests that don't care about metric side effects can
	// leave it unset.
	Metrics *metrics.Registry
}

// Eventloop is the composition root described above.
type Eventloop struct {
	scheduler     *scheduler.Scheduler
	resourceIndex *scheduler.ResourceIndex
	interceptor   *dnsintercept.Interceptor
	resolver      *dnsintercept.Resolver
	pool          *connpool.Pool
	portal        PortalPusher
	tun           iface.Tun
	sendUDP       UDPSender
	localStatic   noise.PrivateKey
	localPublic   noise.PublicKey
	callbacks     Callbacks
	logger        *logging.Logger
	metrics       *metrics.Registry

	resources     map[ids.ResourceId]*resourceEntry
	disabled      map[ids.ResourceId]bool
	resourceDescs []portal.ResourceDescription

	mu       sync.Mutex
	commands []Command
	tunPkts  [][]byte
	udpPkts  []udpDatagram
	portalEv []portal.Event

	completions chan func(now time.Time)
	resolveSem  chan struct{}

	dnsConns map[dnsConnKey]*dnsTCPConn

	stopped bool
}

type udpDatagram struct {
	from, to netip.AddrPort
	payload  []byte
}

// New builds an Eventloop ready for Poll. The caller is expected to
// have already joined the Portal and applied its Init snapshot (or to
// feed one in via InjectPortalEvent before the first user packet).
func New(cfg Config) *Eventloop {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithComponent("eventloop")
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.Get()
	}
	return &Eventloop{
		scheduler:     cfg.Scheduler,
		resourceIndex: cfg.ResourceIndex,
		interceptor:   cfg.Interceptor,
		resolver:      cfg.Resolver,
		pool:          cfg.Pool,
		portal:        cfg.Portal,
		tun:           cfg.Tun,
		sendUDP:       cfg.SendUDP,
		localStatic:   cfg.LocalStatic,
		localPublic:   cfg.LocalPublic,
		callbacks:     cfg.Callbacks,
		logger:        logger,
		metrics:       reg,
		resources:     make(map[ids.ResourceId]*resourceEntry),
		disabled:      make(map[ids.ResourceId]bool),
		completions:   make(chan func(now time.Time), maxInflightResolves),
		resolveSem:    make(chan struct{}, maxInflightResolves),
		dnsConns:      make(map[dnsConnKey]*dnsTCPConn),
	}
}

// Enqueue submits a host command; safe to call from any goroutine.
func (e *Eventloop) Enqueue(cmd Command) {
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.mu.Unlock()
}

// InjectTunPacket hands the eventloop one packet read off the TUN
// device; safe to call from the host's dedicated TUN-reading goroutine.
func (e *Eventloop) InjectTunPacket(pkt []byte) {
	cp := append([]byte(nil), pkt...)
	e.mu.Lock()
	e.tunPkts = append(e.tunPkts, cp)
	e.mu.Unlock()
}

// InjectUDPDatagram hands the eventloop one datagram read off a pool
// socket; safe to call from the host's UDP-reading goroutine(s).
func (e *Eventloop) InjectUDPDatagram(from, to netip.AddrPort, payload []byte) {
	cp := append([]byte(nil), payload...)
	e.mu.Lock()
	e.udpPkts = append(e.udpPkts, udpDatagram{from: from, to: to, payload: cp})
	e.mu.Unlock()
}

// InjectPortalEvent hands the eventloop one decoded Portal event;
// safe to call from the host's Portal-reading goroutine.
func (e *Eventloop) InjectPortalEvent(ev portal.Event) {
	e.mu.Lock()
	e.portalEv = append(e.portalEv, ev)
	e.mu.Unlock()
}

func (e *Eventloop) drainQueues() ([]Command, [][]byte, []udpDatagram, []portal.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cmds, tun, udp, pev := e.commands, e.tunPkts, e.udpPkts, e.portalEv
	e.commands, e.tunPkts, e.udpPkts, e.portalEv = nil, nil, nil, nil
	return cmds, tun, udp, pev
}

// Poll drives the eventloop forward one tick. It must only ever be
// called from a single goroutine (the host's own driver loop) — every
// other goroutine talks to the eventloop only through Enqueue/Inject*.
// It returns true once a StopCommand has been processed.
func (e *Eventloop) Poll(now time.Time) bool {
	cmds, tunPkts, udpPkts, portalEv := e.drainQueues()

	for _, cmd := range cmds {
		e.handleCommand(cmd, now)
	}
	if e.stopped {
		return true
	}

	for _, pkt := range tunPkts {
		e.handleTunPacket(pkt, now)
	}
	for _, d := range udpPkts {
		e.handleUDPDatagram(d, now)
	}
	e.pollConnpool(now)
	e.pumpDNSOverTCP(now)
	e.drainCompletions(now)

	for _, ev := range portalEv {
		e.handlePortalEvent(ev, now)
	}

	return e.stopped
}

func (e *Eventloop) drainCompletions(now time.Time) {
	for {
		select {
		case fn := <-e.completions:
			fn(now)
		default:
			return
		}
	}
}

func (e *Eventloop) handleCommand(cmd Command, now time.Time) {
	switch c := cmd.(type) {
	case StopCommand:
		e.stopped = true
	case ResetCommand:
		e.handleReset(now)
	case SetDNSCommand:
		e.logger.Info("dns servers overridden", "count", len(c.Servers))
	case SetDisabledResourcesCommand:
		e.disabled = c.Disabled
	case SetTunCommand:
		e.tun = c.Tun
	}
}

// handleReset removes the connpool peer of every gateway in use,
// re-arms any STUN binding that had given up after exhausting its retry
// backoff, and clears every tracked resource's flow state and
// DNS-over-TCP connection. TURN allocations are kept, and the Portal
// connection is not touched: the host owns the blocking WebSocket
// goroutine, and the eventloop only resets its own bookkeeping here.
func (e *Eventloop) handleReset(now time.Time) {
	for gw := range e.activeGatewaySet() {
		e.pool.RemovePeer(gw)
	}
	e.pool.ResetSTUNBindings()
	e.resources = make(map[ids.ResourceId]*resourceEntry)
	e.dnsConns = make(map[dnsConnKey]*dnsTCPConn)
}

func (e *Eventloop) activeGatewaySet() map[ids.GatewayId]struct{} {
	out := make(map[ids.GatewayId]struct{})
	for _, gw := range e.activeGateways() {
		out[gw] = struct{}{}
	}
	return out
}

func (e *Eventloop) writeTun(pkt []byte) {
	if e.tun == nil || len(pkt) == 0 {
		return
	}
	if _, err := e.tun.Write(pkt); err != nil {
		wrapped := errors.Wrap(err, errors.KindFatalIO, "eventloop: tun write failed")
		e.logger.Error("tun write failed", "err", wrapped)
		if e.callbacks.OnDisconnected != nil {
			e.callbacks.OnDisconnected(wrapped)
		}
	}
}

func (e *Eventloop) send(t wire.Transmit) {
	if e.sendUDP == nil {
		return
	}
	if err := e.sendUDP(t.Src, t.Dst, t.Payload); err != nil {
		e.logger.Warn("udp send failed", "dst", t.Dst, "err", err)
	}
}

// dispatchResolve runs up resolution asynchronously (the one place
// this package breaks sans-IO discipline, same as
// internal/dnsintercept.Resolver itself) and delivers the result back
// onto the single Poll goroutine via e.completions, never touching
// Eventloop state from the resolving goroutine itself.
func (e *Eventloop) dispatchResolve(up dnsintercept.Upstream, query []byte, onDone func(now time.Time, answer []byte, err error)) {
	select {
	case e.resolveSem <- struct{}{}:
	default:
		onDone(time.Time{}, nil, errors.New(errors.KindResourceExhaustion, "eventloop: too many in-flight DNS resolves"))
		return
	}
	go func() {
		defer func() { <-e.resolveSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		answer, err := e.resolver.Resolve(ctx, up, query)
		e.completions <- func(now time.Time) { onDone(now, answer, err) }
	}()
}
