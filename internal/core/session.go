// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package core is the single entry point a host embeds this module
// through: Connect wires every sans-IO package this module composes —
// the noise keypair, the connection pool, the
// scheduler, the DNS interceptor, the Portal session — behind one
// Eventloop, and spawns the handful of goroutines a sans-IO core needs
// a host runtime for. Everything here is ambient, non-sans-IO glue;
// the actual state machines live in internal/eventloop and the
// packages it composes.
package core

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/firezone/client-core/internal/bufpool"
	"github.com/firezone/client-core/internal/clock"
	"github.com/firezone/client-core/internal/config"
	"github.com/firezone/client-core/internal/connpool"
	"github.com/firezone/client-core/internal/dnsintercept"
	"github.com/firezone/client-core/internal/dnsresource"
	"github.com/firezone/client-core/internal/errors"
	"github.com/firezone/client-core/internal/eventloop"
	"github.com/firezone/client-core/internal/ids"
	"github.com/firezone/client-core/internal/iface"
	"github.com/firezone/client-core/internal/logging"
	"github.com/firezone/client-core/internal/metrics"
	"github.com/firezone/client-core/internal/noise"
	"github.com/firezone/client-core/internal/portal"
	"github.com/firezone/client-core/internal/scheduler"
	"github.com/firezone/client-core/internal/sockfactory"
)

// bufpoolCapacity bounds how many tun/udp read buffers may be
// outstanding at once before Get starts reporting exhaustion to
// metrics.Registry.BufferPoolExhausts; it's deliberately generous since
// a genuinely leaking caller, not ordinary bursts, is what this guards
// against.
const bufpoolCapacity = 4096

// metricsSampleInterval is how often the metrics collector re-samples
// the buffer pools and connection pool into their gauges.
const metricsSampleInterval = 10 * time.Second

// proxyRangeV4/proxyRangeV6 are the DNS-resource proxy-IP pool ranges.
// dnsintercept's sentinel ranges (100.100.111.0/24 and
// fd00:2021:1111:8000::/108) lie inside them.
var (
	proxyRangeV4 = netip.MustParsePrefix("100.96.0.0/11")
	proxyRangeV6 = netip.MustParsePrefix("fd00:2021:1111:8000::/107")
)

// tunnelRanges bounds the anti-loop check HandleOutbound performs,
// dropping any packet whose source or destination falls inside these
// ranges; it's the parent of every other range this client carves
// addresses out of (the tunnel's own assigned address, the proxy-IP
// pool, and the sentinel pool).
func tunnelRanges() []netip.Prefix {
	return []netip.Prefix{
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("fd00:2021:1111::/48"),
	}
}

const dnsOverTCPPort = 53

// Callbacks notifies the host of state changes it must react to: a new
// tunnel interface configuration, an updated resource set, or
// disconnection.
type Callbacks struct {
	OnTunInterfaceUpdated func(iface.Config)
	OnResourcesUpdated    func([]portal.ResourceDescription)
	OnDisconnected        func(error)
}

// Session owns one connected client: the Portal WebSocket, the bound
// UDP socket, the eventloop, and the goroutines driving all three.
type Session struct {
	el            *eventloop.Eventloop
	portalSession *portal.Session
	udpConn       net.PacketConn
	localUDPAddr  netip.AddrPort
	tun           tunHolder
	logger        *logging.Logger

	connPool *connpool.Pool
	tunPool  *bufpool.Pool
	udpPool  *bufpool.Pool

	metrics          *metrics.Registry
	metricsCollector *metrics.Collector

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// tunHolder lets SetTun swap the device the host-owned read loop
// drains without racing the loop itself; the eventloop gets its own
// copy of the swap via SetTunCommand, so both the read loop and the
// eventloop's writes stay pointed at the same device.
type tunHolder struct {
	mu  sync.RWMutex
	tun iface.Tun
}

func (h *tunHolder) get() iface.Tun {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tun
}

func (h *tunHolder) set(t iface.Tun) {
	h.mu.Lock()
	h.tun = t
	h.mu.Unlock()
}

// Connect builds and starts a Session against cfg: it loads the
// persisted device id, reads the bearer token, generates this
// instance's noise static keypair, joins the Portal (blocking until
// the join handshake succeeds or permanently fails, mirroring the
// original client's own Session::connect), binds the pool's shared UDP
// socket through factory, and starts the eventloop's driver goroutines.
func Connect(ctx context.Context, cfg config.Config, factory sockfactory.Factory, tun iface.Tun, callbacks Callbacks) (*Session, error) {
	logger := logging.New(cfg.LoggingConfig())

	deviceID, err := LoadDeviceID(cfg.DeviceIDPath)
	if err != nil {
		return nil, err
	}
	token, err := cfg.Token()
	if err != nil {
		return nil, err
	}

	localPriv, localPub, err := noise.GenerateKeypair()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindCryptoFailure, "core: failed to generate local keypair")
	}
	pub32 := [32]byte(localPub)

	loginURL, err := portal.BuildLoginURL(cfg.PortalURL, portal.LoginURLParams{
		Mode:       portal.ModeClient,
		ExternalID: portal.ExternalIDFor(string(deviceID)),
		PublicKey:  &pub32,
	})
	if err != nil {
		return nil, err
	}

	portalSession := portal.NewSession(portal.NewDefaultDialer(), loginURL, token, logger.WithComponent("portal"))
	if err := portalSession.Connect(ctx); err != nil {
		return nil, err
	}

	udpConn, err := factory.DialUDP(ctx, netip.AddrPort{})
	if err != nil {
		portalSession.Close()
		return nil, errors.Wrap(err, errors.KindFatalIO, "core: failed to bind shared udp socket")
	}

	sentinels, err := buildSentinels(cfg.UpstreamDNS)
	if err != nil {
		portalSession.Close()
		udpConn.Close()
		return nil, errors.Wrap(err, errors.KindInternal, "core: failed to build dns sentinels")
	}

	proxies := dnsresource.NewProxyIPs(proxyRangeV4, proxyRangeV6)
	interceptor := dnsintercept.New(proxies)
	interceptor.SetSentinels(sentinels)

	resources := scheduler.NewResourceIndex()
	sched := scheduler.New(resources, interceptor, tunnelRanges())
	for _, sentinel := range sentinelList(sentinels) {
		sched.ListenDNSOverTCP(netip.AddrPortFrom(sentinel, dnsOverTCPPort))
	}

	pool := connpool.New()
	for _, s := range cfg.StunServers {
		if addr, err := netip.ParseAddrPort(s); err == nil {
			pool.AddSTUNServer(addr)
		}
	}
	var localUDPAddr netip.AddrPort
	if local, ok := udpConn.LocalAddr().(*net.UDPAddr); ok {
		localUDPAddr = local.AddrPort()
		pool.AddHostCandidate(localUDPAddr)
	}

	reg := metrics.Get()

	sess := &Session{
		portalSession: portalSession,
		udpConn:       udpConn,
		localUDPAddr:  localUDPAddr,
		logger:        logger,
		connPool:      pool,
		metrics:       reg,
	}
	sess.tun.set(tun)

	sess.tunPool = bufpool.New(bufpool.DefaultMTU, reg.BufferPoolExhausts.Inc)
	sess.tunPool.SetCapacity(bufpoolCapacity)
	sess.udpPool = bufpool.New(bufpool.DefaultMTU, reg.BufferPoolExhausts.Inc)
	sess.udpPool.SetCapacity(bufpoolCapacity)

	sess.metricsCollector = metrics.NewCollector(logger.WithComponent("metrics"), clock.Real(), metricsSampleInterval, sess)

	sess.el = eventloop.New(eventloop.Config{
		Scheduler:     sched,
		ResourceIndex: resources,
		Interceptor:   interceptor,
		Resolver:      dnsintercept.NewResolver(factory),
		Pool:          pool,
		Portal:        portalSession,
		Tun:           tun,
		SendUDP:       sess.sendUDP,
		LocalStatic:   localPriv,
		LocalPublic:   localPub,
		Callbacks: eventloop.Callbacks{
			OnTunInterfaceUpdated: callbacks.OnTunInterfaceUpdated,
			OnResourcesUpdated:    callbacks.OnResourcesUpdated,
			OnDisconnected:        callbacks.OnDisconnected,
		},
		Logger:  logger.WithComponent("eventloop"),
		Metrics: reg,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.start(runCtx)
	go sess.metricsCollector.Start()

	return sess, nil
}

func (s *Session) sendUDP(src, dst netip.AddrPort, payload []byte) error {
	_, err := s.udpConn.WriteTo(payload, net.UDPAddrFromAddrPort(dst))
	return err
}

// SampleBufferPool implements metrics.Sampler, aggregating the tun and
// udp read loops' pools into a single capacity/in-use pair.
func (s *Session) SampleBufferPool() (capacity, inUse int) {
	return s.tunPool.Capacity() + s.udpPool.Capacity(), s.tunPool.InUse() + s.udpPool.InUse()
}

// SampleConnPool implements metrics.Sampler.
func (s *Session) SampleConnPool() (stunByServer map[string]string, turnAllocations, turnChannelBinds int) {
	turnAllocations, turnChannelBinds = s.connPool.TurnStats()
	return s.connPool.STUNBindingStates(), turnAllocations, turnChannelBinds
}

// Reset removes the connpool peers of the gateways in use, re-arms the
// STUN bindings and clears every tracked resource's flow state. TURN
// allocations and the Portal connection are left as they are.
func (s *Session) Reset() {
	s.el.Enqueue(eventloop.ResetCommand{})
}

// SetDNS hands servers to the eventloop, which logs how many were
// given; the resolver's upstream set is not changed.
func (s *Session) SetDNS(servers []netip.Addr) {
	s.el.Enqueue(eventloop.SetDNSCommand{Servers: servers})
}

// SetDisabledResources marks a set of resources unroutable without
// waiting on a fresh Portal snapshot.
func (s *Session) SetDisabledResources(disabled map[ids.ResourceId]bool) {
	s.el.Enqueue(eventloop.SetDisabledResourcesCommand{Disabled: disabled})
}

// SetTun swaps the TUN device both the host read loop and the
// eventloop write to, e.g. after the host recreates its platform
// device.
func (s *Session) SetTun(tun iface.Tun) {
	s.tun.set(tun)
	s.el.Enqueue(eventloop.SetTunCommand{Tun: tun})
}

// Disconnect stops every goroutine this Session owns and releases the
// Portal and UDP sockets. It blocks until shutdown completes. The
// sockets are closed before waiting on the reader goroutines, not
// after: a blocking Read only ever unblocks by erroring out once its
// underlying descriptor is closed, so closing first is what lets
// Disconnect return at all rather than hanging on an in-flight read.
func (s *Session) Disconnect() {
	s.el.Enqueue(eventloop.StopCommand{})
	s.cancel()
	s.portalSession.Close()
	s.udpConn.Close()
	if tun := s.tun.get(); tun != nil {
		tun.Close()
	}
	s.wg.Wait()
	s.metricsCollector.Stop()
}

// driverTick bounds how long a buffered command or packet can wait
// for the driver goroutine to notice it between I/O wakeups.
const driverTick = 50 * time.Millisecond
