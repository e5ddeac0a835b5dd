// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the client core's Prometheus metrics. The
// Registry/Get() singleton and WithLabelValues usage pattern are
// carried from a router product's own metrics collector; the metrics
// themselves were rebuilt around this domain's counters (buffer pool
// pressure, flow lifecycle, STUN/TURN/ICE bookkeeping) instead of
// nftables interface/policy byte counters, since this client never owns
// a kernel firewall or interface counters.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric this module exports. It is created once
// per process via Get() and registered against the default Prometheus
// registerer; a host embedding the core may instead construct its own
// via NewRegistry(prometheus.NewRegistry()) to avoid colliding with its
// own metrics namespace.
type Registry struct {
	// Buffer pool (§4.1 / §7 resource exhaustion).
	BufferPoolSize     prometheus.Gauge
	BufferPoolInUse    prometheus.Gauge
	BufferPoolExhausts prometheus.Counter

	// Connection pool / STUN / TURN / ICE (§4.2-§4.6).
	StunBindingState  *prometheus.GaugeVec   // labels: server, state
	TurnAllocations   prometheus.Gauge
	TurnChannelBinds  prometheus.Gauge
	IceCandidatePairs *prometheus.GaugeVec   // labels: gateway, state
	IceNominations    prometheus.Counter
	NoiseHandshakes   *prometheus.CounterVec // labels: result (ok|timeout|auth_failed)
	NoiseRekeys       prometheus.Counter

	// Flow / resource lifecycle (§3, §4.10, §4.12).
	FlowState         *prometheus.GaugeVec // labels: resource, state
	ConnectionIntents *prometheus.CounterVec
	FlowRejections    *prometheus.CounterVec // labels: reason

	// DNS interceptor (§4.7-§4.9).
	DNSQueriesTotal    *prometheus.CounterVec // labels: transport, result
	DNSSentinelsInUse  prometheus.Gauge
	DNSProxyIPsIssued  prometheus.Gauge
	DNSResponseTruncs  prometheus.Counter
	TCPDNSConnsOpen    prometheus.Gauge

	// Portal session (§4.11).
	PortalReconnects  prometheus.Counter
	PortalLastInit    prometheus.Gauge // unix seconds of last Init
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Get returns the process-wide Registry, registering it against
// prometheus.DefaultRegisterer on first use.
func Get() *Registry {
	defaultOnce.Do(func() {
		defaultReg = NewRegistry(prometheus.DefaultRegisterer)
	})
	return defaultReg
}

// NewRegistry builds a fresh Registry and registers all of its metrics
// against reg. Hosts that want metric isolation (tests, multi-session
// processes) should call this directly rather than Get().
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		BufferPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "firezone_client", Subsystem: "bufpool", Name: "capacity",
			Help: "Configured capacity of the buffer pool.",
		}),
		BufferPoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "firezone_client", Subsystem: "bufpool", Name: "in_use",
			Help: "Buffers currently checked out of the pool.",
		}),
		BufferPoolExhausts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "firezone_client", Subsystem: "bufpool", Name: "exhausted_total",
			Help: "Times a buffer was requested while the pool was at capacity.",
		}),
		StunBindingState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "firezone_client", Subsystem: "stun", Name: "binding_state",
			Help: "1 if the STUN binding to a server is in the given state.",
		}, []string{"server", "state"}),
		TurnAllocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "firezone_client", Subsystem: "turn", Name: "allocations",
			Help: "Active TURN allocations.",
		}),
		TurnChannelBinds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "firezone_client", Subsystem: "turn", Name: "channel_binds",
			Help: "Active TURN channel bindings across all allocations.",
		}),
		IceCandidatePairs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "firezone_client", Subsystem: "ice", Name: "candidate_pairs",
			Help: "ICE candidate pairs per gateway, by state.",
		}, []string{"gateway", "state"}),
		IceNominations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "firezone_client", Subsystem: "ice", Name: "nominations_total",
			Help: "Successful ICE nominations across all peers.",
		}),
		NoiseHandshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firezone_client", Subsystem: "noise", Name: "handshakes_total",
			Help: "Noise_IK handshakes attempted, partitioned by result.",
		}, []string{"result"}),
		NoiseRekeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "firezone_client", Subsystem: "noise", Name: "rekeys_total",
			Help: "Noise session rekeys performed.",
		}),
		FlowState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "firezone_client", Subsystem: "flow", Name: "state",
			Help: "1 if the resource's flow state machine is in the given state.",
		}, []string{"resource", "state"}),
		ConnectionIntents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firezone_client", Subsystem: "flow", Name: "intents_total",
			Help: "Connection intents emitted, partitioned by whether they were throttled.",
		}, []string{"outcome"}),
		FlowRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firezone_client", Subsystem: "flow", Name: "rejections_total",
			Help: "CreateFlowErr responses, partitioned by reason.",
		}, []string{"reason"}),
		DNSQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firezone_client", Subsystem: "dns", Name: "queries_total",
			Help: "DNS queries handled by the interceptor.",
		}, []string{"transport", "result"}),
		DNSSentinelsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "firezone_client", Subsystem: "dns", Name: "sentinels_in_use",
			Help: "Sentinel IPs currently mapped to an upstream.",
		}),
		DNSProxyIPsIssued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "firezone_client", Subsystem: "dns", Name: "proxy_ips_issued",
			Help: "Proxy IPs issued for DNS resource domains this session.",
		}),
		DNSResponseTruncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "firezone_client", Subsystem: "dns", Name: "truncations_total",
			Help: "DNS responses that exceeded the byte budget and were truncated.",
		}),
		TCPDNSConnsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "firezone_client", Subsystem: "dns", Name: "tcp_connections_open",
			Help: "Open TCP:53 connections across all sentinels.",
		}),
		PortalReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "firezone_client", Subsystem: "portal", Name: "reconnects_total",
			Help: "Portal WebSocket reconnect attempts.",
		}),
		PortalLastInit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "firezone_client", Subsystem: "portal", Name: "last_init_unixtime",
			Help: "Unix timestamp of the last processed Init message.",
		}),
	}

	for _, c := range r.collectors() {
		reg.MustRegister(c)
	}
	return r
}

func (r *Registry) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.BufferPoolSize, r.BufferPoolInUse, r.BufferPoolExhausts,
		r.StunBindingState, r.TurnAllocations, r.TurnChannelBinds,
		r.IceCandidatePairs, r.IceNominations, r.NoiseHandshakes, r.NoiseRekeys,
		r.FlowState, r.ConnectionIntents, r.FlowRejections,
		r.DNSQueriesTotal, r.DNSSentinelsInUse, r.DNSProxyIPsIssued, r.DNSResponseTruncs, r.TCPDNSConnsOpen,
		r.PortalReconnects, r.PortalLastInit,
	}
}
