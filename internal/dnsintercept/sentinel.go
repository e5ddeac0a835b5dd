// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dnsintercept answers or forwards DNS queries sent to a
// sentinel IP, the client-facing half of spec.md §4.8. It never owns a
// socket: the UDP/TCP listeners live in the scheduler and tcpstack,
// which hand this package raw query bytes and get back a Decision
// describing what to do with them.
package dnsintercept

import "net/netip"

// UpstreamKind selects how Resolver reaches an upstream resolver.
type UpstreamKind int

const (
	// UpstreamLocalDo53 is the host's own system resolver, reached
	// over plain UDP/TCP port 53.
	UpstreamLocalDo53 UpstreamKind = iota
	// UpstreamCustomDo53 is an admin-configured plain UDP/TCP resolver.
	UpstreamCustomDo53
	// UpstreamDoH is an admin-configured DNS-over-HTTPS resolver.
	UpstreamDoH
)

// Upstream names one resolver a sentinel's non-resource queries
// forward to. Addr is always the literal socket to dial — DoH's URL
// is only used for the HTTP request line and TLS server name, never
// resolved by this package, since the capability interfaces this
// client is built on (§9) don't include a name resolver: whoever
// configures an Upstream is responsible for supplying an address.
type Upstream struct {
	Kind UpstreamKind
	Addr netip.AddrPort
	URL  string
}

// SentinelRangeV4 and SentinelRangeV6 are the address ranges sentinel
// IPs are drawn from (spec.md §3). Interceptor itself doesn't enforce
// membership — it answers whatever's in the map the host configures —
// these are exported for the host's own validation and for tests.
var (
	SentinelRangeV4 = netip.MustParsePrefix("100.100.111.0/24")
	SentinelRangeV6 = netip.MustParsePrefix("fd00:2021:1111:8000::/108")
)
