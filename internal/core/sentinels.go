// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package core

import (
	"net/netip"

	"github.com/firezone/client-core/internal/dnsintercept"
)

// buildSentinels assigns one sentinel address per configured upstream
// DNS server, drawn sequentially from dnsintercept's pinned sentinel
// ranges — addresses this client intercepts but never hands back to
// the host as a system resolver. IPv4 upstreams get an IPv4 sentinel,
// IPv6 upstreams an IPv6 one, so a dual-stack upstream list never
// collides on a single family's range.
func buildSentinels(upstreamDNS []string) (map[netip.Addr]dnsintercept.Upstream, error) {
	out := make(map[netip.Addr]dnsintercept.Upstream, len(upstreamDNS))

	cursorV4 := dnsintercept.SentinelRangeV4.Addr()
	cursorV6 := dnsintercept.SentinelRangeV6.Addr()

	for _, raw := range upstreamDNS {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			// config.Validate already rejected anything unparsable;
			// this can only happen if a caller builds Config by hand.
			return nil, err
		}

		var sentinel netip.Addr
		if addr.Is4() {
			cursorV4 = cursorV4.Next()
			sentinel = cursorV4
		} else {
			cursorV6 = cursorV6.Next()
			sentinel = cursorV6
		}

		out[sentinel] = dnsintercept.Upstream{
			Kind: dnsintercept.UpstreamCustomDo53,
			Addr: netip.AddrPortFrom(addr, 53),
		}
	}

	return out, nil
}

// sentinelList returns the keys of sentinels in no particular order,
// for ListenDNSOverTCP wiring at startup.
func sentinelList(sentinels map[netip.Addr]dnsintercept.Upstream) []netip.Addr {
	out := make([]netip.Addr, 0, len(sentinels))
	for addr := range sentinels {
		out = append(out, addr)
	}
	return out
}
