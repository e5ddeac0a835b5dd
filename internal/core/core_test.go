// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package core

import (
	"net/netip"
	"testing"

	"github.com/firezone/client-core/internal/dnsintercept"
)

// TestAddressRangesNest pins down the relationship between the four
// ranges this package juggles: the tunnel ranges HandleOutbound's
// anti-loop check uses must fully contain both the proxy-IP pool and
// the sentinel pool, or a proxy/sentinel address outside them would
// slip past the anti-loop check as if it were ordinary traffic.
func TestAddressRangesNest(t *testing.T) {
	ranges := tunnelRanges()

	inTunnelRange := func(addr netip.Addr) bool {
		for _, r := range ranges {
			if r.Contains(addr) {
				return true
			}
		}
		return false
	}

	cases := []struct {
		name string
		addr netip.Addr
	}{
		{"proxyRangeV4 base", proxyRangeV4.Addr()},
		{"proxyRangeV6 base", proxyRangeV6.Addr()},
		{"SentinelRangeV4 base", dnsintercept.SentinelRangeV4.Addr()},
		{"SentinelRangeV6 base", dnsintercept.SentinelRangeV6.Addr()},
	}
	for _, c := range cases {
		if !inTunnelRange(c.addr) {
			t.Errorf("%s (%s) is not contained by any tunnel range", c.name, c.addr)
		}
	}
}

func TestDriverTickIsPositive(t *testing.T) {
	if driverTick <= 0 {
		t.Fatalf("driverTick must be positive, got %s", driverTick)
	}
}

func TestTunHolderGetSetRoundTrips(t *testing.T) {
	var h tunHolder
	if got := h.get(); got != nil {
		t.Fatalf("expected a freshly zeroed tunHolder to hold nil, got %v", got)
	}
	h.set(nil)
	if got := h.get(); got != nil {
		t.Fatalf("expected tunHolder to still hold nil after an explicit nil set, got %v", got)
	}
}
