// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firezone/client-core/internal/dnsintercept"
)

func TestBuildSentinelsEmptyUpstreamReturnsEmptyMap(t *testing.T) {
	sentinels, err := buildSentinels(nil)
	require.NoError(t, err)
	assert.Empty(t, sentinels)
}

func TestBuildSentinelsDrawsFromPinnedRangesByFamily(t *testing.T) {
	sentinels, err := buildSentinels([]string{"1.1.1.1", "8.8.8.8", "2606:4700:4700::1111"})
	require.NoError(t, err)
	require.Len(t, sentinels, 3)

	var v4, v6 int
	for addr, up := range sentinels {
		if addr.Is4() {
			v4++
			assert.True(t, dnsintercept.SentinelRangeV4.Contains(addr), "v4 sentinel %s outside SentinelRangeV4", addr)
		} else {
			v6++
			assert.True(t, dnsintercept.SentinelRangeV6.Contains(addr), "v6 sentinel %s outside SentinelRangeV6", addr)
		}
		assert.Equal(t, dnsintercept.UpstreamCustomDo53, up.Kind)
		assert.EqualValues(t, 53, up.Addr.Port())
	}
	assert.Equal(t, 2, v4)
	assert.Equal(t, 1, v6)
}

func TestBuildSentinelsRejectsUnparsableUpstream(t *testing.T) {
	_, err := buildSentinels([]string{"not-an-ip"})
	require.Error(t, err)
}

func TestSentinelListMatchesMapKeys(t *testing.T) {
	sentinels, err := buildSentinels([]string{"1.1.1.1", "9.9.9.9"})
	require.NoError(t, err)

	list := sentinelList(sentinels)
	require.Len(t, list, len(sentinels))
	for _, addr := range list {
		_, ok := sentinels[addr]
		assert.True(t, ok, "sentinelList returned %s which isn't a map key", addr)
	}
}
