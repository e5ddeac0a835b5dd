// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package iceagent

import (
	"time"

	"github.com/pion/stun"
)

type pairState int

const (
	pairWaiting pairState = iota
	pairInProgress
	pairSucceeded
	pairFailed
)

// pair is a local/remote candidate combination under test. One
// connectivity check is outstanding at a time; keepalives reuse the
// same slot once a pair has succeeded.
type pair struct {
	local, remote Candidate
	priority      uint64
	state         pairState
	nominated     bool

	requestID  stun.TransactionID
	hasPending bool
	lastCheck  time.Time
	retries    int
}

// pairPriority is RFC 8445 §6.1.2.3: the controlling agent's candidate
// priority is G, the controlled agent's is D.
func pairPriority(controlling bool, local, remote Candidate) uint64 {
	g, d := uint64(local.Priority), uint64(remote.Priority)
	if !controlling {
		g, d = d, g
	}
	min, max := g, d
	if min > max {
		min, max = max, min
	}
	extra := uint64(0)
	if g > d {
		extra = 1
	}
	return min<<32 | max<<1 | extra
}

func newPair(controlling bool, local, remote Candidate) *pair {
	return &pair{
		local:    local,
		remote:   remote,
		priority: pairPriority(controlling, local, remote),
		state:    pairWaiting,
	}
}
