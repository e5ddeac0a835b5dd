// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"io"
	"sync"

	"github.com/firezone/client-core/internal/iface"
)

// pipeTun is the narrowest iface.Tun a host without a real platform
// TUN device can supply: every packet the core writes is read straight
// back by nothing (there's no kernel on the other end), and Read blocks
// forever until Close unblocks it with io.ErrClosedPipe. It exists so
// this binary can drive internal/core.Connect through a full
// connect/ApplyConfig/disconnect cycle without requiring the platform
// TUN creation this module deliberately leaves out of scope.
type pipeTun struct {
	mu     sync.Mutex
	closed bool
	wake   chan struct{}

	lastConfig iface.Config
}

func newPipeTun() *pipeTun {
	return &pipeTun{wake: make(chan struct{})}
}

func (t *pipeTun) Read(buf []byte) (int, error) {
	<-t.wake
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	// No real device backs this Tun, so there is never a packet to
	// deliver; Read only ever returns once Close fires.
	return 0, io.ErrClosedPipe
}

func (t *pipeTun) Write(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	return len(buf), nil
}

func (t *pipeTun) ApplyConfig(cfg iface.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastConfig = cfg
	return nil
}

func (t *pipeTun) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.wake)
	return nil
}
