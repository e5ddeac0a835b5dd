// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package iface declares the narrow Tun capability the host injects
// into the core. Platform TUN device creation is out of scope (§1
// Non-goals); this package only describes the shape the core reads
// and writes packets through.
package iface

// Config is the TUN interface state the core publishes to the host
// whenever it changes (§6 "Tunnel configuration callback").
type Config struct {
	IPv4         string
	IPv6         string
	SearchDomain string
	DNSServers   []string
	IPv4Routes   []string
	IPv6Routes   []string
}

// Tun is the capability interface the host implements over its
// platform TUN device. Read/Write operate on whole IP packets, MTU
// sized, into caller-supplied buffers — the core never allocates the
// backing buffer itself, reusing internal/bufpool leases instead.
type Tun interface {
	// Read blocks until one packet is available, writing it into buf
	// and returning its length.
	Read(buf []byte) (int, error)
	// Write sends one complete IP packet.
	Write(buf []byte) (int, error)
	// ApplyConfig pushes a new Config to the host's platform TUN setup.
	ApplyConfig(cfg Config) error
	// Close releases the device.
	Close() error
}
