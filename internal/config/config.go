// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the host-level settings a client-core embedder
// supplies at startup: which Portal to join, where the persisted device
// id lives, and the handful of opt-in feature flags that should be read
// through an abstraction rather than scattered environment variable
// lookups. It follows the HCL-via-hashicorp/hcl/v2 convention scaled
// down to this module's much smaller schema: no round-trip editing, no
// migrations, no structured diffing — this client has one small,
// write-once-at-install config, not an editable firewall ruleset.
package config

import (
	"net/netip"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/firezone/client-core/internal/errors"
	"github.com/firezone/client-core/internal/logging"
)

// Config is the top-level HCL document a host points client-core at.
type Config struct {
	// PortalURL is the wss:// base the Portal session dials, e.g.
	// "wss://api.firezone.dev". Required.
	PortalURL string `hcl:"portal_url" json:"portal_url"`

	// DeviceIDPath is where the per-device UUID (internal/core.DeviceID)
	// is read from. The core never writes this path, per spec.md §6.
	DeviceIDPath string `hcl:"device_id_path" json:"device_id_path"`

	// TokenFile holds the bearer token used for the Portal's login URL
	// and Authorization header, kept out of the main document itself so
	// the HCL file can be committed/shared without leaking a credential.
	TokenFile string `hcl:"token_file,optional" json:"token_file,omitempty"`

	// MTU defaults to spec.md §4.9's 1280 if unset or zero and is
	// validated here; no other package reads it, so it does not bound
	// the packets the scheduler routes.
	MTU int `hcl:"mtu,optional" json:"mtu,omitempty"`

	// UpstreamDNS seeds the resolver's default upstream set at Connect.
	// SetDNS (internal/eventloop's SetDNSCommand) does not change it.
	UpstreamDNS []string `hcl:"upstream_dns,optional" json:"upstream_dns,omitempty"`

	// StunServers are literal "ip:port" STUN servers the connection
	// pool gathers server-reflexive candidates from, in addition to
	// whatever TURN relays the portal advertises. Optional and empty
	// by default: this client has no name-resolution capability (§9),
	// so a hostname-only public STUN server can't be wired without an
	// operator supplying its resolved address here.
	StunServers []string `hcl:"stun_servers,optional" json:"stun_servers,omitempty"`

	Log      *LogConfig `hcl:"log,block" json:"log,omitempty"`
	Features *Features  `hcl:"features,block" json:"features,omitempty"`
}

// LogConfig controls the process-wide logger, mapped onto
// internal/logging.Config.
type LogConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
}

// Features are the opt-in runtime behaviors this document can toggle by
// name; every field defaults false unless the document turns it on
// explicitly.
type Features struct {
	// ICMPUnreachableInsteadOfNAT64 is parsed and kept in Config; no
	// other package reads it, so setting it does not change how the
	// scheduler handles packets that would need NAT64 translation.
	ICMPUnreachableInsteadOfNAT64 bool `hcl:"icmp_unreachable_instead_of_nat64,optional" json:"icmp_unreachable_instead_of_nat64,omitempty"`
}

const defaultMTU = 1280

// Default returns a Config with every optional field at its
// spec-described default; callers still must set PortalURL,
// DeviceIDPath, and TokenFile themselves.
func Default() Config {
	return Config{
		MTU: defaultMTU,
		Log: &LogConfig{Level: "info"},
	}
}

// Load reads and validates an HCL config document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "config: failed to read file")
	}
	return LoadFromBytes(path, data)
}

// LoadFromBytes decodes an HCL document already read into memory,
// applying defaults to unset optional fields and validating the result.
func LoadFromBytes(filename string, data []byte) (*Config, error) {
	cfg := Default()
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "config: failed to decode HCL")
	}
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.Log == nil {
		cfg.Log = &LogConfig{Level: "info"}
	}
	if cfg.Features == nil {
		cfg.Features = &Features{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields Load can't default its way around.
func (c *Config) Validate() error {
	if c.PortalURL == "" {
		return errors.New(errors.KindInternal, "config: portal_url is required")
	}
	if c.DeviceIDPath == "" {
		return errors.New(errors.KindInternal, "config: device_id_path is required")
	}
	if c.MTU < 576 {
		return errors.Errorf(errors.KindInternal, "config: mtu %d is below the IPv4 minimum of 576", c.MTU)
	}
	for _, s := range c.UpstreamDNS {
		if _, err := netip.ParseAddr(s); err != nil {
			return errors.Wrapf(err, errors.KindInternal, "config: invalid upstream_dns entry %q", s)
		}
	}
	for _, s := range c.StunServers {
		if _, err := netip.ParseAddrPort(s); err != nil {
			return errors.Wrapf(err, errors.KindInternal, "config: invalid stun_servers entry %q", s)
		}
	}
	return nil
}

// LoggingConfig maps the document's [log] block onto the logger every
// other package in this module obtains its *logging.Logger from.
func (c *Config) LoggingConfig() logging.Config {
	out := logging.DefaultConfig()
	if c.Log == nil {
		return out
	}
	if c.Log.JSON {
		out.JSON = true
	}
	if lvl, ok := parseLevel(c.Log.Level); ok {
		out.Level = lvl
	}
	return out
}

func parseLevel(s string) (logging.Level, bool) {
	switch s {
	case "debug":
		return logging.LevelDebug, true
	case "info", "":
		return logging.LevelInfo, true
	case "warn":
		return logging.LevelWarn, true
	case "error":
		return logging.LevelError, true
	default:
		return logging.LevelInfo, false
	}
}

// Token reads the bearer token out of TokenFile, enforcing the same
// owner-only permission check SecureReadFile performs for any other
// on-disk secret this package reads.
func (c *Config) Token() (string, error) {
	if c.TokenFile == "" {
		return "", errors.New(errors.KindInternal, "config: token_file is not set")
	}
	data, err := SecureReadFile(c.TokenFile)
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "config: failed to read token file")
	}
	return trimNewline(string(data)), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
