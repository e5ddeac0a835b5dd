// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dnsresource matches a queried domain against a client's DNS
// resource list and assigns each matching concrete domain a stable
// synthetic IP drawn from the tunnel's proxy-IP ranges. It holds no
// state beyond the current resource list and a session's accumulated
// domain/IP assignments; nothing here touches a socket.
package dnsresource

import (
	"strings"

	"github.com/miekg/dns"

	"github.com/firezone/client-core/internal/ids"
)

// PatternKind tags which of the three domain pattern shapes a Resource
// was configured with.
type PatternKind int

const (
	// PatternExact matches only the literal domain ("example.com").
	PatternExact PatternKind = iota
	// PatternSingleLabel ("?.example.com") matches exactly one label
	// prepended to the base domain: "app.example.com" but not
	// "example.com" itself or "a.b.example.com".
	PatternSingleLabel
	// PatternSuffix ("*.example.com") matches one or more labels
	// prepended to the base domain.
	PatternSuffix
	// PatternSuffixOrExact ("**.example.com") matches the base domain
	// itself or any number of labels prepended to it.
	PatternSuffixOrExact
)

// Pattern is one parsed DNS resource pattern: its kind plus the
// normalized (lowercased, FQDN) base domain the kind's rule attaches
// to.
type Pattern struct {
	Kind PatternKind
	Base string // always dns.Fqdn'd and lowercased
}

// ParsePattern classifies raw (as configured on a Dns resource) into
// its Pattern. The leading wildcard marker, if any, is stripped before
// the base domain is normalized.
func ParsePattern(raw string) Pattern {
	switch {
	case strings.HasPrefix(raw, "**."):
		return Pattern{Kind: PatternSuffixOrExact, Base: normalize(raw[3:])}
	case strings.HasPrefix(raw, "*."):
		return Pattern{Kind: PatternSuffix, Base: normalize(raw[2:])}
	case strings.HasPrefix(raw, "?."):
		return Pattern{Kind: PatternSingleLabel, Base: normalize(raw[2:])}
	default:
		return Pattern{Kind: PatternExact, Base: normalize(raw)}
	}
}

func normalize(domain string) string {
	return strings.ToLower(dns.Fqdn(domain))
}

// matches reports whether queried (already normalized) satisfies p.
func (p Pattern) matches(queried string) bool {
	switch p.Kind {
	case PatternExact:
		return queried == p.Base
	case PatternSingleLabel:
		prefix := strings.TrimSuffix(queried, p.Base)
		if prefix == queried || prefix == "" {
			return false
		}
		label := strings.TrimSuffix(prefix, ".")
		return label != "" && !strings.Contains(label, ".")
	case PatternSuffix:
		prefix := strings.TrimSuffix(queried, p.Base)
		if prefix == queried || prefix == "" {
			return false
		}
		return strings.HasSuffix(prefix, ".")
	case PatternSuffixOrExact:
		if queried == p.Base {
			return true
		}
		prefix := strings.TrimSuffix(queried, p.Base)
		if prefix == queried || prefix == "" {
			return false
		}
		return strings.HasSuffix(prefix, ".")
	default:
		return false
	}
}

// specificity ranks Kind for tie-breaking: exact beats single-label
// beats the two suffix flavors, which rank equally with each other.
func (k PatternKind) specificity() int {
	switch k {
	case PatternExact:
		return 3
	case PatternSingleLabel:
		return 2
	case PatternSuffixOrExact, PatternSuffix:
		return 1
	default:
		return 0
	}
}

// Entry binds one configured pattern to the resource it identifies.
type Entry struct {
	Pattern  string
	Resource ids.ResourceId
}
