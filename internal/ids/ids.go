// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ids holds the identifier types shared across connpool,
// portal, and scheduler, per the glossary in spec.md: they're all
// UUIDs on the wire, modeled here as distinct string types so a
// GatewayId and a ResourceId can't be passed to the wrong map by
// accident.
package ids

// GatewayId identifies a single gateway peer; connpool keys its
// per-peer ICE agents and noise sessions by it.
type GatewayId string

// RelayId identifies a TURN relay server; turnalloc keys its
// Allocations collection by it.
type RelayId string

// ResourceId identifies a CIDR, DNS, or Internet resource.
type ResourceId string

// SiteId identifies a named grouping of gateways.
type SiteId string
