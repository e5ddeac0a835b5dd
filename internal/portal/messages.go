// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package portal

import (
	"net/netip"

	"github.com/firezone/client-core/internal/iceagent"
	"github.com/firezone/client-core/internal/ids"
)

// Inbound event tags, the exact strings the portal sends as a Phoenix
// channel's `event` field (spec.md §6).
const (
	eventInit                    = "init"
	eventConfigChanged           = "config_changed"
	eventIceCandidates           = "ice_candidates"
	eventInvalidateIceCandidates = "invalidate_ice_candidates"
	eventResourceCreatedOrUpdated = "resource_created_or_updated"
	eventResourceDeleted         = "resource_deleted"
	eventRelaysPresence          = "relays_presence"
	eventCreateFlowOk            = "create_flow_ok"
	eventCreateFlowErr           = "create_flow_err"

	eventPhxReply = "phx_reply"
	eventPhxError = "phx_error"
	eventPhxClose = "phx_close"
	eventHeartbeat = "heartbeat"
	eventPhxJoin  = "phx_join"

	replyStatusOK    = "ok"
	replyStatusError = "error"
)

// Outbound event tags this client pushes to the channel.
const (
	eventCreateFlow                      = "create_flow"
	eventBroadcastIceCandidates          = "broadcast_ice_candidates"
	eventBroadcastInvalidatedIceCandidates = "broadcast_invalidated_ice_candidates"
)

// InterfaceConfig is the tunnel interface configuration an Init or
// ConfigChanged event carries (spec.md §6's tunnel-configuration
// callback shape).
type InterfaceConfig struct {
	IPv4         netip.Addr     `json:"ipv4"`
	IPv6         netip.Addr     `json:"ipv6"`
	SearchDomain string         `json:"search_domain,omitempty"`
	DNSServers   []netip.Addr   `json:"dns_servers"`
	IPv4Routes   []netip.Prefix `json:"ipv4_routes"`
	IPv6Routes   []netip.Prefix `json:"ipv6_routes"`
}

// ResourceDescription mirrors one entry of a resource set: either a
// CIDR/Internet resource (Address is a CIDR or empty for Internet) or
// a DNS resource (Address is a domain pattern).
type ResourceDescription struct {
	ID      ids.ResourceId `json:"id"`
	Site    ids.SiteId     `json:"site_id"`
	Name    string         `json:"name"`
	Address string         `json:"address"`
	Kind    string         `json:"type"` // "cidr" | "dns" | "internet"
}

// Relay describes one TURN relay's connection details.
type Relay struct {
	ID       ids.RelayId    `json:"id"`
	Addr     netip.AddrPort `json:"addr"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	Realm    string         `json:"realm"`
}

// Init is the full-replace snapshot the portal sends on join.
type Init struct {
	Interface InterfaceConfig       `json:"interface"`
	Resources []ResourceDescription `json:"resources"`
	Relays    []Relay               `json:"relays"`
}

// ConfigChanged replaces only the interface config.
type ConfigChanged struct {
	Interface InterfaceConfig `json:"interface"`
}

// IceCandidates and InvalidateIceCandidates carry a batch of
// candidates for one gateway, reusing internal/iceagent's own wire
// candidate shape rather than inventing a parallel one.
type IceCandidates struct {
	GatewayID  ids.GatewayId       `json:"gateway_id"`
	Candidates []iceagent.Candidate `json:"candidates"`
}

type InvalidateIceCandidates struct {
	GatewayID  ids.GatewayId `json:"gateway_id"`
	Candidates []netip.AddrPort `json:"candidates"`
}

type ResourceCreatedOrUpdated struct {
	Resource ResourceDescription `json:"resource"`
}

type ResourceDeleted struct {
	ID ids.ResourceId `json:"id"`
}

// RelaysPresence upserts Upserted and evicts Disconnected, keyed by
// relay id.
type RelaysPresence struct {
	Upserted     []Relay    `json:"upserted"`
	Disconnected []ids.RelayId `json:"disconnected"`
}

// CreateFlowOk answers a CreateFlow request with everything needed to
// install a peer: the gateway's public key, the preshared key and the
// gateway's ICE credentials.
type CreateFlowOk struct {
	ResourceID       ids.ResourceId `json:"resource_id"`
	GatewayID        ids.GatewayId  `json:"gateway_id"`
	GatewayPublicKey [32]byte       `json:"gateway_public_key"`
	PresharedKey     [32]byte       `json:"preshared_key"`
	IceUfrag         string         `json:"ice_ufrag"`
	IcePwd           string         `json:"ice_pwd"`
}

// CreateFlowErrReason classifies why CreateFlow was rejected.
type CreateFlowErrReason string

const (
	ReasonOffline CreateFlowErrReason = "offline"
	ReasonUnknown CreateFlowErrReason = "unknown"
)

type CreateFlowErr struct {
	ResourceID ids.ResourceId      `json:"resource_id"`
	Reason     CreateFlowErrReason `json:"reason"`
}

// CreateFlow is the outbound request to signal intent to connect to a
// resource, carrying this client's own current public key so the
// gateway can install its half of the peer.
type CreateFlow struct {
	ResourceID ids.ResourceId `json:"resource_id"`
	PublicKey  [32]byte       `json:"public_key"`
}

type BroadcastIceCandidates struct {
	GatewayIDs []ids.GatewayId      `json:"gateway_ids"`
	Candidates []iceagent.Candidate `json:"candidates"`
}

type BroadcastInvalidatedIceCandidates struct {
	GatewayIDs []ids.GatewayId  `json:"gateway_ids"`
	Candidates []netip.AddrPort `json:"candidates"`
}
