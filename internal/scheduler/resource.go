// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import (
	"net/netip"

	"github.com/firezone/client-core/internal/ids"
)

// Resource is the routing-relevant slice of a resource the portal has
// advertised: which site it belongs to, and either the CIDR it
// covers or a flag marking it as the one Internet Resource. DNS
// resources route through internal/dnsresource's matcher instead —
// this index only answers "what site, if any, owns this address".
type Resource struct {
	ID         ids.ResourceId
	Site       ids.SiteId
	CIDR       netip.Prefix
	IsInternet bool
}

// ResourceIndex is the scheduler's routing table, rebuilt wholesale
// whenever the portal pushes a new resource list (the same
// full-rebuild discipline internal/dnsresource.Matcher uses, per
// spec.md §4.7/§4.11).
type ResourceIndex struct {
	byID map[ids.ResourceId]Resource
}

// NewResourceIndex builds an empty index.
func NewResourceIndex() *ResourceIndex {
	return &ResourceIndex{byID: make(map[ids.ResourceId]Resource)}
}

// Set replaces the entire resource set.
func (idx *ResourceIndex) Set(resources []Resource) {
	byID := make(map[ids.ResourceId]Resource, len(resources))
	for _, r := range resources {
		byID[r.ID] = r
	}
	idx.byID = byID
}

// SiteOf returns the site a resource belongs to.
func (idx *ResourceIndex) SiteOf(rid ids.ResourceId) (ids.SiteId, bool) {
	r, ok := idx.byID[rid]
	if !ok {
		return "", false
	}
	return r.Site, true
}

// ResourcesInSite lists every resource sharing site, used to decide
// whether a new connection intent should wait on one already in
// flight for the same site.
func (idx *ResourceIndex) ResourcesInSite(site ids.SiteId) []ids.ResourceId {
	var out []ids.ResourceId
	for id, r := range idx.byID {
		if r.Site == site {
			out = append(out, id)
		}
	}
	return out
}

// MatchCIDR returns the resource whose CIDR contains addr, if any.
func (idx *ResourceIndex) MatchCIDR(addr netip.Addr) (ids.ResourceId, bool) {
	for id, r := range idx.byID {
		if r.CIDR.IsValid() && r.CIDR.Contains(addr) {
			return id, true
		}
	}
	return "", false
}

// InternetResource returns the one resource flagged as the Internet
// Resource, if the portal has advertised one.
func (idx *ResourceIndex) InternetResource() (ids.ResourceId, bool) {
	for id, r := range idx.byID {
		if r.IsInternet {
			return id, true
		}
	}
	return "", false
}
