// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnsintercept

import (
	"net/netip"

	"github.com/miekg/dns"

	"github.com/firezone/client-core/internal/dnsresource"
	"github.com/firezone/client-core/internal/ids"
)

// defaultSynthesizedTTL is the TTL handed out on A/AAAA answers the
// interceptor synthesizes for a matched resource. The proxy IP itself
// never expires (dnsresource.ProxyIPs is session-lived) but a short
// TTL keeps stub resolvers from caching a mapping across a session
// that later reassigns it.
const defaultSynthesizedTTL = 60

// DecisionKind is the outcome of handing a query to Interceptor.
type DecisionKind int

const (
	// DecisionNotSentinel means the destination address wasn't a
	// configured sentinel at all; the caller should route the packet
	// as ordinary tunnel traffic instead.
	DecisionNotSentinel DecisionKind = iota
	// DecisionAnswer means Answer holds a synthesized reply ready to
	// send back over the query's own transport, and Resource names
	// the resource a flow should now be opened to.
	DecisionAnswer
	// DecisionForward means the query matched no resource and must be
	// sent to Upstream; Query holds the bytes to send (identical to
	// the original query — forwarding never rewrites anything but the
	// eventual response's id).
	DecisionForward
	// DecisionDrop means the query was malformed (not exactly one
	// question, a response rather than a query, or unpackable) and
	// nothing should be sent back.
	DecisionDrop
)

// Decision is the result of Interceptor.HandleQuery.
type Decision struct {
	Kind     DecisionKind
	Answer   []byte
	Resource ids.ResourceId
	Upstream Upstream
	Query    []byte
}

// Interceptor decides, for every query arriving at a sentinel
// address, whether to answer it locally (the query names a matched
// resource) or forward it upstream. It holds no sockets and blocks on
// nothing; Resolver performs the actual upstream exchange the caller
// drives separately.
type Interceptor struct {
	sentinels map[netip.Addr]Upstream
	matcher   *dnsresource.Matcher
	proxies   *dnsresource.ProxyIPs
	ttl       uint32
}

// New builds an Interceptor with no sentinels and no resources
// configured; SetSentinels/SetResources populate it once the portal
// delivers the client's config and resource list.
func New(proxies *dnsresource.ProxyIPs) *Interceptor {
	return &Interceptor{
		sentinels: make(map[netip.Addr]Upstream),
		matcher:   dnsresource.Build(nil),
		proxies:   proxies,
		ttl:       defaultSynthesizedTTL,
	}
}

// SetSentinels replaces the full sentinel-to-upstream map, called
// whenever the portal pushes new DNS configuration.
func (ic *Interceptor) SetSentinels(sentinels map[netip.Addr]Upstream) {
	ic.sentinels = sentinels
}

// SetResources rebuilds the domain matcher from the current resource
// list. Per spec.md §4.7 this is a full rebuild, not an incremental
// patch: the matcher's specificity/insertion-order ranking depends on
// the whole set at once.
func (ic *Interceptor) SetResources(entries []dnsresource.Entry) {
	ic.matcher = dnsresource.Build(entries)
}

// IsSentinel reports whether addr is one of the configured sentinel
// addresses, and its upstream if so.
func (ic *Interceptor) IsSentinel(addr netip.Addr) (Upstream, bool) {
	u, ok := ic.sentinels[addr]
	return u, ok
}

// HandleQuery classifies and, where possible, answers a DNS query
// addressed to sentinel. budget caps the serialized answer size
// (pass 0 for no cap, e.g. over a TCP or DoH transport); exceeding it
// truncates per SerializeWithBudget.
func (ic *Interceptor) HandleQuery(sentinel netip.Addr, raw []byte, budget int) Decision {
	up, ok := ic.sentinels[sentinel]
	if !ok {
		return Decision{Kind: DecisionNotSentinel}
	}

	query := new(dns.Msg)
	if err := query.Unpack(raw); err != nil || query.Response || len(query.Question) != 1 {
		return Decision{Kind: DecisionDrop}
	}
	q := query.Question[0]

	if resID, ok := ic.matcher.Match(q.Name); ok {
		reply, ok := ic.synthesize(query, q, resID)
		if !ok {
			return Decision{Kind: DecisionDrop}
		}
		return Decision{
			Kind:     DecisionAnswer,
			Answer:   SerializeWithBudget(reply, budget),
			Resource: resID,
		}
	}

	return Decision{Kind: DecisionForward, Upstream: up, Query: raw}
}

// synthesize builds the reply for a query that matched resID. A or
// AAAA questions get a proxy-IP answer; anything else gets an
// authoritative, empty-answer NOERROR, matching how a real
// authoritative zone answers a question type it holds no record for.
func (ic *Interceptor) synthesize(query *dns.Msg, q dns.Question, resID ids.ResourceId) (*dns.Msg, bool) {
	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Authoritative = true

	switch q.Qtype {
	case dns.TypeA:
		addr, err := ic.proxies.AssignV4(q.Name)
		if err != nil {
			return nil, false
		}
		reply.Answer = append(reply.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ic.ttl},
			A:   addr.AsSlice(),
		})
	case dns.TypeAAAA:
		addr, err := ic.proxies.AssignV6(q.Name)
		if err != nil {
			return nil, false
		}
		reply.Answer = append(reply.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ic.ttl},
			AAAA: addr.AsSlice(),
		})
	}

	return reply, true
}

// FinalizeForward re-stamps an upstream response with the original
// query's id (defensive — forwarding sends the original bytes
// unchanged, so the upstream ordinarily already echoes it) and
// applies the same byte budget a synthesized answer would.
func FinalizeForward(originalQuery, upstreamResponse []byte, budget int) ([]byte, error) {
	q := new(dns.Msg)
	if err := q.Unpack(originalQuery); err != nil {
		return nil, err
	}
	r := new(dns.Msg)
	if err := r.Unpack(upstreamResponse); err != nil {
		return nil, err
	}
	r.Id = q.Id
	return SerializeWithBudget(r, budget), nil
}
