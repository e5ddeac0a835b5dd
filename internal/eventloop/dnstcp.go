// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package eventloop

import (
	"net/netip"
	"time"

	"github.com/firezone/client-core/internal/dnsintercept"
	"github.com/firezone/client-core/internal/tcpstack"
)

// tcpDNSReplyBudget is generous relative to udpDNSReplyBudget: a
// DNS-over-TCP response carries its own 2-byte length prefix and isn't
// bound by a UDP datagram's practical MTU, so truncation almost never
// has to happen here.
const tcpDNSReplyBudget = 4096

// dnsConnKey identifies one accepted DNS-over-TCP connection by its
// 4-tuple, since tcpstack.Socket carries no identity of its own beyond
// the endpoints it was accepted for.
type dnsConnKey struct {
	local, remote netip.AddrPort
}

// dnsTCPConn accumulates bytes from one accepted connection until a
// complete length-prefixed DNS message is available, the same framing
// a standard DNS-over-TCP stream uses (RFC 1035 §4.2.2).
type dnsTCPConn struct {
	sock tcpstack.Socket
	buf  []byte
}

// pumpDNSOverTCP is part of Poll's tunnel-events tier: it accepts new
// DNS-over-TCP connections the embedded tcpstack.Stack has finished
// handshaking, reassembles and answers queries on each, and drains the
// stack's own outbound IP+TCP segments to the TUN.
func (e *Eventloop) pumpDNSOverTCP(now time.Time) {
	for {
		sock, ok := e.scheduler.PollTCPAccept()
		if !ok {
			break
		}
		key := dnsConnKey{local: sock.LocalEndpoint(), remote: sock.RemoteEndpoint()}
		e.dnsConns[key] = &dnsTCPConn{sock: sock}
	}

	for key, c := range e.dnsConns {
		data, ok := c.sock.Recv()
		if !ok {
			continue
		}
		c.buf = append(c.buf, data...)
		for {
			msg, rest, ok := splitDNSFrame(c.buf)
			if !ok {
				break
			}
			c.buf = rest
			e.handleDNSOverTCPQuery(c, key.local.Addr(), msg)
		}
	}

	e.scheduler.HandleTCPTimeout(now)

	for {
		raw, ok := e.scheduler.PollTCPTransmit()
		if !ok {
			break
		}
		e.writeTun(raw)
	}
}

func (e *Eventloop) handleDNSOverTCPQuery(c *dnsTCPConn, sentinel netip.Addr, msg []byte) {
	d := e.interceptor.HandleQuery(sentinel, msg, tcpDNSReplyBudget)
	switch d.Kind {
	case dnsintercept.DecisionAnswer:
		if dnsintercept.IsTruncated(d.Answer) {
			e.metrics.DNSResponseTruncs.Inc()
		}
		c.sock.Send(frameDNSOverTCP(d.Answer))
	case dnsintercept.DecisionForward:
		upstream, query := d.Upstream, d.Query
		e.dispatchResolve(upstream, query, func(now time.Time, answer []byte, err error) {
			if err != nil {
				c.sock.Abort()
				return
			}
			final, ferr := dnsintercept.FinalizeForward(query, answer, tcpDNSReplyBudget)
			if ferr != nil {
				c.sock.Abort()
				return
			}
			if dnsintercept.IsTruncated(final) {
				e.metrics.DNSResponseTruncs.Inc()
			}
			c.sock.Send(frameDNSOverTCP(final))
		})
	default:
		c.sock.Abort()
	}
}

// splitDNSFrame extracts one complete length-prefixed DNS message from
// buf if one is fully buffered, returning the remaining unconsumed
// bytes as rest.
func splitDNSFrame(buf []byte) (msg, rest []byte, ok bool) {
	if len(buf) < 2 {
		return nil, buf, false
	}
	n := int(buf[0])<<8 | int(buf[1])
	if len(buf) < 2+n {
		return nil, buf, false
	}
	return buf[2 : 2+n], buf[2+n:], true
}

func frameDNSOverTCP(msg []byte) []byte {
	out := make([]byte, 2+len(msg))
	out[0] = byte(len(msg) >> 8)
	out[1] = byte(len(msg))
	copy(out[2:], msg)
	return out
}
