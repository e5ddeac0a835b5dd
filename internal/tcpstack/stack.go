// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tcpstack is the sans-IO, user-space TCP/IP stack behind
// TCP:53 on each sentinel address (spec.md §4.9). It runs entirely
// on IpPacket in and IpPacket out: no socket, no goroutine. Only TCP
// is implemented; everything else is out of scope, same as the
// original's l4-tcp-dns-server — this isn't a general-purpose
// network stack, it only needs to carry one small request and one
// small response per connection before closing.
package tcpstack

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/firezone/client-core/internal/ippacket"
)

// idleTimeout aborts any connection that sits in a non-Established
// state (handshaking or closing) this long without progress, and any
// Established connection that receives no segment from the peer for
// this long (local Recv and Send calls do not reset the clock) —
// bounding the state a misbehaving
// or abandoned client can pin, per §4.9's "bound state" requirement.
const idleTimeout = 10 * time.Second

type connState int

const (
	stateSynReceived connState = iota
	stateEstablished
	stateFinWait
	stateClosed
)

type connKey struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

type conn struct {
	key   connKey
	state connState

	sndUna uint32 // oldest byte sent but not yet acked
	sndNxt uint32 // next byte to send
	rcvNxt uint32 // next byte expected from the peer

	recvBuf []byte // bytes received, not yet handed to Recv
	sendBuf []byte // never filled: Send emits its segment at once, so this stays empty

	finSent  bool
	lastSeen time.Time
}

// Stack is the sans-IO any-IP TCP engine. A single Stack instance
// backs every sentinel's TCP:53 listener; HandleInput is fed every
// ingress IP packet the scheduler decides is bound for a listening
// address (or an already-open connection).
type Stack struct {
	listeners map[netip.AddrPort]struct{}
	conns     map[connKey]*conn
	acceptQ   []connKey
	outbox    [][]byte
	isn       func() uint32
}

// New builds an empty Stack with no listeners.
func New() *Stack {
	return &Stack{
		listeners: make(map[netip.AddrPort]struct{}),
		conns:     make(map[connKey]*conn),
		isn:       randomISN,
	}
}

func randomISN() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Listen registers local as accepting new TCP connections. The
// spec calls for N listening sockets per sentinel purely for
// concurrency; since accept here is just "a SYN may target this
// address", one registration already accepts arbitrarily many
// concurrent handshakes — there's no separate backlog slot to
// exhaust the way a real listen(2) socket has.
func (s *Stack) Listen(local netip.AddrPort) {
	s.listeners[local] = struct{}{}
}

// Unlisten stops accepting new connections to local; connections
// already open continue until they close.
func (s *Stack) Unlisten(local netip.AddrPort) {
	delete(s.listeners, local)
}

// HandleInput processes one ingress TCP/IP packet. It returns false
// if pkt isn't TCP, or is TCP but addressed to neither a listening
// endpoint nor an open connection — the caller should route it
// elsewhere (or drop it) in that case.
func (s *Stack) HandleInput(pkt ippacket.Packet, now time.Time) bool {
	seg, ok := pkt.TCPSegment()
	if !ok {
		return false
	}
	key := connKey{
		local:  netip.AddrPortFrom(pkt.Destination(), seg.DstPort),
		remote: netip.AddrPortFrom(pkt.Source(), seg.SrcPort),
	}

	if c, open := s.conns[key]; open {
		s.step(c, seg, now)
		return true
	}

	if _, listening := s.listeners[key.local]; !listening {
		return false
	}
	if seg.Flags&ippacket.FlagSYN == 0 || seg.Flags&ippacket.FlagACK != 0 {
		return true // not a connection request; consumed and ignored
	}

	c := &conn{
		key:      key,
		state:    stateSynReceived,
		rcvNxt:   seg.Seq + 1,
		lastSeen: now,
	}
	c.sndUna = s.isn()
	c.sndNxt = c.sndUna
	s.conns[key] = c
	s.send(c, ippacket.FlagSYN|ippacket.FlagACK, nil)
	return true
}

func (s *Stack) step(c *conn, seg ippacket.TCPSegment, now time.Time) {
	c.lastSeen = now

	if seg.Flags&ippacket.FlagRST != 0 {
		s.drop(c)
		return
	}

	switch c.state {
	case stateSynReceived:
		if seg.Flags&ippacket.FlagACK != 0 && seg.Ack == c.sndNxt {
			c.sndUna = seg.Ack
			c.state = stateEstablished
			s.acceptQ = append(s.acceptQ, c.key)
		}
	case stateEstablished:
		if seg.Flags&ippacket.FlagACK != 0 && seg.Ack > c.sndUna {
			c.sndUna = seg.Ack
		}
		if len(seg.Payload) > 0 && seg.Seq == c.rcvNxt {
			c.recvBuf = append(c.recvBuf, seg.Payload...)
			c.rcvNxt += uint32(len(seg.Payload))
			s.send(c, ippacket.FlagACK, nil)
		}
		if seg.Flags&ippacket.FlagFIN != 0 {
			c.rcvNxt++
			s.send(c, ippacket.FlagACK, nil)
			c.state = stateFinWait
			if !c.finSent && len(c.sendBuf) == 0 {
				s.finishClose(c)
			}
		}
	case stateFinWait:
		if seg.Flags&ippacket.FlagACK != 0 && seg.Ack > c.sndUna {
			c.sndUna = seg.Ack
		}
		if c.finSent && c.sndUna == c.sndNxt {
			s.drop(c)
		}
	}
}

// HandleTimeout aborts any connection that has made no progress for
// longer than idleTimeout, bounding how much state a stalled or
// abandoned TCP DNS client can pin.
func (s *Stack) HandleTimeout(now time.Time) {
	for key, c := range s.conns {
		if now.Sub(c.lastSeen) >= idleTimeout {
			s.send(c, ippacket.FlagRST, nil)
			delete(s.conns, key)
		}
	}
}

// PollAccept returns the next connection that has completed its
// handshake and is ready for application use, or ok=false if none is
// pending.
func (s *Stack) PollAccept() (Socket, bool) {
	for len(s.acceptQ) > 0 {
		key := s.acceptQ[0]
		s.acceptQ = s.acceptQ[1:]
		if _, open := s.conns[key]; open {
			return Socket{stack: s, key: key}, true
		}
	}
	return Socket{}, false
}

// PollTransmit returns the next complete IP+TCP packet the stack
// wants sent, or ok=false if nothing is queued.
func (s *Stack) PollTransmit() ([]byte, bool) {
	if len(s.outbox) == 0 {
		return nil, false
	}
	pkt := s.outbox[0]
	s.outbox = s.outbox[1:]
	return pkt, true
}

func (s *Stack) drop(c *conn) {
	delete(s.conns, c.key)
}

func (s *Stack) finishClose(c *conn) {
	if !c.finSent {
		s.send(c, ippacket.FlagFIN|ippacket.FlagACK, nil)
	}
	if c.state != stateFinWait {
		c.state = stateFinWait
	}
}

// send builds one segment for c with the given flags/payload,
// advancing sndNxt by whatever sequence space it consumes (SYN and
// FIN each consume one, data consumes its length), and queues the
// resulting packet for PollTransmit.
func (s *Stack) send(c *conn, flags uint8, payload []byte) {
	seq := c.sndNxt
	consumed := len(payload)
	if flags&ippacket.FlagSYN != 0 {
		consumed++
	}
	if flags&ippacket.FlagFIN != 0 {
		consumed++
		c.finSent = true
	}
	c.sndNxt += uint32(consumed)

	srcIP, dstIP := c.key.local.Addr(), c.key.remote.Addr()
	buf := make([]byte, ippacket.TCPPacketLen(srcIP.Is4(), len(payload)))
	n := ippacket.BuildTCP(buf, srcIP, dstIP, c.key.local.Port(), c.key.remote.Port(), seq, c.rcvNxt, flags, defaultWindow, payload)
	s.outbox = append(s.outbox, buf[:n])
}

const defaultWindow = 65535
