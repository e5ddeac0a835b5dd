// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package tcpstack

import (
	"net/netip"
	"testing"
	"time"

	"github.com/firezone/client-core/internal/ippacket"
)

func buildSegment(t *testing.T, src, dst netip.Addr, sport, dport uint16, seq, ack uint32, flags uint8, payload []byte) ippacket.Packet {
	t.Helper()
	buf := make([]byte, ippacket.TCPPacketLen(src.Is4(), len(payload)))
	n := ippacket.BuildTCP(buf, src, dst, sport, dport, seq, ack, flags, 65535, payload)
	pkt, err := ippacket.Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return pkt
}

func TestHandshakeAcceptRespondClose(t *testing.T) {
	now := time.Now()
	s := New()
	s.isn = func() uint32 { return 1000 }

	sentinel := netip.MustParseAddr("100.100.111.1")
	client := netip.MustParseAddr("100.64.0.5")
	local := netip.AddrPortFrom(sentinel, 53)

	s.Listen(local)

	syn := buildSegment(t, client, sentinel, 40000, 53, 500, 0, ippacket.FlagSYN, nil)
	if ok := s.HandleInput(syn, now); !ok {
		t.Fatal("HandleInput(SYN) = false")
	}

	raw, ok := s.PollTransmit()
	if !ok {
		t.Fatal("expected a SYN-ACK to be queued")
	}
	pkt, err := ippacket.Parse(raw)
	if err != nil {
		t.Fatalf("Parse SYN-ACK: %v", err)
	}
	seg, ok := pkt.TCPSegment()
	if !ok {
		t.Fatal("not a TCP segment")
	}
	if seg.Flags != ippacket.FlagSYN|ippacket.FlagACK {
		t.Fatalf("flags = %x, want SYN|ACK", seg.Flags)
	}
	if seg.Seq != 1000 || seg.Ack != 501 {
		t.Fatalf("seq/ack = %d/%d, want 1000/501", seg.Seq, seg.Ack)
	}

	ackPkt := buildSegment(t, client, sentinel, 40000, 53, 501, 1001, ippacket.FlagACK, nil)
	if ok := s.HandleInput(ackPkt, now); !ok {
		t.Fatal("HandleInput(ACK) = false")
	}

	sock, ok := s.PollAccept()
	if !ok {
		t.Fatal("expected an accepted connection")
	}
	if sock.RemoteEndpoint().Addr() != client {
		t.Fatalf("RemoteEndpoint = %v, want %v", sock.RemoteEndpoint().Addr(), client)
	}

	query := []byte{0x00, 0x04, 0xDE, 0xAD, 0xBE, 0xEF}
	dataPkt := buildSegment(t, client, sentinel, 40000, 53, 501, 1001, ippacket.FlagACK|ippacket.FlagPSH, query)
	if ok := s.HandleInput(dataPkt, now); !ok {
		t.Fatal("HandleInput(data) = false")
	}

	if _, ok := s.PollTransmit(); !ok {
		t.Fatal("expected a data-ack segment")
	}

	got, ok := sock.Recv()
	if !ok {
		t.Fatal("expected Recv to return the query bytes")
	}
	if string(got) != string(query) {
		t.Fatalf("Recv = %x, want %x", got, query)
	}

	response := []byte{0x00, 0x02, 0xCA, 0xFE}
	sock.Send(response)

	raw, ok = s.PollTransmit()
	if !ok {
		t.Fatal("expected a response segment")
	}
	pkt, _ = ippacket.Parse(raw)
	seg, _ = pkt.TCPSegment()
	if string(seg.Payload) != string(response) {
		t.Fatalf("response payload = %x, want %x", seg.Payload, response)
	}

	sock.Close()
	raw, ok = s.PollTransmit()
	if !ok {
		t.Fatal("expected a FIN segment")
	}
	pkt, _ = ippacket.Parse(raw)
	seg, _ = pkt.TCPSegment()
	if seg.Flags&ippacket.FlagFIN == 0 {
		t.Fatalf("flags = %x, expected FIN set", seg.Flags)
	}

	finAck := buildSegment(t, client, sentinel, 40000, 53, 501+uint32(len(query)), seg.Seq+1, ippacket.FlagFIN|ippacket.FlagACK, nil)
	if ok := s.HandleInput(finAck, now); !ok {
		t.Fatal("HandleInput(FIN-ACK) = false")
	}

	if _, open := s.conns[connKey{local: local, remote: netip.AddrPortFrom(client, 40000)}]; open {
		t.Fatal("expected the connection to be cleaned up after the close handshake")
	}
}

func TestHandleInputRejectsUnlistenedNonSynSegment(t *testing.T) {
	s := New()
	sentinel := netip.MustParseAddr("100.100.111.1")
	client := netip.MustParseAddr("100.64.0.5")

	ack := buildSegment(t, client, sentinel, 40000, 53, 1, 1, ippacket.FlagACK, nil)
	if ok := s.HandleInput(ack, time.Now()); ok {
		t.Fatal("expected HandleInput to report false for an unknown, unlistened connection")
	}
}

func TestHandleTimeoutAbortsStaleHandshake(t *testing.T) {
	now := time.Now()
	s := New()
	s.isn = func() uint32 { return 1 }

	sentinel := netip.MustParseAddr("100.100.111.1")
	client := netip.MustParseAddr("100.64.0.5")
	local := netip.AddrPortFrom(sentinel, 53)
	s.Listen(local)

	syn := buildSegment(t, client, sentinel, 40000, 53, 1, 0, ippacket.FlagSYN, nil)
	s.HandleInput(syn, now)
	s.PollTransmit() // drain the SYN-ACK

	s.HandleTimeout(now.Add(idleTimeout + time.Second))

	if _, open := s.conns[connKey{local: local, remote: netip.AddrPortFrom(client, 40000)}]; open {
		t.Fatal("expected the stale half-open connection to be aborted")
	}
	if _, ok := s.PollTransmit(); !ok {
		t.Fatal("expected an RST to be queued on timeout abort")
	}
}
