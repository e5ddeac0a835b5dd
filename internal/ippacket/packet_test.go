// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ippacket

import (
	"net/netip"
	"testing"
)

func TestParseRejectsTooShort(t *testing.T) {
	if _, err := Parse(nil); err != ErrMalformed {
		t.Fatalf("Parse(nil) err = %v, want ErrMalformed", err)
	}
	if _, err := Parse([]byte{0x45, 0x00}); err != ErrMalformed {
		t.Fatalf("Parse(short ipv4) err = %v, want ErrMalformed", err)
	}
	if _, err := Parse([]byte{0x00}); err != ErrMalformed {
		t.Fatalf("Parse(bad version nibble) err = %v, want ErrMalformed", err)
	}
}

func TestBuildAndParseUDPv4RoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	payload := []byte("hello-dns")

	buf := make([]byte, UDPPacketLen(true, len(payload)))
	n := BuildUDP(buf, src, dst, 5353, 53, payload)
	if n != len(buf) {
		t.Fatalf("BuildUDP wrote %d, want %d", n, len(buf))
	}

	p, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.IsIPv4() {
		t.Fatal("expected IPv4")
	}
	if p.Source() != src || p.Destination() != dst {
		t.Fatalf("Source/Destination = %v/%v, want %v/%v", p.Source(), p.Destination(), src, dst)
	}
	sport, dport, ok := p.UDPPorts()
	if !ok || sport != 5353 || dport != 53 {
		t.Fatalf("UDPPorts = %d,%d,%v want 5353,53,true", sport, dport, ok)
	}
	if got := string(p.UDPPayload()); got != "hello-dns" {
		t.Fatalf("UDPPayload = %q, want hello-dns", got)
	}
}

func TestBuildAndParseUDPv6RoundTrip(t *testing.T) {
	src := netip.MustParseAddr("fd00::1")
	dst := netip.MustParseAddr("fd00::2")
	payload := []byte("v6-payload")

	buf := make([]byte, UDPPacketLen(false, len(payload)))
	n := BuildUDP(buf, src, dst, 1234, 53, payload)

	p, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.IsIPv6() {
		t.Fatal("expected IPv6")
	}
	if got := string(p.UDPPayload()); got != "v6-payload" {
		t.Fatalf("UDPPayload = %q", got)
	}
}

func TestBuildTCPRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	payload := []byte("tcp-data")

	buf := make([]byte, TCPPacketLen(true, len(payload)))
	n := BuildTCP(buf, src, dst, 4000, 53, 100, 200, FlagACK|FlagPSH, 65535, payload)

	p, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sport, dport, ok := p.TCPPorts()
	if !ok || sport != 4000 || dport != 53 {
		t.Fatalf("TCPPorts = %d,%d,%v", sport, dport, ok)
	}
	if flags := p.TCPFlags(); flags != FlagACK|FlagPSH {
		t.Fatalf("TCPFlags = %x, want ACK|PSH", flags)
	}
}

func TestSwapSrcDst(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	buf := make([]byte, UDPPacketLen(true, 4))
	n := BuildUDP(buf, src, dst, 1, 2, []byte("data"))

	p, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p.SwapSrcDst()
	if p.Source() != dst || p.Destination() != src {
		t.Fatalf("after swap: src=%v dst=%v, want %v/%v", p.Source(), p.Destination(), dst, src)
	}
}

func TestEchoRequestAndReply(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")

	icmpBuf := make([]byte, icmpEchoHeaderLen+4)
	data := []byte("ping")
	buildEchoReply4(icmpBuf, 0, 0, data) // reuse builder to get checksum math right
	icmpBuf[0] = icmpv4EchoRequest        // then flip the type back to request

	buf := make([]byte, IPv4HeaderLen+len(icmpBuf))
	buildIPv4Header(buf, src, dst, ProtoICMP, len(icmpBuf))
	copy(buf[IPv4HeaderLen:], icmpBuf)

	p, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	req, ok := p.AsEchoRequest()
	if !ok {
		t.Fatal("expected echo request")
	}
	if string(req.Data) != "ping" {
		t.Fatalf("echo data = %q, want ping", req.Data)
	}

	replyBuf := make([]byte, len(buf))
	n := BuildICMPEchoReply(replyBuf, p)
	if n == 0 {
		t.Fatal("BuildICMPEchoReply returned 0")
	}
	reply, err := Parse(replyBuf[:n])
	if err != nil {
		t.Fatalf("Parse reply: %v", err)
	}
	if reply.Source() != dst || reply.Destination() != src {
		t.Fatalf("reply src/dst = %v/%v, want swapped", reply.Source(), reply.Destination())
	}
}

func TestBuildICMPUnreachable(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	buf := make([]byte, UDPPacketLen(true, 8))
	n := BuildUDP(buf, src, dst, 1000, 53, []byte("12345678"))
	orig, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	reply := make([]byte, 128)
	rn := BuildICMPUnreachable(reply, orig, UnreachablePort)
	if rn == 0 {
		t.Fatal("BuildICMPUnreachable returned 0")
	}
	p, err := Parse(reply[:rn])
	if err != nil {
		t.Fatalf("Parse unreachable: %v", err)
	}
	if p.Protocol() != ProtoICMP {
		t.Fatalf("Protocol = %v, want ICMP", p.Protocol())
	}
	if p.Source() != dst || p.Destination() != src {
		t.Fatalf("unreachable src/dst not swapped: %v/%v", p.Source(), p.Destination())
	}
}

func TestRewriteNAT64(t *testing.T) {
	src6 := netip.MustParseAddr("fd00:64::1:2:3:4")
	dst6 := netip.MustParseAddr("fd00:64::5:6:7:8")
	buf6 := make([]byte, UDPPacketLen(false, 4))
	n := BuildUDP(buf6, src6, dst6, 1111, 53, []byte("abcd"))
	p6, err := Parse(buf6[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	v4src := netip.MustParseAddr("100.64.0.1")
	v4dst := netip.MustParseAddr("93.184.216.34")
	out := make([]byte, UDPPacketLen(true, 4))
	wn := RewriteNAT64(out, p6, v4src, v4dst)
	if wn == 0 {
		t.Fatal("RewriteNAT64 returned 0")
	}
	p4, err := Parse(out[:wn])
	if err != nil {
		t.Fatalf("Parse rewritten: %v", err)
	}
	if !p4.IsIPv4() {
		t.Fatal("expected IPv4 after NAT64 rewrite")
	}
	if p4.Source() != v4src || p4.Destination() != v4dst {
		t.Fatalf("rewritten src/dst = %v/%v", p4.Source(), p4.Destination())
	}
	sport, dport, _ := p4.UDPPorts()
	if sport != 1111 || dport != 53 {
		t.Fatalf("rewritten ports = %d,%d", sport, dport)
	}
}
