// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package connpool

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun"

	"github.com/firezone/client-core/internal/iceagent"
	"github.com/firezone/client-core/internal/ids"
	"github.com/firezone/client-core/internal/noise"
)

const gw ids.GatewayId = "gw-1"

// drive repeatedly ticks both pools' HandleTimeout and shuttles every
// queued Transmit to its destination until neither side produces more
// work or maxRounds is hit. a is ticked and fully drained into b before
// b is ever ticked, so b only ever calls UpdateTimers after already
// having installed transport keys from a's initiation if one arrived —
// avoiding a simultaneous-initiation race neither side is built to
// resolve (this client only ever initiates toward a gateway, which
// never independently initiates back).
func drive(t *testing.T, a, b *Pool, aAddr, bAddr netip.AddrPort, now time.Time, maxRounds int) time.Time {
	t.Helper()
	for i := 0; i < maxRounds; i++ {
		now = now.Add(50 * time.Millisecond)

		progressed := false

		a.HandleTimeout(now)
		for {
			tr, ok := a.PollTransmit()
			if !ok {
				break
			}
			progressed = true
			b.Decapsulate(aAddr, bAddr, tr.Payload, now)
		}

		b.HandleTimeout(now)
		for {
			tr, ok := b.PollTransmit()
			if !ok {
				break
			}
			progressed = true
			a.Decapsulate(bAddr, aAddr, tr.Payload, now)
		}

		if !progressed && a.IsEstablished(gw) && b.IsEstablished(gw) {
			break
		}
		if !progressed {
			now = now.Add(250 * time.Millisecond)
		}
	}
	return now
}

func newPeerPools(t *testing.T) (client, gateway *Pool, clientAddr, gatewayAddr netip.AddrPort) {
	t.Helper()
	clientAddr = netip.MustParseAddrPort("10.1.0.1:51820")
	gatewayAddr = netip.MustParseAddrPort("10.1.0.2:51820")

	clientPriv, clientPub, err := noise.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	gatewayPriv, gatewayPub, err := noise.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	var psk noise.PresharedKey
	psk[0] = 0x7

	client = New()
	client.AddHostCandidate(clientAddr)
	if _, err := client.EnsurePeer(gw, clientPriv, gatewayPub, psk, true); err != nil {
		t.Fatalf("ensure client peer: %v", err)
	}

	gateway = New()
	gateway.AddHostCandidate(gatewayAddr)
	if _, err := gateway.EnsurePeer(gw, gatewayPriv, clientPub, psk, false); err != nil {
		t.Fatalf("ensure gateway peer: %v", err)
	}

	clientAgent, _ := client.EnsurePeer(gw, clientPriv, gatewayPub, psk, true)
	gatewayAgent, _ := gateway.EnsurePeer(gw, gatewayPriv, clientPub, psk, false)

	cu, cp := clientAgent.LocalCredentials()
	gu, gp := gatewayAgent.LocalCredentials()
	client.SetRemoteICECredentials(gw, gu, gp)
	gateway.SetRemoteICECredentials(gw, cu, cp)

	client.AddRemoteCandidate(gw, iceagent.NewCandidate(iceagent.CandidateHost, gatewayAddr))
	gateway.AddRemoteCandidate(gw, iceagent.NewCandidate(iceagent.CandidateHost, clientAddr))

	return client, gateway, clientAddr, gatewayAddr
}

func TestPeersEstablishOverHostCandidates(t *testing.T) {
	client, gateway, clientAddr, gatewayAddr := newPeerPools(t)

	now := time.Now()
	drive(t, client, gateway, clientAddr, gatewayAddr, now, 50)

	if !client.IsEstablished(gw) {
		t.Fatal("expected client peer to be established")
	}
	if !gateway.IsEstablished(gw) {
		t.Fatal("expected gateway peer to be established")
	}

	sawConnected := false
	for {
		e, ok := client.PollEvent()
		if !ok {
			break
		}
		if e.Kind == EventPeerConnected && e.Gateway == gw {
			sawConnected = true
		}
	}
	if !sawConnected {
		t.Fatal("expected an EventPeerConnected for the established gateway")
	}
}

func TestEncapsulateDecapsulateRoundTripOverPool(t *testing.T) {
	client, gateway, clientAddr, gatewayAddr := newPeerPools(t)
	now := time.Now()
	now = drive(t, client, gateway, clientAddr, gatewayAddr, now, 50)

	payload := []byte("icmp echo request")
	tr, ok := client.Encapsulate(gw, payload, now)
	if !ok {
		t.Fatal("expected client to encapsulate once established")
	}

	dec := gateway.Decapsulate(tr.Src, tr.Dst, tr.Payload, now)
	if dec.Kind != DemuxForPeer {
		t.Fatalf("expected DemuxForPeer, got %v", dec.Kind)
	}
	if dec.Gateway != gw {
		t.Fatalf("gateway = %v, want %v", dec.Gateway, gw)
	}
	if !bytes.Equal(dec.Plaintext, payload) {
		t.Fatalf("plaintext = %q, want %q", dec.Plaintext, payload)
	}
}

func TestEncapsulateFailsBeforeEstablished(t *testing.T) {
	client, _, _, _ := newPeerPools(t)
	if _, ok := client.Encapsulate(gw, []byte("x"), time.Now()); ok {
		t.Fatal("expected Encapsulate to fail before ICE nominates")
	}
}

func TestEncapsulateFailsForUnknownGateway(t *testing.T) {
	client := New()
	if _, ok := client.Encapsulate(ids.GatewayId("unknown"), []byte("x"), time.Now()); ok {
		t.Fatal("expected Encapsulate to fail for an unknown gateway")
	}
}

func TestSTUNCandidateHarvestedAndSeededOntoExistingPeer(t *testing.T) {
	client, _, _, _ := newPeerPools(t)

	stunServer := netip.MustParseAddrPort("203.0.113.1:3478")
	client.AddSTUNServer(stunServer)

	now := time.Now()
	client.HandleTimeout(now)

	tr, ok := client.PollTransmit()
	if !ok {
		t.Fatal("expected a STUN binding request")
	}

	mapped := netip.MustParseAddrPort("198.51.100.7:40000")
	req := new(stun.Message)
	req.Raw = append(req.Raw[:0], tr.Payload...)
	if err := req.Decode(); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	resp := stun.MustBuild(req.TransactionID, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: mapped.Addr().AsSlice(), Port: int(mapped.Port())})

	dec := client.Decapsulate(stunServer, netip.AddrPort{}, resp.Raw, now.Add(10*time.Millisecond))
	if dec.Kind != DemuxHandled {
		t.Fatalf("expected the STUN response to be handled, got %v", dec.Kind)
	}

	sawCandidate := false
	for {
		e, ok := client.PollEvent()
		if !ok {
			break
		}
		if e.Kind == EventLocalCandidate && e.Candidate.Addr == mapped {
			sawCandidate = true
		}
	}
	if !sawCandidate {
		t.Fatal("expected an EventLocalCandidate for the new server-reflexive mapping")
	}
}
