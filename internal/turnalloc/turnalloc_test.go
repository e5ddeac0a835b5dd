// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package turnalloc

import (
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun"
)

var (
	relayServer  = netip.MustParseAddrPort("127.0.0.1:3478")
	relayServer2 = netip.MustParseAddrPort("127.0.0.1:33478")
	relayAddr    = netip.MustParseAddrPort("203.0.113.9:54321")
)

func allocateAndConfirm(t *testing.T, a *Allocation, now time.Time) {
	t.Helper()
	a.HandleTimeout(now)
	tr, ok := a.PollTransmit()
	if !ok {
		t.Fatal("expected Allocate request")
	}
	resp := generateAllocateSuccess(t, tr.Payload, relayAddr)
	if !a.HandleInput(relayServer, resp, now) {
		t.Fatal("expected allocate response to be handled")
	}
}

func TestAllocationSendsAllocateRequest(t *testing.T) {
	a := NewAllocation(relayServer, "user", "pass", "firezone")
	a.HandleTimeout(time.Now())

	tr, ok := a.PollTransmit()
	if !ok {
		t.Fatal("expected a transmit")
	}
	if tr.Dst != relayServer {
		t.Fatalf("dst = %v, want %v", tr.Dst, relayServer)
	}
}

func TestAllocationBecomesAllocatedOnSuccess(t *testing.T) {
	a := NewAllocation(relayServer, "user", "pass", "firezone")
	allocateAndConfirm(t, a, time.Now())

	addr, ok := a.RelayAddress()
	if !ok || addr != relayAddr {
		t.Fatalf("RelayAddress = %v, %v, want %v", addr, ok, relayAddr)
	}

	ev, ok := a.PollEvent()
	if !ok || !ev.HasCandidate || ev.Candidate != relayAddr {
		t.Fatalf("expected candidate event, got %+v, %v", ev, ok)
	}
}

func TestChannelBindEstablishedAfterAllocation(t *testing.T) {
	now := time.Now()
	a := NewAllocation(relayServer, "user", "pass", "firezone")
	allocateAndConfirm(t, a, now)

	peer := netip.MustParseAddrPort("198.51.100.2:4000")
	a.EnsurePeer(peer)
	a.HandleTimeout(now)

	tr, ok := a.PollTransmit()
	if !ok {
		t.Fatal("expected ChannelBind request")
	}

	resp := generateChannelBindSuccess(t, tr.Payload)
	if !a.HandleInput(relayServer, resp, now) {
		t.Fatal("expected ChannelBind response to be handled")
	}

	if n := a.ChannelBindings(); n != 1 {
		t.Fatalf("ChannelBindings = %d, want 1", n)
	}

	if _, ok := a.SendToPeer(peer, []byte("payload")); !ok {
		t.Fatal("expected SendToPeer to succeed once bound")
	}
}

func TestChannelDataFromPeerEmitsEvent(t *testing.T) {
	now := time.Now()
	a := NewAllocation(relayServer, "user", "pass", "firezone")
	allocateAndConfirm(t, a, now)

	peer := netip.MustParseAddrPort("198.51.100.2:4000")
	a.EnsurePeer(peer)
	a.HandleTimeout(now)
	tr, _ := a.PollTransmit()
	resp := generateChannelBindSuccess(t, tr.Payload)
	a.HandleInput(relayServer, resp, now)

	number, ok := a.ChannelFor(peer)
	if !ok {
		t.Fatal("expected a channel number")
	}

	payload := []byte("hello-peer")
	frame := make([]byte, 4+len(payload))
	frame[0] = byte(number >> 8)
	frame[1] = byte(number)
	frame[2] = byte(len(payload) >> 8)
	frame[3] = byte(len(payload))
	copy(frame[4:], payload)

	if !a.HandleInput(relayServer, frame, now) {
		t.Fatal("expected ChannelData to be handled")
	}
	ev, ok := a.PollEvent()
	if !ok || !ev.HasData || string(ev.Data) != "hello-peer" || ev.Peer != peer {
		t.Fatalf("unexpected event: %+v, %v", ev, ok)
	}
}

func TestAllocationsUpsertIsIdempotent(t *testing.T) {
	set := NewAllocations[int]()
	if r := set.Upsert(1, relayServer, "u", "p", "firezone"); r != UpsertAdded {
		t.Fatalf("first upsert = %v, want Added", r)
	}
	if r := set.Upsert(1, relayServer, "u", "p", "firezone"); r != UpsertSkipped {
		t.Fatalf("repeat upsert = %v, want Skipped", r)
	}
	if r := set.Upsert(1, relayServer2, "u", "p", "firezone"); r != UpsertReplaced {
		t.Fatalf("changed-server upsert = %v, want Replaced", r)
	}
}

func TestAllocationsRemoveRemembersStaleRelay(t *testing.T) {
	set := NewAllocations[int]()
	set.Upsert(1, relayServer, "u", "p", "firezone")
	set.Remove(1)

	if !set.IsStaleRelay(relayServer.Addr()) {
		t.Fatal("expected removed relay's address to be remembered as stale")
	}
	if !set.IsEmpty() {
		t.Fatal("expected collection to be empty after remove")
	}
}

func TestAllocationsClearRemembersAllStaleRelays(t *testing.T) {
	set := NewAllocations[int]()
	set.Upsert(1, relayServer, "u", "p", "firezone")
	set.Clear()

	if !set.IsStaleRelay(relayServer.Addr()) {
		t.Fatal("expected cleared relay's address to be remembered as stale")
	}
}

func generateAllocateSuccess(t *testing.T, request []byte, relay netip.AddrPort) []byte {
	t.Helper()
	req := new(stun.Message)
	req.Raw = append(req.Raw[:0], request...)
	if err := req.Decode(); err != nil {
		t.Fatalf("decode allocate request: %v", err)
	}
	resp := stun.MustBuild(req.TransactionID, stun.NewType(methodAllocate, stun.ClassSuccessResponse))
	setXorAddress(resp, attrXorRelayedAddress, relay)
	setLifetime(resp, uint32(AllocationLifetime.Seconds()))
	return resp.Raw
}

func generateChannelBindSuccess(t *testing.T, request []byte) []byte {
	t.Helper()
	req := new(stun.Message)
	req.Raw = append(req.Raw[:0], request...)
	if err := req.Decode(); err != nil {
		t.Fatalf("decode channelbind request: %v", err)
	}
	resp := stun.MustBuild(req.TransactionID, stun.NewType(methodChannelBind, stun.ClassSuccessResponse))
	return resp.Raw
}
