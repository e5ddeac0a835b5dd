// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package noise

import (
	"bytes"
	"testing"
	"time"
)

func mustSessions(t *testing.T) (initiator, responder *Session) {
	t.Helper()
	aPriv, aPub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	bPriv, bPub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	var psk PresharedKey
	psk[0] = 0x42

	initiator, err = NewSession(aPriv, bPub, psk)
	if err != nil {
		t.Fatalf("new initiator session: %v", err)
	}
	responder, err = NewSession(bPriv, aPub, psk)
	if err != nil {
		t.Fatalf("new responder session: %v", err)
	}
	return initiator, responder
}

func completeHandshake(t *testing.T, initiator, responder *Session) {
	t.Helper()
	now := time.Now()
	init := initiator.Encapsulate([]byte("hello"), now)
	if init.Kind != ResultHandshakeInitiation {
		t.Fatalf("expected handshake initiation, got %v (%v)", init.Kind, init.Err)
	}

	resp := responder.HandleHandshakeMessage(init.Bytes, now)
	if resp.Kind != ResultWrite {
		t.Fatalf("expected a handshake response, got %v (%v)", resp.Kind, resp.Err)
	}
	if !responder.HasTransportKeys() {
		t.Fatal("expected responder to install transport keys after processing initiation")
	}

	done := initiator.HandleHandshakeMessage(resp.Bytes, now)
	if done.Kind != ResultDone {
		t.Fatalf("expected initiator handshake to complete, got %v (%v)", done.Kind, done.Err)
	}
	if !initiator.HasTransportKeys() {
		t.Fatal("expected initiator to install transport keys after processing response")
	}
}

func TestHandshakeEstablishesMatchingTransportKeys(t *testing.T) {
	initiator, responder := mustSessions(t)
	completeHandshake(t, initiator, responder)

	if initiator.keys.send != responder.keys.recv {
		t.Fatal("initiator send key must equal responder recv key")
	}
	if initiator.keys.recv != responder.keys.send {
		t.Fatal("initiator recv key must equal responder send key")
	}
}

func TestEncapsulateDecapsulateRoundTrip(t *testing.T) {
	initiator, responder := mustSessions(t)
	completeHandshake(t, initiator, responder)

	now := time.Now()
	plaintext := []byte("the quick brown fox")
	res := initiator.Encapsulate(plaintext, now)
	if res.Kind != ResultWrite {
		t.Fatalf("expected transport write, got %v (%v)", res.Kind, res.Err)
	}

	dec := responder.Decapsulate(res.Bytes, now)
	if dec.Kind != ResultWrite {
		t.Fatalf("expected decapsulated plaintext, got %v (%v)", dec.Kind, dec.Err)
	}
	if !bytes.Equal(dec.Bytes, plaintext) {
		t.Fatalf("decapsulated = %q, want %q", dec.Bytes, plaintext)
	}
}

func TestReplayedTransportCounterRejected(t *testing.T) {
	initiator, responder := mustSessions(t)
	completeHandshake(t, initiator, responder)

	now := time.Now()
	res := initiator.Encapsulate([]byte("payload"), now)
	first := responder.Decapsulate(res.Bytes, now)
	if first.Kind != ResultWrite {
		t.Fatalf("first decapsulate should succeed, got %v (%v)", first.Kind, first.Err)
	}

	replay := responder.Decapsulate(res.Bytes, now)
	if replay.Kind != ResultErr || replay.Err != ErrReplayedTransport {
		t.Fatalf("expected replay rejection, got %v (%v)", replay.Kind, replay.Err)
	}
}

func TestKeepaliveEmptyPayloadDecapsulatesToDone(t *testing.T) {
	initiator, responder := mustSessions(t)
	completeHandshake(t, initiator, responder)

	now := time.Now()
	res := initiator.Encapsulate(nil, now)
	if res.Kind != ResultWrite {
		t.Fatalf("expected keepalive write, got %v (%v)", res.Kind, res.Err)
	}
	dec := responder.Decapsulate(res.Bytes, now)
	if dec.Kind != ResultDone {
		t.Fatalf("expected keepalive to decapsulate as Done, got %v (%v)", dec.Kind, dec.Err)
	}
}

func TestUpdateTimersInitiatesHandshakeWhenNoKeys(t *testing.T) {
	initiator, _ := mustSessions(t)
	res := initiator.UpdateTimers(time.Now())
	if res.Kind != ResultHandshakeInitiation {
		t.Fatalf("expected UpdateTimers to kick off a handshake, got %v (%v)", res.Kind, res.Err)
	}
}

func TestWrongRemoteStaticRejectsInitiation(t *testing.T) {
	aPriv, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	bPriv, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	_, wrongPub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	var psk PresharedKey

	// initiator believes the peer's static key is wrongPub, not
	// responder's actual key.
	initiator, err := NewSession(aPriv, wrongPub, psk)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	responder, err := NewSession(bPriv, PublicKey{}, psk)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	now := time.Now()
	init := initiator.Encapsulate([]byte("x"), now)
	resp := responder.HandleHandshakeMessage(init.Bytes, now)
	if resp.Kind != ResultErr {
		t.Fatalf("expected responder to reject initiation signed for a different static key, got %v", resp.Kind)
	}
}
