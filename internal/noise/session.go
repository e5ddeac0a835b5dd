// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package noise

import (
	"encoding/binary"
	"time"
)

// Timing constants from the WireGuard whitepaper §6.
const (
	RekeyAfterTime      = 120 * time.Second
	RekeyAfterMessages  = 1 << 60
	RejectAfterTime     = 180 * time.Second
	RejectAfterMessages = (1 << 64) - (1 << 13) - 1
	KeepaliveInterval   = 10 * time.Second
	RekeyTimeout        = 5 * time.Second
)

// ResultKind tags what a Session operation produced, mirroring
// BoringTun's TunnResult enum: a caller drives encapsulate/decapsulate
// without ever blocking, reacting to whichever variant comes back.
type ResultKind int

const (
	ResultDone ResultKind = iota
	ResultWrite
	ResultErr
	ResultHandshakeInitiation
)

// Result is the outcome of one Session operation.
type Result struct {
	Kind  ResultKind
	Bytes []byte
	Err   error
}

func done() Result              { return Result{Kind: ResultDone} }
func write(b []byte) Result     { return Result{Kind: ResultWrite, Bytes: b} }
func failed(err error) Result   { return Result{Kind: ResultErr, Err: err} }

type transportKeys struct {
	send, recv [KeyLen]byte
	haveKeys   bool

	sendCounter uint64
	replay      replayWindow
}

// Session is a single gateway peer's Noise_IKpsk2 session: handshake
// plus the transport keys it establishes. Nothing here owns a socket —
// Encapsulate/Decapsulate/UpdateTimers push and pull bytes only.
type Session struct {
	localStatic    PrivateKey
	localStaticPub PublicKey
	remoteStatic   PublicKey
	psk            PresharedKey

	hs *handshakeState

	keys transportKeys

	handshakeStartedAt time.Time
	lastHandshakeOK     time.Time
	lastSent            time.Time
	lastReceived        time.Time
	handshakeInitiated  bool
}

// NewSession creates a session that will, once UpdateTimers or
// Encapsulate is first called, initiate a handshake toward
// remoteStatic.
func NewSession(localStatic PrivateKey, remoteStatic PublicKey, psk PresharedKey) (*Session, error) {
	pub, err := publicFromPrivate(localStatic)
	if err != nil {
		return nil, err
	}
	return &Session{
		localStatic:    localStatic,
		localStaticPub: pub,
		remoteStatic:   remoteStatic,
		psk:            psk,
	}, nil
}

// HasTransportKeys reports whether the handshake has completed and
// the session can currently encrypt/decrypt data packets.
func (s *Session) HasTransportKeys() bool { return s.keys.haveKeys }

// wire message type tags, prefixed to every handshake/transport
// message this session ever emits so a demultiplexer can route them.
const (
	msgTypeInitiation byte = 1
	msgTypeResponse   byte = 2
	msgTypeTransport  byte = 4
)

// initiateHandshake begins (or restarts) the Noise_IKpsk2 exchange.
func (s *Session) initiateHandshake(now time.Time) (Result, error) {
	hs, err := newInitiatorHandshake(s.localStatic, s.localStaticPub, s.remoteStatic, s.psk)
	if err != nil {
		return Result{}, err
	}
	s.hs = hs
	msg, err := hs.createInitiation(now)
	if err != nil {
		return Result{}, err
	}
	s.handshakeStartedAt = now
	s.handshakeInitiated = true

	out := make([]byte, 0, 1+len(msg.Ephemeral)+len(msg.EncryptedStatic)+len(msg.EncryptedTimestamp))
	out = append(out, msgTypeInitiation)
	out = append(out, msg.Ephemeral[:]...)
	out = append(out, msg.EncryptedStatic[:]...)
	out = append(out, msg.EncryptedTimestamp[:]...)
	return Result{Kind: ResultHandshakeInitiation, Bytes: out}, nil
}

// HandleHandshakeMessage processes an inbound handshake initiation or
// response. A responder receiving an initiation returns a response
// message to transmit; an initiator receiving a response installs
// transport keys and returns Done.
func (s *Session) HandleHandshakeMessage(packet []byte, now time.Time) Result {
	if len(packet) < 1 {
		return failed(ErrHandshakeFailed)
	}
	switch packet[0] {
	case msgTypeInitiation:
		return s.handleInitiation(packet[1:], now)
	case msgTypeResponse:
		return s.handleResponse(packet[1:], now)
	default:
		return failed(ErrHandshakeFailed)
	}
}

func (s *Session) handleInitiation(body []byte, now time.Time) Result {
	const wantLen = KeyLen + (KeyLen + 16) + (12 + 16)
	if len(body) != wantLen {
		return failed(ErrHandshakeFailed)
	}
	var msg initiationMessage
	copy(msg.Ephemeral[:], body[:KeyLen])
	copy(msg.EncryptedStatic[:], body[KeyLen:KeyLen+KeyLen+16])
	copy(msg.EncryptedTimestamp[:], body[KeyLen+KeyLen+16:])

	hs := newResponderHandshake(s.localStatic, s.localStaticPub, s.psk)
	if err := hs.consumeInitiation(&msg); err != nil {
		return failed(err)
	}
	if hs.remoteStatic != s.remoteStatic {
		return failed(ErrHandshakeFailed)
	}
	s.hs = hs

	resp, err := hs.createResponse()
	if err != nil {
		return failed(err)
	}
	s.installKeysFromHandshake(roleResponder)
	s.lastHandshakeOK = now

	out := make([]byte, 0, 1+len(resp.Ephemeral)+len(resp.EncryptedNothing))
	out = append(out, msgTypeResponse)
	out = append(out, resp.Ephemeral[:]...)
	out = append(out, resp.EncryptedNothing[:]...)
	return write(out)
}

func (s *Session) handleResponse(body []byte, now time.Time) Result {
	if s.hs == nil || s.hs.role != roleInitiator {
		return failed(ErrHandshakeFailed)
	}
	const wantLen = KeyLen + 16
	if len(body) != wantLen {
		return failed(ErrHandshakeFailed)
	}
	var msg responseMessage
	copy(msg.Ephemeral[:], body[:KeyLen])
	copy(msg.EncryptedNothing[:], body[KeyLen:])

	if err := s.hs.consumeResponse(&msg); err != nil {
		return failed(err)
	}
	s.installKeysFromHandshake(roleInitiator)
	s.lastHandshakeOK = now
	return done()
}

func (s *Session) installKeysFromHandshake(role handshakeRole) {
	initSend, respSend := s.hs.split()
	if role == roleInitiator {
		s.keys = transportKeys{send: initSend, recv: respSend, haveKeys: true}
	} else {
		s.keys = transportKeys{send: respSend, recv: initSend, haveKeys: true}
	}
	s.hs = nil
	s.handshakeInitiated = false
}

// Encapsulate encrypts plaintext for transmission. If no session is
// established yet, it instead returns a handshake initiation and the
// caller must retry once the handshake completes.
func (s *Session) Encapsulate(plaintext []byte, now time.Time) Result {
	if !s.keys.haveKeys {
		res, err := s.initiateHandshake(now)
		if err != nil {
			return failed(err)
		}
		return res
	}
	if s.keys.sendCounter >= RejectAfterMessages {
		s.keys.haveKeys = false
		return failed(ErrSessionExpired)
	}
	counter := s.keys.sendCounter
	s.keys.sendCounter++

	ct, err := aeadSeal(s.keys.send, counter, plaintext, nil)
	if err != nil {
		return failed(err)
	}
	out := make([]byte, 0, 1+8+len(ct))
	out = append(out, msgTypeTransport)
	var cb [8]byte
	binary.LittleEndian.PutUint64(cb[:], counter)
	out = append(out, cb[:]...)
	out = append(out, ct...)
	s.lastSent = now
	return write(out)
}

// ErrSessionExpired is returned by Encapsulate once a transport session
// exhausts its message counter. Passing RejectAfterTime does not return
// it: UpdateTimers drops the keys and starts a new handshake instead.
var ErrSessionExpired = errNew("noise: session expired, rekey required")

func errNew(s string) error { return &sessionError{s} }

type sessionError struct{ msg string }

func (e *sessionError) Error() string { return e.msg }

// Decapsulate decrypts an inbound transport packet, including its
// leading msgTypeTransport tag — the same framing Encapsulate produces
// and HandleHandshakeMessage expects for its own message types, so a
// demultiplexer only needs to peek at byte 0 to route between them.
func (s *Session) Decapsulate(packet []byte, now time.Time) Result {
	if !s.keys.haveKeys {
		return failed(ErrHandshakeFailed)
	}
	if len(packet) < 1+8 || packet[0] != msgTypeTransport {
		return failed(ErrHandshakeFailed)
	}
	packet = packet[1:]
	counter := binary.LittleEndian.Uint64(packet[:8])
	if s.keys.replay.duplicate(counter) {
		return failed(ErrReplayedTransport)
	}
	pt, err := aeadOpen(s.keys.recv, counter, packet[8:], nil)
	if err != nil {
		return failed(err)
	}
	s.keys.replay.accept(counter)
	s.lastReceived = now
	if len(pt) == 0 {
		return done() // keepalive
	}
	return write(pt)
}

var ErrReplayedTransport = errNew("noise: replayed transport counter")

// UpdateTimers drives rekeys and keepalives; call it periodically (not
// necessarily on every packet).
func (s *Session) UpdateTimers(now time.Time) Result {
	if s.keys.haveKeys && now.Sub(s.lastHandshakeOK) >= RejectAfterTime {
		s.keys.haveKeys = false
	}
	if !s.keys.haveKeys {
		if s.handshakeInitiated && now.Sub(s.handshakeStartedAt) < RekeyTimeout {
			return done()
		}
		res, err := s.initiateHandshake(now)
		if err != nil {
			return failed(err)
		}
		return res
	}
	if now.Sub(s.lastSent) >= KeepaliveInterval && now.Sub(s.lastReceived) < RejectAfterTime {
		return s.Encapsulate(nil, now)
	}
	return done()
}
