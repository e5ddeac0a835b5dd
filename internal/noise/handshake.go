// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package noise implements the Noise_IKpsk2 handshake and transport
// WireGuard is built from, directly over golang.org/x/crypto's
// curve25519/chacha20poly1305/blake2s primitives rather than pulling in
// a device-owning WireGuard implementation (see DESIGN.md for why
// golang.zx2c4.com/wireguard's device package isn't used directly: it
// owns its own TUN and goroutines, which this sans-IO client can't
// delegate to). The handshake state machine below follows the Noise
// Protocol Framework's IK pattern and the WireGuard whitepaper's
// HMAC-BLAKE2s key schedule directly, since neither boringtun's nor
// connlib's actual handshake source was in the retrieved sample.
package noise

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	noiseConstruction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	wgIdentifier      = "WireGuard v1 zx2c4 Jason@zx2c4.com"
)

// KeyLen is the size of every Curve25519 key used here: static,
// ephemeral, and pre-shared.
const KeyLen = 32

type (
	PrivateKey [KeyLen]byte
	PublicKey  [KeyLen]byte
	PresharedKey [KeyLen]byte
)

// GenerateKeypair creates a fresh static or ephemeral Curve25519 keypair.
func GenerateKeypair() (PrivateKey, PublicKey, error) {
	var priv PrivateKey
	if _, err := rand.Read(priv[:]); err != nil {
		return PrivateKey{}, PublicKey{}, err
	}
	pub, err := publicFromPrivate(priv)
	return priv, pub, err
}

func publicFromPrivate(priv PrivateKey) (PublicKey, error) {
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, err
	}
	var pub PublicKey
	copy(pub[:], out)
	return pub, nil
}

func dh(priv PrivateKey, pub PublicKey) ([KeyLen]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return [KeyLen]byte{}, err
	}
	var shared [KeyLen]byte
	copy(shared[:], out)
	return shared, nil
}

// symmetricState is the Noise Protocol Framework's SymmetricState: a
// running chaining key and transcript hash, plus whatever key the most
// recent mixKey/mixKeyAndHash established.
type symmetricState struct {
	ck     [blake2s.Size]byte
	h      [blake2s.Size]byte
	key    [KeyLen]byte
	hasKey bool
}

func newSymmetricState() symmetricState {
	ck := blake2sSum([]byte(noiseConstruction))
	h := blake2sSum(append(append([]byte{}, ck[:]...), []byte(wgIdentifier)...))
	return symmetricState{ck: ck, h: h}
}

func blake2sSum(data []byte) [blake2s.Size]byte {
	return blake2s.Sum256(data)
}

func (s *symmetricState) mixHash(data []byte) {
	s.h = blake2sSum(append(append([]byte{}, s.h[:]...), data...))
}

func (s *symmetricState) mixKey(input []byte) {
	t1, t2 := kdf2(s.ck[:], input)
	s.ck = t1
	s.key = t2
	s.hasKey = true
}

func (s *symmetricState) mixKeyAndHash(input []byte) {
	t1, t2, t3 := kdf3(s.ck[:], input)
	s.ck = t1
	s.mixHash(t2[:])
	s.key = t3
	s.hasKey = true
}

func (s *symmetricState) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(plaintext)
		return append([]byte{}, plaintext...), nil
	}
	ct, err := aeadSeal(s.key, 0, plaintext, s.h[:])
	if err != nil {
		return nil, err
	}
	s.mixHash(ct)
	return ct, nil
}

func (s *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !s.hasKey {
		s.mixHash(ciphertext)
		return append([]byte{}, ciphertext...), nil
	}
	pt, err := aeadOpen(s.key, 0, ciphertext, s.h[:])
	if err != nil {
		return nil, err
	}
	s.mixHash(ciphertext)
	return pt, nil
}

func (s *symmetricState) split() (send, recv [KeyLen]byte) {
	return kdf2(s.ck[:], nil)
}

func aeadSeal(key [KeyLen]byte, counter uint64, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonceFor(counter), plaintext, ad), nil
}

func aeadOpen(key [KeyLen]byte, counter uint64, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonceFor(counter), ciphertext, ad)
}

// nonceFor matches WireGuard's wire nonce layout: 4 zero bytes followed
// by a little-endian 64-bit counter.
func nonceFor(counter uint64) []byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n[:]
}

// handshakeRole distinguishes the two IK participants; only the
// initiator (this client) ever opens a handshake, but both roles
// process the two handshake messages identically up to that.
type handshakeRole int

const (
	roleInitiator handshakeRole = iota
	roleResponder
)

// handshakeState drives one Noise_IKpsk2 exchange to completion.
type handshakeState struct {
	role handshakeRole
	ss   symmetricState

	localStatic     PrivateKey
	localStaticPub  PublicKey
	localEphemeral  PrivateKey
	localEphPub     PublicKey
	remoteStatic    PublicKey
	remoteEphemeral PublicKey
	psk             PresharedKey

	lastRemoteTimestamp [12]byte
}

func newInitiatorHandshake(localStatic PrivateKey, localStaticPub PublicKey, remoteStatic PublicKey, psk PresharedKey) (*handshakeState, error) {
	hs := &handshakeState{
		role:           roleInitiator,
		ss:             newSymmetricState(),
		localStatic:    localStatic,
		localStaticPub: localStaticPub,
		remoteStatic:   remoteStatic,
		psk:            psk,
	}
	hs.ss.mixHash(remoteStatic[:])
	return hs, nil
}

func newResponderHandshake(localStatic PrivateKey, localStaticPub PublicKey, psk PresharedKey) *handshakeState {
	hs := &handshakeState{
		role:           roleResponder,
		ss:             newSymmetricState(),
		localStatic:    localStatic,
		localStaticPub: localStaticPub,
		psk:            psk,
	}
	hs.ss.mixHash(localStaticPub[:])
	return hs
}

// initiationMessage is wire-format message 1: e, es, s, ss, {timestamp}.
type initiationMessage struct {
	Ephemeral     PublicKey
	EncryptedStatic    [KeyLen + 16]byte
	EncryptedTimestamp [12 + 16]byte
}

func (hs *handshakeState) createInitiation(now time.Time) (*initiationMessage, error) {
	ePriv, ePub, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	hs.localEphemeral, hs.localEphPub = ePriv, ePub
	hs.ss.mixHash(ePub[:])

	es, err := dh(ePriv, hs.remoteStatic)
	if err != nil {
		return nil, err
	}
	hs.ss.mixKey(es[:])

	encStatic, err := hs.ss.encryptAndHash(hs.localStaticPub[:])
	if err != nil {
		return nil, err
	}

	ss, err := dh(hs.localStatic, hs.remoteStatic)
	if err != nil {
		return nil, err
	}
	hs.ss.mixKey(ss[:])

	ts := tai64n(now)
	encTimestamp, err := hs.ss.encryptAndHash(ts[:])
	if err != nil {
		return nil, err
	}

	msg := &initiationMessage{Ephemeral: ePub}
	copy(msg.EncryptedStatic[:], encStatic)
	copy(msg.EncryptedTimestamp[:], encTimestamp)
	return msg, nil
}

var ErrReplayedHandshake = errors.New("noise: handshake timestamp did not advance")
var ErrHandshakeFailed = errors.New("noise: handshake decrypt/auth failure")

func (hs *handshakeState) consumeInitiation(msg *initiationMessage) error {
	hs.remoteEphemeral = msg.Ephemeral
	hs.ss.mixHash(msg.Ephemeral[:])

	es, err := dh(hs.localStatic, msg.Ephemeral)
	if err != nil {
		return err
	}
	hs.ss.mixKey(es[:])

	rsBytes, err := hs.ss.decryptAndHash(msg.EncryptedStatic[:])
	if err != nil {
		return ErrHandshakeFailed
	}
	copy(hs.remoteStatic[:], rsBytes)

	ss, err := dh(hs.localStatic, hs.remoteStatic)
	if err != nil {
		return err
	}
	hs.ss.mixKey(ss[:])

	tsBytes, err := hs.ss.decryptAndHash(msg.EncryptedTimestamp[:])
	if err != nil {
		return ErrHandshakeFailed
	}
	var ts [12]byte
	copy(ts[:], tsBytes)
	if !tai64nLess(hs.lastRemoteTimestamp, ts) && hs.lastRemoteTimestamp != ([12]byte{}) {
		return ErrReplayedHandshake
	}
	hs.lastRemoteTimestamp = ts
	return nil
}

// responseMessage is wire-format message 2: e, ee, se, psk, {}.
type responseMessage struct {
	Ephemeral    PublicKey
	EncryptedNothing [16]byte
}

func (hs *handshakeState) createResponse() (*responseMessage, error) {
	ePriv, ePub, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	hs.localEphemeral, hs.localEphPub = ePriv, ePub
	hs.ss.mixHash(ePub[:])

	ee, err := dh(ePriv, hs.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	hs.ss.mixKey(ee[:])

	se, err := dh(ePriv, hs.remoteStatic)
	if err != nil {
		return nil, err
	}
	hs.ss.mixKey(se[:])

	hs.ss.mixKeyAndHash(hs.psk[:])

	encEmpty, err := hs.ss.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}

	msg := &responseMessage{Ephemeral: ePub}
	copy(msg.EncryptedNothing[:], encEmpty)
	return msg, nil
}

func (hs *handshakeState) consumeResponse(msg *responseMessage) error {
	hs.remoteEphemeral = msg.Ephemeral
	hs.ss.mixHash(msg.Ephemeral[:])

	ee, err := dh(hs.localEphemeral, msg.Ephemeral)
	if err != nil {
		return err
	}
	hs.ss.mixKey(ee[:])

	se, err := dh(hs.localStatic, msg.Ephemeral)
	if err != nil {
		return err
	}
	hs.ss.mixKey(se[:])

	hs.ss.mixKeyAndHash(hs.psk[:])

	if _, err := hs.ss.decryptAndHash(msg.EncryptedNothing[:]); err != nil {
		return ErrHandshakeFailed
	}
	return nil
}

// split yields the transport keys in initiator-send/responder-send
// order, matching the Noise spec's Split(); callers swap as needed for
// their role.
func (hs *handshakeState) split() (initiatorSend, responderSend [KeyLen]byte) {
	return hs.ss.split()
}

// tai64n encodes t as a TAI64N label (RFC not assigned; djb's format),
// used only as a monotonic, human-meaningless freshness token in the
// encrypted handshake payload — this client never interoperates with
// another TAI64N consumer.
func tai64n(t time.Time) [12]byte {
	var out [12]byte
	const taiEpochOffset = 1<<62 + 10
	binary.BigEndian.PutUint64(out[0:8], taiEpochOffset+uint64(t.Unix()))
	binary.BigEndian.PutUint32(out[8:12], uint32(t.Nanosecond()))
	return out
}

func tai64nLess(a, b [12]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
