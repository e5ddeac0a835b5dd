// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package noise

import (
	"crypto/hmac"
	"hash"

	"golang.org/x/crypto/blake2s"
)

// WireGuard's handshake is the Noise Protocol Framework's IK pattern
// instantiated with these three primitives; the HMAC-BLAKE2s-based
// key derivation below matches the WireGuard whitepaper §5.1 exactly
// since it (not generic HKDF) is what both ends must agree on.

func hmacBlake2s(key, input []byte) [blake2s.Size]byte {
	mac := hmac.New(func() hash.Hash { h, _ := blake2s.New256(nil); return h }, key)
	mac.Write(input)
	var out [blake2s.Size]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func kdf1(key, input []byte) (t0 [blake2s.Size]byte) {
	tau0 := hmacBlake2s(key, input)
	return hmacBlake2s(tau0[:], []byte{0x1})
}

func kdf2(key, input []byte) (t1, t2 [blake2s.Size]byte) {
	tau0 := hmacBlake2s(key, input)
	t1 = hmacBlake2s(tau0[:], []byte{0x1})
	t2 = hmacBlake2s(tau0[:], append(append([]byte{}, t1[:]...), 0x2))
	return t1, t2
}

func kdf3(key, input []byte) (t1, t2, t3 [blake2s.Size]byte) {
	tau0 := hmacBlake2s(key, input)
	t1 = hmacBlake2s(tau0[:], []byte{0x1})
	t2 = hmacBlake2s(tau0[:], append(append([]byte{}, t1[:]...), 0x2))
	t3 = hmacBlake2s(tau0[:], append(append([]byte{}, t2[:]...), 0x3))
	return t1, t2, t3
}
