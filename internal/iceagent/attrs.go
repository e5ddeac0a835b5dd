// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package iceagent

import (
	"encoding/binary"

	"github.com/pion/stun"
)

// ICE connectivity-check attributes (RFC 8445 §7.1.1, §16). pion/stun
// only implements the base RFC 5389 attribute set plus the generic
// Setter machinery (Username, MessageIntegrity, Fingerprint), so the
// ICE-specific ones are declared locally the same way internal/turnalloc
// declares TURN's, and encoded through Message.Add/Get.
const (
	attrUsername       stun.AttrType = 0x0006
	attrPriority       stun.AttrType = 0x0024
	attrUseCandidate   stun.AttrType = 0x0025
	attrICEControlled  stun.AttrType = 0x8029
	attrICEControlling stun.AttrType = 0x802a
)

func setUsername(m *stun.Message, username string) {
	m.Add(attrUsername, []byte(username))
}

func setPriority(m *stun.Message, p uint32) {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], p)
	m.Add(attrPriority, v[:])
}

func getPriority(m *stun.Message) (uint32, bool) {
	a, err := m.Get(attrPriority)
	if err != nil || len(a.Value) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Value), true
}

func setUseCandidate(m *stun.Message) {
	m.Add(attrUseCandidate, nil)
}

func hasUseCandidate(m *stun.Message) bool {
	_, err := m.Get(attrUseCandidate)
	return err == nil
}

func setTieBreaker(m *stun.Message, controlling bool, tieBreaker uint64) {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], tieBreaker)
	attr := attrICEControlled
	if controlling {
		attr = attrICEControlling
	}
	m.Add(attr, v[:])
}

func getTieBreaker(m *stun.Message, attr stun.AttrType) (uint64, bool) {
	a, err := m.Get(attr)
	if err != nil || len(a.Value) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(a.Value), true
}
