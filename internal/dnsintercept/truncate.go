// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnsintercept

import "github.com/miekg/dns"

// SerializeWithBudget packs msg and, if the result doesn't fit in
// budget bytes (the caller's transport MTU for UDP, or unlimited for
// TCP/DoH by passing budget<=0), falls back to a truncated reply: the
// TC bit set, answer/authority/additional sections dropped, question
// section kept. A nil return means msg itself couldn't be packed at
// all (malformed RR data), which the caller should treat as a drop.
func SerializeWithBudget(msg *dns.Msg, budget int) []byte {
	raw, err := msg.Pack()
	if err == nil && (budget <= 0 || len(raw) <= budget) {
		return raw
	}

	trunc := new(dns.Msg)
	trunc.MsgHdr = msg.MsgHdr
	trunc.Compress = msg.Compress
	trunc.Question = msg.Question
	trunc.Truncated = true
	trunc.Answer = nil
	trunc.Ns = nil
	trunc.Extra = nil

	raw2, err2 := trunc.Pack()
	if err2 != nil {
		return nil
	}
	return raw2
}

// IsTruncated reports whether a packed DNS message has its TC bit
// set, whether SerializeWithBudget truncated it locally or an
// upstream response already came back that way.
func IsTruncated(msg []byte) bool {
	m := new(dns.Msg)
	if err := m.Unpack(msg); err != nil {
		return false
	}
	return m.Truncated
}
