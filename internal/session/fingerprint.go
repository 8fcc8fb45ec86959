package session

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeFingerprint derives the session fingerprint the Dispatcher uses to
// key sticky bindings (spec.md §4.3): SHA-256 over the concatenation of the
// client bearer hash, provider-kind, the first system block (or equivalent
// context anchor), and the earliest user-message content. This
// canonicalization is the one fixed policy the spec calls for — the
// contract is only that semantically continuing a conversation yields the
// same fingerprint, so any one of its inputs may legitimately be empty for
// stateless calls (the caller should then pass "" for the whole fingerprint).
func ComputeFingerprint(clientKeyHash, providerKind, systemAnchor, firstUserContent string) string {
	h := sha256.New()
	h.Write([]byte(clientKeyHash))
	h.Write([]byte{0})
	h.Write([]byte(providerKind))
	h.Write([]byte{0})
	h.Write([]byte(systemAnchor))
	h.Write([]byte{0})
	h.Write([]byte(firstUserContent))
	return hex.EncodeToString(h.Sum(nil))
}
