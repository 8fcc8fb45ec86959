// Package auth implements client authentication (spec.md §4.6 step 1):
// an optional bearer-token allowlist with anonymous fallback.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/cc-relay/cc-relay-server/internal/relayerr"
)

type contextKey string

const identityKey contextKey = "clientIdentity"

// Identity is attached to the request context once authentication succeeds.
type Identity struct {
	// KeyHash is the SHA-256 hex of the presented bearer, or "anonymous"
	// when the allowlist is empty (spec.md §3 UsageRecord.client_api_key_hash).
	KeyHash string
}

// Authenticator enforces the configured client-key allowlist.
type Authenticator struct {
	allowed map[string]bool // set of raw keys; empty set means open access
}

func New(apiKeys []string) *Authenticator {
	a := &Authenticator{allowed: make(map[string]bool, len(apiKeys))}
	for _, k := range apiKeys {
		a.allowed[k] = true
	}
	return a
}

// Authenticate extracts the client's bearer token and, if the allowlist is
// non-empty, requires a constant-time match against one of its entries.
// An empty allowlist labels every caller "anonymous" (spec.md §4.6 step 1).
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if len(a.allowed) == 0 {
		return Identity{KeyHash: "anonymous"}, nil
	}

	token := extractToken(r)
	if token == "" {
		return Identity{}, relayerr.ClientAuthRejected("missing API key")
	}

	if !a.matches(token) {
		return Identity{}, relayerr.ClientAuthRejected("invalid API key")
	}

	return Identity{KeyHash: hashKey(token)}, nil
}

func (a *Authenticator) matches(token string) bool {
	for k := range a.allowed {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if key := r.Header.Get("api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func hashKey(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// WithIdentity stores id in ctx for downstream handlers.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext retrieves the Identity set by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
