// Package registry is the Account Registry (spec.md §4.1): the single
// source of truth for per-account configuration and volatile state.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cc-relay/cc-relay-server/internal/config"
)

const credentialSalt = "cc-relay-credential"

// ProviderKind is config.AccountKind. A route that spans several account
// kinds (spec.md's "claude-oauth ∪ claude-api") passes all of them as a
// []ProviderKind; the type itself does no grouping.
type ProviderKind = config.AccountKind

// Snapshot is an atomic, read-only view of one account's state (spec.md
// §4.1 "get(id) -> account snapshot").
type Snapshot struct {
	ID              string
	Kind            ProviderKind
	Priority        int
	Enabled         bool
	BaseURL         string
	Proxy           *config.ProxyConfig
	CooldownUntil   *time.Time
	LastErrorKind   string
	AccessToken     string
	AccessExpiresAt time.Time
	HasAPIKey       bool
	ClientID        string
}

// IsCooledDown reports whether the snapshot's cooldown has not yet elapsed.
func (s Snapshot) IsCooledDown(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}

type accountState struct {
	mu sync.Mutex

	id       string
	kind     ProviderKind
	priority int
	enabled  bool
	baseURL  string
	proxy    *config.ProxyConfig
	clientID string

	refreshTokenEnc string // empty for static-key accounts
	apiKeyEnc       string // empty for OAuth accounts

	accessToken     string
	accessExpiresAt time.Time

	cooldownUntil *time.Time
	lastErrorKind string

	breaker *gobreaker.CircuitBreaker
}

// Registry is the process-scoped account catalog, initialized from config
// at boot and torn down at shutdown (spec.md §9 "avoid ambient singletons").
type Registry struct {
	crypto   *Crypto
	accounts map[string]*accountState
	order    []string // stable iteration order for determinism
}

// New builds a Registry from the static account list in cfg. masterKey
// drives the at-rest encryption of credential material (internal/registry.Crypto).
func New(cfg *config.Config, masterKey string) (*Registry, error) {
	r := &Registry{
		crypto:   NewCrypto(masterKey),
		accounts: make(map[string]*accountState, len(cfg.Accounts)),
	}

	for _, a := range cfg.Accounts {
		st := &accountState{
			id:       a.ID,
			kind:     a.Type,
			priority: a.Priority,
			enabled:  a.IsEnabled(),
			baseURL:  a.BaseURL,
			proxy:    a.Proxy,
			clientID: a.ClientID,
			breaker:  newBreaker(a.ID),
		}

		if a.RefreshToken != "" {
			enc, err := r.crypto.Encrypt(a.RefreshToken, credentialSalt)
			if err != nil {
				return nil, fmt.Errorf("encrypt refresh token for %s: %w", a.ID, err)
			}
			st.refreshTokenEnc = enc
		}
		if a.APIKey != "" {
			enc, err := r.crypto.Encrypt(a.APIKey, credentialSalt)
			if err != nil {
				return nil, fmt.Errorf("encrypt api key for %s: %w", a.ID, err)
			}
			st.apiKeyEnc = enc
		}

		r.accounts[a.ID] = st
		r.order = append(r.order, a.ID)
	}
	sort.Strings(r.order)

	return r, nil
}

func newBreaker(accountID string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        accountID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// ListEligible returns enabled accounts whose kind is in kinds, whose
// cooldown has elapsed, and whose breaker is not open, excluding ids in
// excluded, ordered by (priority DESC, id ASC) for deterministic
// tie-breaks (spec.md §4.1/§8). A route that spans multiple account kinds
// (e.g. "claude-oauth ∪ claude-api", spec.md §6) passes both.
func (r *Registry) ListEligible(kinds []ProviderKind, excluded map[string]bool) []string {
	now := time.Now()
	var ids []string
	for _, id := range r.order {
		st := r.accounts[id]
		st.mu.Lock()
		ok := st.enabled && kindIn(st.kind, kinds) && !excluded[id] &&
			!cooledDown(st.cooldownUntil, now) &&
			st.breaker.State() != gobreaker.StateOpen
		st.mu.Unlock()
		if ok {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool {
		pi, pj := r.accounts[ids[i]].priority, r.accounts[ids[j]].priority
		if pi != pj {
			return pi > pj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func cooledDown(until *time.Time, now time.Time) bool {
	return until != nil && now.Before(*until)
}

func kindIn(kind ProviderKind, kinds []ProviderKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Get returns an atomic snapshot of account id, or (Snapshot{}, false) if unknown.
func (r *Registry) Get(id string) (Snapshot, bool) {
	st, ok := r.accounts[id]
	if !ok {
		return Snapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return Snapshot{
		ID:              st.id,
		Kind:            st.kind,
		Priority:        st.priority,
		Enabled:         st.enabled,
		BaseURL:         st.baseURL,
		Proxy:           st.proxy,
		CooldownUntil:   st.cooldownUntil,
		LastErrorKind:   st.lastErrorKind,
		AccessToken:     st.accessToken,
		AccessExpiresAt: st.accessExpiresAt,
		HasAPIKey:       st.apiKeyEnc != "",
		ClientID:        st.clientID,
	}, true
}

// MarkCooldown sets cooldown_until = now + duration, recording reason.
// Idempotent: later/larger cooldowns win (max), never shrinking an existing
// cooldown (spec.md §4.1).
func (r *Registry) MarkCooldown(id string, duration time.Duration, reason string) {
	st, ok := r.accounts[id]
	if !ok {
		return
	}
	until := time.Now().Add(duration)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cooldownUntil == nil || until.After(*st.cooldownUntil) {
		st.cooldownUntil = &until
	}
	st.lastErrorKind = reason
}

// MarkPermanentlyUnavailable is MarkCooldown with the configured unavailable window.
func (r *Registry) MarkPermanentlyUnavailable(id string, unavailableCooldown time.Duration, reason string) {
	r.MarkCooldown(id, unavailableCooldown, reason)
}

// UpdateToken stores a freshly refreshed access token and expiry.
func (r *Registry) UpdateToken(id, accessToken string, expiresAt time.Time) {
	st, ok := r.accounts[id]
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.accessToken = accessToken
	st.accessExpiresAt = expiresAt
	// A successful refresh means the account is reachable again; clear any
	// stale auth-failure cooldown so it can be re-selected immediately,
	// mirroring the teacher's StoreTokens clearing overloadedUntil.
	st.cooldownUntil = nil
	st.lastErrorKind = ""
}

// DecryptRefreshToken returns the plaintext OAuth refresh token for id.
func (r *Registry) DecryptRefreshToken(id string) (string, error) {
	st, ok := r.accounts[id]
	if !ok {
		return "", fmt.Errorf("unknown account %s", id)
	}
	st.mu.Lock()
	enc := st.refreshTokenEnc
	st.mu.Unlock()
	if enc == "" {
		return "", fmt.Errorf("account %s has no refresh token", id)
	}
	return r.crypto.Decrypt(enc, credentialSalt)
}

// DecryptAPIKey returns the plaintext static API key for id.
func (r *Registry) DecryptAPIKey(id string) (string, error) {
	st, ok := r.accounts[id]
	if !ok {
		return "", fmt.Errorf("unknown account %s", id)
	}
	st.mu.Lock()
	enc := st.apiKeyEnc
	st.mu.Unlock()
	if enc == "" {
		return "", fmt.Errorf("account %s has no api key", id)
	}
	return r.crypto.Decrypt(enc, credentialSalt)
}

// MinRemainingCooldown returns the smallest remaining cooldown across every
// account whose kind is in kinds, used to populate the NoAccountAvailable
// retry-after hint (spec.md §7). Returns 0 if none of them is cooling down.
func (r *Registry) MinRemainingCooldown(kinds []ProviderKind) time.Duration {
	now := time.Now()
	var min time.Duration
	found := false
	for _, id := range r.order {
		st := r.accounts[id]
		st.mu.Lock()
		k, until := st.kind, st.cooldownUntil
		st.mu.Unlock()
		if !kindIn(k, kinds) || until == nil || !until.After(now) {
			continue
		}
		remaining := until.Sub(now)
		if !found || remaining < min {
			min = remaining
			found = true
		}
	}
	if !found {
		return 0
	}
	return min
}

// WithBreaker executes fn through account id's per-account circuit breaker.
// fn should return an error for transport failures or 5xx/529 responses so
// a burst of such failures trips the breaker ahead of any explicit cooldown
// the Error Classifier would apply (SPEC_FULL's circuit-breaking supplement).
// The HTTP response, if any, is always returned alongside the error so
// callers can still inspect a non-nil response that counted as a failure.
func (r *Registry) WithBreaker(ctx context.Context, id string, fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	st, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("unknown account %s", id)
	}

	result, err := st.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	var resp *http.Response
	if result != nil {
		resp, _ = result.(*http.Response)
	}
	return resp, err
}

// IDs returns every configured account id in deterministic order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
