// Package tokenrefresh implements the Token Refresher (spec.md §4.2):
// per-account OAuth access-token refresh, deduplicated so concurrent
// requests against the same expiring account trigger exactly one upstream
// refresh call.
package tokenrefresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cc-relay/cc-relay-server/internal/registry"
	"github.com/cc-relay/cc-relay-server/internal/transport"
)

// lookahead is how far before actual expiry a token is treated as already
// expired, so a request never races a token that is valid-but-about-to-die
// (spec.md §4.2 "refresh_lookahead = 10s").
const lookahead = 10 * time.Second

// OAuthEndpoint describes where and how to exchange a refresh token, one per
// provider kind that supports OAuth (claude-oauth, gemini).
type OAuthEndpoint struct {
	TokenURL string
	// ExtraParams are merged into the form body alongside grant_type,
	// refresh_token and client_id (e.g. Gemini's client_secret).
	ExtraParams map[string]string
}

var endpoints = map[registry.ProviderKind]OAuthEndpoint{
	"claude-oauth": {TokenURL: "https://console.anthropic.com/v1/oauth/token"},
	"gemini":       {TokenURL: "https://oauth2.googleapis.com/token"},
}

// Refresher ensures each account's access token is valid, deduplicating
// concurrent refreshes for the same account via singleflight (spec.md §4.2:
// "concurrent requests needing the same refresh... collapse into one
// upstream call").
type Refresher struct {
	reg       *registry.Registry
	transport *transport.Manager
	group     singleflight.Group
	now       func() time.Time
}

func New(reg *registry.Registry, tm *transport.Manager) *Refresher {
	return &Refresher{reg: reg, transport: tm, now: time.Now}
}

// EnsureValid returns a usable access token for id, refreshing it first if
// it is missing, expired, or within the lookahead window of expiry. Static
// API-key accounts short-circuit to their key (no refresh concept applies).
func (r *Refresher) EnsureValid(ctx context.Context, id string) (string, error) {
	snap, ok := r.reg.Get(id)
	if !ok {
		return "", fmt.Errorf("unknown account %s", id)
	}

	if snap.HasAPIKey {
		return r.reg.DecryptAPIKey(id)
	}

	if snap.AccessToken != "" && r.now().Add(lookahead).Before(snap.AccessExpiresAt) {
		return snap.AccessToken, nil
	}

	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		return r.refresh(ctx, id, snap.Kind)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ForceRefresh refreshes unconditionally, ignoring the cached token's
// remaining lifetime; the cached token is replaced only when the refresh
// succeeds.
func (r *Refresher) ForceRefresh(ctx context.Context, id string) (string, error) {
	snap, ok := r.reg.Get(id)
	if !ok {
		return "", fmt.Errorf("unknown account %s", id)
	}
	if snap.HasAPIKey {
		return r.reg.DecryptAPIKey(id)
	}
	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		return r.refresh(ctx, id, snap.Kind)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Refresher) refresh(ctx context.Context, id string, kind registry.ProviderKind) (string, error) {
	ep, ok := endpoints[kind]
	if !ok {
		return "", fmt.Errorf("account %s: kind %s does not support oauth refresh", id, kind)
	}

	refreshToken, err := r.reg.DecryptRefreshToken(id)
	if err != nil {
		return "", fmt.Errorf("account %s: %w", id, err)
	}

	snap, _ := r.reg.Get(id)

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if snap.ClientID != "" {
		form.Set("client_id", snap.ClientID)
	}
	for k, v := range ep.ExtraParams {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("account %s: build refresh request: %w", id, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client := r.transport.ClientFor(snap.Proxy)
	resp, err := client.Do(req)
	if err != nil {
		return "", &RefreshError{AccountID: id, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &RefreshError{AccountID: id, Transient: true, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		if isInvalidGrant(body) {
			r.reg.MarkPermanentlyUnavailable(id, 24*time.Hour, "invalid_grant")
			return "", &RefreshError{AccountID: id, Transient: false, Err: fmt.Errorf("invalid_grant: %s", body)}
		}
		return "", &RefreshError{AccountID: id, Transient: true, Err: fmt.Errorf("refresh failed: %d %s", resp.StatusCode, body)}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &RefreshError{AccountID: id, Transient: true, Err: fmt.Errorf("decode refresh response: %w", err)}
	}
	if payload.AccessToken == "" {
		return "", &RefreshError{AccountID: id, Transient: true, Err: fmt.Errorf("refresh response missing access_token")}
	}

	expiresAt := r.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	r.reg.UpdateToken(id, payload.AccessToken, expiresAt)

	return payload.AccessToken, nil
}

func isInvalidGrant(body []byte) bool {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return false
	}
	return e.Error == "invalid_grant"
}

// RefreshError distinguishes a permanently-dead credential (Transient=false,
// already marked unavailable) from a transient network/server failure that
// the caller should treat as a normal failover trigger.
type RefreshError struct {
	AccountID string
	Transient bool
	Err       error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh for %s: %v", e.AccountID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
