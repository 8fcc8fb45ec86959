package registry

import (
	"testing"
	"time"

	"github.com/cc-relay/cc-relay-server/internal/config"
)

func newTestRegistry(t *testing.T, accounts ...config.AccountConfig) *Registry {
	t.Helper()
	cfg := &config.Config{Accounts: accounts}
	reg, err := New(cfg, "test-master-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg
}

func TestListEligibleFiltersByKindAndOrdersByPriority(t *testing.T) {
	reg := newTestRegistry(t,
		config.AccountConfig{ID: "low", Type: config.KindClaudeOAuth, Priority: 1, RefreshToken: "rt"},
		config.AccountConfig{ID: "high", Type: config.KindClaudeOAuth, Priority: 10, RefreshToken: "rt"},
		config.AccountConfig{ID: "other-kind", Type: config.KindGemini, Priority: 99, RefreshToken: "rt"},
	)

	ids := reg.ListEligible([]config.AccountKind{config.KindClaudeOAuth}, nil)
	if len(ids) != 2 {
		t.Fatalf("got %d eligible, want 2: %v", len(ids), ids)
	}
	if ids[0] != "high" || ids[1] != "low" {
		t.Fatalf("order = %v, want [high low]", ids)
	}
}

func TestListEligibleExcludesCooledDownAndDisabled(t *testing.T) {
	disabled := false
	reg := newTestRegistry(t,
		config.AccountConfig{ID: "a", Type: config.KindClaudeAPI, Priority: 1, APIKey: "k"},
		config.AccountConfig{ID: "b", Type: config.KindClaudeAPI, Priority: 1, APIKey: "k"},
		config.AccountConfig{ID: "c", Type: config.KindClaudeAPI, Priority: 1, APIKey: "k", Enabled: &disabled},
	)
	reg.MarkCooldown("a", time.Minute, "test")

	ids := reg.ListEligible([]config.AccountKind{config.KindClaudeAPI}, nil)
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("ids = %v, want [b]", ids)
	}
}

func TestListEligibleAcceptsMultipleKinds(t *testing.T) {
	reg := newTestRegistry(t,
		config.AccountConfig{ID: "oauth", Type: config.KindClaudeOAuth, RefreshToken: "rt"},
		config.AccountConfig{ID: "api", Type: config.KindClaudeAPI, APIKey: "k"},
		config.AccountConfig{ID: "gemini", Type: config.KindGemini, RefreshToken: "rt"},
	)

	ids := reg.ListEligible([]config.AccountKind{config.KindClaudeOAuth, config.KindClaudeAPI}, nil)
	if len(ids) != 2 {
		t.Fatalf("got %d, want 2: %v", len(ids), ids)
	}
}

func TestMarkCooldownIsMaxWins(t *testing.T) {
	reg := newTestRegistry(t, config.AccountConfig{ID: "a", Type: config.KindClaudeAPI, APIKey: "k"})

	reg.MarkCooldown("a", 2*time.Minute, "first")
	reg.MarkCooldown("a", time.Minute, "shorter-should-not-shrink")

	snap, _ := reg.Get("a")
	if snap.CooldownUntil == nil {
		t.Fatal("expected cooldown to be set")
	}
	if time.Until(*snap.CooldownUntil) < 90*time.Second {
		t.Fatalf("cooldown was shrunk by a shorter call, remaining = %v", time.Until(*snap.CooldownUntil))
	}
}

func TestUpdateTokenClearsCooldown(t *testing.T) {
	reg := newTestRegistry(t, config.AccountConfig{ID: "a", Type: config.KindClaudeOAuth, RefreshToken: "rt"})
	reg.MarkCooldown("a", time.Minute, "transient")

	reg.UpdateToken("a", "new-access-token", time.Now().Add(time.Hour))

	snap, _ := reg.Get("a")
	if snap.IsCooledDown(time.Now()) {
		t.Fatal("cooldown should be cleared after a successful token update")
	}
	if snap.AccessToken != "new-access-token" {
		t.Fatalf("access token = %q", snap.AccessToken)
	}
}

func TestDecryptRefreshTokenRoundTrips(t *testing.T) {
	reg := newTestRegistry(t, config.AccountConfig{ID: "a", Type: config.KindClaudeOAuth, RefreshToken: "super-secret-refresh"})

	got, err := reg.DecryptRefreshToken("a")
	if err != nil {
		t.Fatalf("DecryptRefreshToken: %v", err)
	}
	if got != "super-secret-refresh" {
		t.Fatalf("got %q, want super-secret-refresh", got)
	}
}

func TestMinRemainingCooldownReportsSmallestWait(t *testing.T) {
	reg := newTestRegistry(t,
		config.AccountConfig{ID: "a", Type: config.KindClaudeAPI, APIKey: "k"},
		config.AccountConfig{ID: "b", Type: config.KindClaudeAPI, APIKey: "k"},
	)
	reg.MarkCooldown("a", 5*time.Minute, "x")
	reg.MarkCooldown("b", 30*time.Second, "y")

	remaining := reg.MinRemainingCooldown([]config.AccountKind{config.KindClaudeAPI})
	if remaining > 31*time.Second || remaining < 25*time.Second {
		t.Fatalf("remaining = %v, want ~30s", remaining)
	}
}
