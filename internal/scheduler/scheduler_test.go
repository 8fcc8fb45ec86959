package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cc-relay/cc-relay-server/internal/config"
	"github.com/cc-relay/cc-relay-server/internal/registry"
	"github.com/cc-relay/cc-relay-server/internal/session"
	"github.com/cc-relay/cc-relay-server/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestRegistry(t *testing.T, accounts ...config.AccountConfig) *registry.Registry {
	t.Helper()
	reg, err := registry.New(&config.Config{Accounts: accounts}, "test-master-key")
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func TestSelectPicksHighestPriorityEligible(t *testing.T) {
	db := newTestDB(t)
	reg := newTestRegistry(t,
		config.AccountConfig{ID: "low", Type: config.KindClaudeAPI, Priority: 1, APIKey: "k"},
		config.AccountConfig{ID: "high", Type: config.KindClaudeAPI, Priority: 5, APIKey: "k"},
	)
	sched := New(reg, session.New(db), time.Hour, 5*time.Minute)

	id, err := sched.Select(context.Background(), SelectOptions{Kinds: []registry.ProviderKind{config.KindClaudeAPI}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "high" {
		t.Fatalf("selected %q, want high", id)
	}
}

func TestSelectHonorsStickyBinding(t *testing.T) {
	db := newTestDB(t)
	reg := newTestRegistry(t,
		config.AccountConfig{ID: "low", Type: config.KindClaudeAPI, Priority: 1, APIKey: "k"},
		config.AccountConfig{ID: "high", Type: config.KindClaudeAPI, Priority: 5, APIKey: "k"},
	)
	sessions := session.New(db)
	sched := New(reg, sessions, time.Hour, 5*time.Minute)
	ctx := context.Background()

	if err := sessions.Bind(ctx, "fp-1", "low", time.Hour); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	id, err := sched.Select(ctx, SelectOptions{Kinds: []registry.ProviderKind{config.KindClaudeAPI}, Fingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "low" {
		t.Fatalf("selected %q, want low (sticky beats priority)", id)
	}
}

func TestSelectFallsBackWhenStickyAccountIneligible(t *testing.T) {
	db := newTestDB(t)
	reg := newTestRegistry(t,
		config.AccountConfig{ID: "sticky-target", Type: config.KindClaudeAPI, Priority: 1, APIKey: "k"},
		config.AccountConfig{ID: "fallback", Type: config.KindClaudeAPI, Priority: 1, APIKey: "k"},
	)
	sessions := session.New(db)
	sched := New(reg, sessions, time.Hour, 5*time.Minute)
	ctx := context.Background()

	if err := sessions.Bind(ctx, "fp-1", "sticky-target", time.Hour); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	reg.MarkCooldown("sticky-target", time.Hour, "test")

	id, err := sched.Select(ctx, SelectOptions{Kinds: []registry.ProviderKind{config.KindClaudeAPI}, Fingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "fallback" {
		t.Fatalf("selected %q, want fallback", id)
	}
}

func TestSelectReturnsErrNoAccountAvailable(t *testing.T) {
	db := newTestDB(t)
	reg := newTestRegistry(t, config.AccountConfig{ID: "only", Type: config.KindClaudeAPI, APIKey: "k"})
	sched := New(reg, session.New(db), time.Hour, 5*time.Minute)

	_, err := sched.Select(context.Background(), SelectOptions{
		Kinds:      []registry.ProviderKind{config.KindClaudeAPI},
		ExcludeIDs: []string{"only"},
	})
	if err != ErrNoAccountAvailable {
		t.Fatalf("err = %v, want ErrNoAccountAvailable", err)
	}
}

func TestSelectBindsFreshSelectionForFingerprint(t *testing.T) {
	db := newTestDB(t)
	reg := newTestRegistry(t, config.AccountConfig{ID: "only", Type: config.KindClaudeAPI, APIKey: "k"})
	sessions := session.New(db)
	sched := New(reg, sessions, time.Hour, 5*time.Minute)
	ctx := context.Background()

	id, err := sched.Select(ctx, SelectOptions{Kinds: []registry.ProviderKind{config.KindClaudeAPI}, Fingerprint: "fp-new"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "only" {
		t.Fatalf("selected %q, want only", id)
	}

	binding, err := sessions.Lookup(ctx, "fp-new")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if binding == nil || binding.AccountID != "only" {
		t.Fatalf("expected sticky binding to account 'only', got %+v", binding)
	}
}
