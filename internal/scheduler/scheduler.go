// Package scheduler implements account Selection (spec.md §4.4):
// sticky-session-aware, priority-ordered account picking with deterministic
// tie-breaks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cc-relay/cc-relay-server/internal/registry"
	"github.com/cc-relay/cc-relay-server/internal/session"
)

// ErrNoAccountAvailable is returned when no eligible account exists for the
// requested kind after excluding prior failures.
var ErrNoAccountAvailable = errors.New("no account available")

// Scheduler selects accounts for a request.
type Scheduler struct {
	reg      *registry.Registry
	sessions *session.Store

	stickyTTL        time.Duration
	renewalThreshold time.Duration
}

func New(reg *registry.Registry, sessions *session.Store, stickyTTL, renewalThreshold time.Duration) *Scheduler {
	return &Scheduler{reg: reg, sessions: sessions, stickyTTL: stickyTTL, renewalThreshold: renewalThreshold}
}

// SelectOptions parameterizes one selection.
type SelectOptions struct {
	Kinds       []registry.ProviderKind // accounts whose kind is in this set are eligible
	Fingerprint string                  // sticky session key; empty disables stickiness
	ExcludeIDs  []string                // accounts already tried and failed this request
}

// Select returns the chosen account id. Resolution order (spec.md §4.4):
//  1. an existing, still-eligible sticky binding for Fingerprint
//  2. the highest-priority eligible account, lexicographically first among ties
//
// On success with a non-empty Fingerprint, the binding is created or renewed.
func (s *Scheduler) Select(ctx context.Context, opts SelectOptions) (string, error) {
	excluded := toSet(opts.ExcludeIDs)

	if opts.Fingerprint != "" {
		binding, err := s.sessions.Lookup(ctx, opts.Fingerprint)
		if err != nil {
			return "", fmt.Errorf("sticky lookup: %w", err)
		}
		if binding != nil && !excluded[binding.AccountID] {
			if snap, ok := s.reg.Get(binding.AccountID); ok && isEligible(snap, opts.Kinds) {
				if err := s.sessions.RenewIfStale(ctx, opts.Fingerprint, s.stickyTTL, s.renewalThreshold); err != nil {
					slog.Warn("sticky renewal failed", "fingerprint", opts.Fingerprint, "err", err)
				}
				return binding.AccountID, nil
			}
			// Bound account no longer eligible: fall through to pool
			// selection and, on success, rebind below.
		}
	}

	candidates := s.reg.ListEligible(opts.Kinds, excluded)
	if len(candidates) == 0 {
		return "", ErrNoAccountAvailable
	}

	selected := candidates[0] // ListEligible already orders by (priority DESC, id ASC)

	if opts.Fingerprint != "" {
		if err := s.sessions.Bind(ctx, opts.Fingerprint, selected, s.stickyTTL); err != nil {
			slog.Warn("sticky bind failed", "fingerprint", opts.Fingerprint, "account", selected, "err", err)
		}
	}

	return selected, nil
}

func isEligible(snap registry.Snapshot, kinds []registry.ProviderKind) bool {
	if !snap.Enabled || snap.IsCooledDown(time.Now()) {
		return false
	}
	for _, k := range kinds {
		if k == snap.Kind {
			return true
		}
	}
	return false
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
