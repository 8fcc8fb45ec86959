// Package session implements the durable sticky-session store (spec.md
// §4.3): a SQLite-backed session_fingerprint -> account_id mapping with TTL,
// smart renewal, and lazy eviction.
package session

import (
	"context"
	"database/sql"
	"time"

	"github.com/cc-relay/cc-relay-server/internal/store"
)

// Store is the durable session-to-account pinning layer.
type Store struct {
	db *store.DB
}

func New(db *store.DB) *Store {
	return &Store{db: db}
}

// Binding is the result of a successful Lookup.
type Binding struct {
	AccountID string
	ExpiresAt time.Time
}

// Lookup returns the binding for fingerprint if it exists and has not
// expired. Expired rows are tolerated (not actively cleaned) and simply
// treated as a miss, per spec.md §4.3 "lazy".
func (s *Store) Lookup(ctx context.Context, fingerprint string) (*Binding, error) {
	if fingerprint == "" {
		return nil, nil
	}
	var accountID string
	var expiresAtUnix int64
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT account_id, expires_at FROM sticky_sessions WHERE session_hash = ?`,
		fingerprint).Scan(&accountID, &expiresAtUnix)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	expiresAt := time.Unix(expiresAtUnix, 0).UTC()
	if !time.Now().Before(expiresAt) {
		return nil, nil
	}
	return &Binding{AccountID: accountID, ExpiresAt: expiresAt}, nil
}

// Bind upserts the binding, setting expires_at = now + ttl. At most one row
// exists per fingerprint (session_hash is the primary key), so a second bind
// to the same fingerprint collapses to one row, the last write's account and
// expiry winning — satisfying spec.md §8's "double-binding" idempotence.
func (s *Store) Bind(ctx context.Context, fingerprint, accountID string, ttl time.Duration) error {
	if fingerprint == "" {
		return nil
	}
	expiresAt := time.Now().Add(ttl).Unix()
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO sticky_sessions (session_hash, account_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_hash) DO UPDATE SET
			account_id = excluded.account_id,
			expires_at = excluded.expires_at`,
		fingerprint, accountID, expiresAt)
	return err
}

// RenewIfStale rewrites expires_at only when the binding's remaining TTL is
// below threshold, avoiding a write on every sticky hit (spec.md §4.3).
// Renewal is monotonic-forward: the new expires_at is never earlier than the
// old one, since it is only written when it would advance.
func (s *Store) RenewIfStale(ctx context.Context, fingerprint string, ttl, threshold time.Duration) error {
	if fingerprint == "" {
		return nil
	}
	now := time.Now()
	cutoff := now.Add(threshold).Unix()
	newExpiry := now.Add(ttl).Unix()

	_, err := s.db.Conn().ExecContext(ctx, `
		UPDATE sticky_sessions
		SET expires_at = ?
		WHERE session_hash = ? AND expires_at < ? AND expires_at < ?`,
		newExpiry, fingerprint, cutoff, newExpiry)
	return err
}

// Invalidate removes the binding for fingerprint. The dispatcher does not
// call it: a binding whose account has become unavailable is treated as a
// miss by the scheduler's eligibility check instead.
func (s *Store) Invalidate(ctx context.Context, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	_, err := s.db.Conn().ExecContext(ctx, `DELETE FROM sticky_sessions WHERE session_hash = ?`, fingerprint)
	return err
}

// Sweep deletes expired rows. Invoked from a periodic background tick
// (RunSweeper); the eligibility check on Lookup already treats expired
// rows as a miss, so Sweep is pure housekeeping, never a correctness
// dependency.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.Conn().ExecContext(ctx,
		`DELETE FROM sticky_sessions WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunSweeper periodically sweeps expired rows until ctx is canceled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Sweep(ctx)
		}
	}
}
