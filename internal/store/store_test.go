package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open (re-running migrations): %v", err)
	}
	defer db2.Close()

	if err := db2.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestInsertUsageDefaultsRequestCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.InsertUsage(ctx, UsageRecord{
		AccountID: "acct-a", Model: "claude-sonnet-4-6",
		InputTokens: 100, OutputTokens: 50, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}

	var count int
	row := db.Conn().QueryRowContext(ctx, `SELECT request_count FROM usage_stats WHERE account_id = 'acct-a'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("request_count = %d, want 1", count)
	}
}

func TestInsertUsageDefaultsClientKeyHash(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.InsertUsage(ctx, UsageRecord{AccountID: "acct-a", Model: "m", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}

	var hash string
	row := db.Conn().QueryRowContext(ctx, `SELECT client_api_key_hash FROM usage_stats WHERE account_id = 'acct-a'`)
	if err := row.Scan(&hash); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if hash != "legacy" {
		t.Fatalf("client_api_key_hash = %q, want legacy", hash)
	}
}

func TestPurgeOldLogsDeletesOnlyStaleRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.InsertRequestLog(ctx, "acct-a", "claude-oauth", "ok", 120, time.Now().Add(-40*24*time.Hour)); err != nil {
		t.Fatalf("InsertRequestLog (stale): %v", err)
	}
	if err := db.InsertRequestLog(ctx, "acct-a", "claude-oauth", "ok", 90, time.Now()); err != nil {
		t.Fatalf("InsertRequestLog (fresh): %v", err)
	}

	n, err := db.PurgeOldLogs(ctx, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldLogs: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}

	var remaining int
	row := db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM request_log`)
	if err := row.Scan(&remaining); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("remaining rows = %d, want 1", remaining)
	}
}
