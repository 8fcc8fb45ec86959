package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cc-relay/cc-relay-server/internal/config"
	"github.com/cc-relay/cc-relay-server/internal/obs"
	"github.com/cc-relay/cc-relay-server/internal/registry"
	"github.com/cc-relay/cc-relay-server/internal/store"
)

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg, err := registry.New(cfg, "test-master-key")
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	logs := obs.NewRingHandler(slog.LevelInfo, 10)
	srv := New(cfg, db, reg, logs)
	t.Cleanup(srv.transportMgr.Close)
	return srv
}

func TestHandleHealthReportsOKWhenStoreIsReachable(t *testing.T) {
	srv := newTestServer(t, &config.Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	srv.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHandleMetricsReportsCooldownState(t *testing.T) {
	srv := newTestServer(t, &config.Config{Accounts: []config.AccountConfig{
		{ID: "acct-a", Type: config.KindClaudeAPI, APIKey: "sk-test"},
	}})
	srv.reg.MarkCooldown("acct-a", 0, "test")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.handleMetrics(rec, req)

	if !strings.Contains(rec.Body.String(), `account_id="acct-a"`) {
		t.Fatalf("body missing account id: %s", rec.Body.String())
	}
}

func TestHandleDebugLogsRequiresConfiguredAPIKey(t *testing.T) {
	srv := newTestServer(t, &config.Config{APIKeys: []string{"secret"}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/logs", nil)
	srv.handleDebugLogs(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a key", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/debug/logs", nil)
	req2.Header.Set("x-api-key", "secret")
	srv.handleDebugLogs(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with a valid key; body=%s", rec2.Code, rec2.Body.String())
	}
}

func TestHandleDebugLogsReturnsRecentLines(t *testing.T) {
	srv := newTestServer(t, &config.Config{})
	slog.New(srv.logs).Info("test log line", "k", "v")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/logs", nil)
	srv.handleDebugLogs(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test log line") {
		t.Fatalf("body missing the logged line: %s", rec.Body.String())
	}
}
