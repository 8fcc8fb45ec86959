package transport

import (
	"testing"
	"time"

	"github.com/cc-relay/cc-relay-server/internal/config"
)

func TestTransportKeyDirectVsProxy(t *testing.T) {
	if got := transportKey(nil); got != "direct" {
		t.Fatalf("transportKey(nil) = %q, want direct", got)
	}

	p := &config.ProxyConfig{Type: "socks5", Host: "10.0.0.1", Port: 1080}
	key := transportKey(p)
	if key == "direct" {
		t.Fatal("proxy key collided with direct key")
	}
	if transportKey(p) != key {
		t.Fatal("transportKey not stable across calls with identical proxy config")
	}
}

func TestTransportKeyDistinguishesProxies(t *testing.T) {
	a := transportKey(&config.ProxyConfig{Type: "socks5", Host: "10.0.0.1", Port: 1080})
	b := transportKey(&config.ProxyConfig{Type: "socks5", Host: "10.0.0.2", Port: 1080})
	if a == b {
		t.Fatalf("distinct proxy hosts produced the same key %q", a)
	}
}

func TestClientForReusesPooledRoundTripperForSameProxy(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	p := &config.ProxyConfig{Type: "http", Host: "proxy.example", Port: 8080}
	rt1 := m.roundTripperFor(p)
	rt2 := m.roundTripperFor(&config.ProxyConfig{Type: "http", Host: "proxy.example", Port: 8080})

	if rt1 != rt2 {
		t.Fatal("expected the same round tripper instance for an equivalent proxy descriptor")
	}
}

func TestClientForReturnsDistinctRoundTrippersForDirectVsProxy(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	direct := m.roundTripperFor(nil)
	proxied := m.roundTripperFor(&config.ProxyConfig{Type: "socks5", Host: "p", Port: 1})

	if direct == proxied {
		t.Fatal("direct and proxied round trippers should not be pooled together")
	}
}

func TestCleanupEvictsOnlyIdleEntries(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	m.roundTripperFor(nil)
	m.entries["direct"].lastUsed = time.Now().Add(-time.Hour)

	m.roundTripperFor(&config.ProxyConfig{Type: "socks5", Host: "p", Port: 1})

	m.cleanup(10 * time.Minute)

	if _, ok := m.entries["direct"]; ok {
		t.Fatal("expected stale direct entry to be evicted")
	}
	if len(m.entries) != 1 {
		t.Fatalf("expected only the fresh entry to survive, got %d entries", len(m.entries))
	}
}

func TestCloseClearsAllEntries(t *testing.T) {
	m := NewManager(time.Minute)
	m.roundTripperFor(nil)
	m.roundTripperFor(&config.ProxyConfig{Type: "http", Host: "p", Port: 1})

	m.Close()

	if len(m.entries) != 0 {
		t.Fatalf("expected Close to clear all pooled entries, got %d", len(m.entries))
	}
}
