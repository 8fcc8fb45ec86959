// Package transport provides per-account outbound HTTP clients: a pooled
// Chrome-fingerprinted TLS transport for direct connections, and SOCKS5 /
// HTTP CONNECT tunneling for accounts configured with a proxy (spec.md §5
// "HTTP client pool keyed by proxy descriptor").
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"

	"github.com/cc-relay/cc-relay-server/internal/config"
)

// Per-phase timeouts (spec.md §5): dial, TLS handshake, and response
// headers. Exceeding any of these is a transient failure the dispatcher's
// classifier.ClassifyTransportError handles the same as any other network
// error. Idle-stream reads are bounded separately, in the dispatcher's SSE
// pump, since that phase spans the lifetime of a streaming response rather
// than a single round trip.
const (
	dialTimeout         = 5 * time.Second
	tlsHandshakeTimeout = 5 * time.Second
)

// Manager pools round trippers keyed by proxy descriptor so accounts that
// share a proxy (or use none) share one connection pool.
type Manager struct {
	mu            sync.Mutex
	entries       map[string]*poolEntry
	headerTimeout time.Duration
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

// NewManager builds a Manager whose pooled clients bound response-header
// arrival at headerTimeout by default (spec.md §5 "30s default, extensible
// via request setting" — see WithHeaderTimeout).
func NewManager(headerTimeout time.Duration) *Manager {
	if headerTimeout <= 0 {
		headerTimeout = 30 * time.Second
	}
	return &Manager{
		entries:       make(map[string]*poolEntry),
		headerTimeout: headerTimeout,
	}
}

// ClientFor returns an http.Client using the pooled round tripper for proxy
// (nil means direct). The round tripper bounds header arrival only; once
// headers are in, the dispatcher reads the body (streamed or not) at its
// own pace.
func (m *Manager) ClientFor(proxyCfg *config.ProxyConfig) *http.Client {
	return &http.Client{Transport: m.roundTripperFor(proxyCfg)}
}

func (m *Manager) roundTripperFor(proxyCfg *config.ProxyConfig) http.RoundTripper {
	key := transportKey(proxyCfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := &headerTimeoutRoundTripper{rt: buildRoundTripper(proxyCfg), timeout: m.headerTimeout}
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

// RunCleanup evicts pool entries idle past idleTimeout on a 1-minute tick
// until ctx is canceled.
func (m *Manager) RunCleanup(ctx context.Context, idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(idleTimeout)
		}
	}
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(m.entries, key)
		}
	}
}

// Close closes every pooled transport's idle connections.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		delete(m.entries, key)
	}
}

type headerTimeoutKey struct{}

// WithHeaderTimeout overrides the response-header timeout for one request,
// superseding the Manager's default (spec.md §5 "extensible via request
// setting").
func WithHeaderTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, headerTimeoutKey{}, d)
}

// headerTimeoutRoundTripper bounds only the time until response headers
// arrive; it never bounds the body read, since streaming responses can run
// far longer than any fixed request timeout.
type headerTimeoutRoundTripper struct {
	rt      http.RoundTripper
	timeout time.Duration
}

func (h *headerTimeoutRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	timeout := h.timeout
	if d, ok := req.Context().Value(headerTimeoutKey{}).(time.Duration); ok && d > 0 {
		timeout = d
	}

	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	resp, err := h.rt.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// CloseIdleConnections forwards to the wrapped transport so Manager.cleanup
// and Manager.Close can still reclaim pooled connections.
func (h *headerTimeoutRoundTripper) CloseIdleConnections() {
	if t, ok := h.rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

// cancelOnCloseBody releases the RoundTrip context's deadline once the
// caller is done reading, rather than leaving it pinned until the timeout
// fires on its own.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}

func transportKey(p *config.ProxyConfig) string {
	if p == nil {
		return "direct"
	}
	return fmt.Sprintf("%s://%s:%d", p.Type, p.Host, p.Port)
}

func buildRoundTripper(p *config.ProxyConfig) http.RoundTripper {
	if p != nil {
		return &http.Transport{
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     5 * time.Minute,
			DialTLSContext:      proxyDialer(p),
		}
	}
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, network, addr)
		},
	}
}

func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	rawConn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(dialCtx, network, addr)
	if err != nil {
		return nil, err
	}
	return uTLSHandshake(ctx, rawConn, host)
}

func dialUTLSViaConn(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	return uTLSHandshake(ctx, rawConn, serverName)
}

func uTLSHandshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	handshakeCtx, cancel := context.WithTimeout(ctx, tlsHandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func proxyDialer(p *config.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if p.Type == "socks5" {
		return socks5Dialer(p)
	}
	return httpConnectDialer(p)
}

// timeoutDialer adapts net.DialTimeout to proxy.Dialer so the SOCKS5
// forward dial honors the same dial budget as the direct path.
type timeoutDialer struct {
	timeout time.Duration
}

func (d timeoutDialer) Dial(network, addr string) (net.Conn, error) {
	return net.DialTimeout(network, addr, d.timeout)
}

func socks5Dialer(p *config.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", p.Host, p.Port)

		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}

		dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, timeoutDialer{dialTimeout})
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		rawConn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial: %w", err)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return dialUTLSViaConn(ctx, rawConn, host)
	}
}

func httpConnectDialer(p *config.ProxyConfig) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", p.Host, p.Port)

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		rawConn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(dialCtx, "tcp", proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("proxy tcp dial: %w", err)
		}

		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    nil,
			Host:   addr,
			Header: make(http.Header),
		}
		if p.Username != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
		}
		if err := connectReq.Write(rawConn); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT write: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(rawConn), connectReq)
		if err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT read: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return dialUTLSViaConn(ctx, rawConn, host)
	}
}
