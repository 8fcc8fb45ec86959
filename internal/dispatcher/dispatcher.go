// Package dispatcher implements the request pipeline (spec.md §4.6):
// authenticate, classify provider-kind, normalize body, fingerprint,
// select an account, acquire credentials, issue the upstream request,
// stream the response back, and record usage/cooldown side effects.
package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cc-relay/cc-relay-server/internal/auth"
	"github.com/cc-relay/cc-relay-server/internal/classifier"
	"github.com/cc-relay/cc-relay-server/internal/registry"
	"github.com/cc-relay/cc-relay-server/internal/relayerr"
	"github.com/cc-relay/cc-relay-server/internal/scheduler"
	"github.com/cc-relay/cc-relay-server/internal/session"
	"github.com/cc-relay/cc-relay-server/internal/store"
	"github.com/cc-relay/cc-relay-server/internal/tokenrefresh"
	"github.com/cc-relay/cc-relay-server/internal/transport"
	"github.com/cc-relay/cc-relay-server/internal/translate"
)

// maxRetryAccountsCap bounds the retry budget even when the eligible pool
// is large (spec.md §4.6 step 10 "capped by a small constant").
const maxRetryAccountsCap = 5

// hopByHopHeaders are stripped when forwarding the client's headers upstream.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Transfer-Encoding":   true,
	"Te":                  true,
	"Trailer":             true,
	"Upgrade":             true,
	"Authorization":       true, // replaced with account credentials
	"X-Api-Key":           true,
	"Api-Key":             true,
	"Host":                true,
	"Content-Length":      true,
}

// AuthScheme shapes the outbound Authorization for one account kind.
type AuthScheme func(req *http.Request, accessToken string)

// RouteProfile describes one HTTP route's upstream shape.
type RouteProfile struct {
	Kinds      []registry.ProviderKind
	Translator translate.Translator
	// UpstreamURL builds the upstream URL given the account's base URL
	// override (if any) and the inbound request (for path params like
	// gemini's {model}).
	UpstreamURL func(baseURL string, req *http.Request) string
	SetAuth     AuthScheme
	// StreamDetector reports whether this exchange should be treated as
	// SSE; most routes derive this from the body's "stream" field, but
	// some (Gemini's streamGenerateContent) are fixed by the route itself.
	StreamDetector func(body []byte, req *http.Request) bool
}

// Dispatcher is the generalized request pipeline shared by every route.
type Dispatcher struct {
	reg        *registry.Registry
	sched      *scheduler.Scheduler
	refresher  *tokenrefresh.Refresher
	transport  *transport.Manager
	sessions   *session.Store
	db         *store.DB
	authn      *auth.Authenticator
	stickyTTL  time.Duration
	unavailCD  time.Duration
	maxRetries int
}

func New(
	reg *registry.Registry,
	sched *scheduler.Scheduler,
	refresher *tokenrefresh.Refresher,
	tm *transport.Manager,
	sessions *session.Store,
	db *store.DB,
	authn *auth.Authenticator,
	stickyTTL, unavailableCooldown time.Duration,
) *Dispatcher {
	return &Dispatcher{
		reg:        reg,
		sched:      sched,
		refresher:  refresher,
		transport:  tm,
		sessions:   sessions,
		db:         db,
		authn:      authn,
		stickyTTL:  stickyTTL,
		unavailCD:  unavailableCooldown,
		maxRetries: maxRetryAccountsCap,
	}
}

// Handle runs profile's pipeline against req and writes the outcome to w.
func (d *Dispatcher) Handle(w http.ResponseWriter, req *http.Request, profile RouteProfile) {
	ctx := req.Context()

	identity, err := d.authn.Authenticate(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx = auth.WithIdentity(ctx, identity)

	rawBody, err := io.ReadAll(io.LimitReader(req.Body, 20<<20))
	if err != nil {
		writeErr(w, relayerr.New(relayerr.KindTranslationError, http.StatusBadRequest, "failed to read request body"))
		return
	}

	translator := profile.Translator
	if translator == nil {
		translator = translate.Identity{}
	}
	translated, err := translator.ToCanonical(rawBody)
	if err != nil {
		writeErr(w, relayerr.TranslationError("request translation failed", err))
		return
	}
	canonicalBody := translated.CanonicalBody

	isStream := true
	if profile.StreamDetector != nil {
		isStream = profile.StreamDetector(canonicalBody, req)
	}

	fingerprint := computeFingerprint(identity, canonicalBody, profile.Kinds)

	excluded := make([]string, 0, 4)
	eligibleCount := len(d.reg.ListEligible(profile.Kinds, nil))
	budget := eligibleCount
	if budget <= 0 || budget > d.maxRetries {
		budget = d.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= budget; attempt++ {
		if ctx.Err() != nil {
			return
		}

		accountID, err := d.sched.Select(ctx, scheduler.SelectOptions{
			Kinds:       profile.Kinds,
			Fingerprint: fingerprint,
			ExcludeIDs:  excluded,
		})
		if err != nil {
			retryAfter := int(d.reg.MinRemainingCooldown(profile.Kinds).Seconds())
			writeErr(w, relayerr.NoAccountAvailable(retryAfter))
			return
		}

		snap, _ := d.reg.Get(accountID)

		accessToken, err := d.refresher.EnsureValid(ctx, accountID)
		if err != nil {
			slog.Warn("token acquisition failed, excluding account", "account", accountID, "err", err)
			excluded = append(excluded, accountID)
			lastErr = err
			continue
		}

		upReq, err := d.buildUpstreamRequest(ctx, req, profile, snap, accessToken, canonicalBody, isStream)
		if err != nil {
			lastErr = err
			break
		}

		client := d.transport.ClientFor(snap.Proxy)
		started := time.Now()

		// Route the call through the account's breaker so a run of server
		// errors trips it open independent of the classifier's own
		// cooldown bookkeeping; the synthetic error below only drives the
		// breaker's failure count, the response itself is still used for
		// real classification below.
		resp, breakerErr := d.reg.WithBreaker(ctx, accountID, func(_ context.Context) (*http.Response, error) {
			r, doErr := client.Do(upReq)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 {
				return r, fmt.Errorf("upstream status %d", r.StatusCode)
			}
			return r, nil
		})
		if resp == nil {
			if errors.Is(breakerErr, gobreaker.ErrOpenState) || errors.Is(breakerErr, gobreaker.ErrTooManyRequests) {
				excluded = append(excluded, accountID)
				lastErr = breakerErr
				continue
			}
			v := classifier.ClassifyTransportError(breakerErr)
			d.applyVerdict(accountID, v)
			excluded = append(excluded, accountID)
			lastErr = breakerErr
			continue
		}

		bodyPrefix, bufReader := peekBody(resp.Body, 4096)
		verdict := classifier.Classify(resp.StatusCode, resp.Header, bodyPrefix)

		if verdict.Action != classifier.Surface {
			io.Copy(io.Discard, io.LimitReader(bufReader, 1<<20))
			resp.Body.Close()
			d.applyVerdict(accountID, verdict)

			if verdict.Action == classifier.RetryAfter {
				select {
				case <-time.After(verdict.Cooldown):
				case <-ctx.Done():
					return
				}
				excluded = append(excluded, accountID) // don't hammer same account twice in a row
				lastErr = fmt.Errorf("account %s rate limited, retry after %s", accountID, verdict.Cooldown)
				continue
			}

			excluded = append(excluded, accountID)
			lastErr = fmt.Errorf("account %s upstream status %d (%s)", accountID, resp.StatusCode, verdict.Reason)
			continue
		}

		// Surfaced response: forward to client and record usage. The sticky
		// binding was already created or renewed by the scheduler's Select.
		completed, usage, streamErr := d.forwardResponse(ctx, w, resp, bufReader, isStream, translated)
		duration := time.Since(started)

		provider := ""
		if len(profile.Kinds) > 0 {
			provider = string(profile.Kinds[0])
		}

		status := "ok"
		if !completed {
			status = "interrupted"
		}
		if streamErr != nil {
			// Bytes already reached the client; the account still pays the
			// penalty its verdict calls for, but the exchange itself is
			// done, not retried (spec.md §4.6 step 8).
			d.applyVerdict(accountID, *streamErr)
			status = "stream_error: " + streamErr.Reason
		}
		d.recordUsage(identity, accountID, provider, usage, duration, status)
		return
	}

	if lastErr != nil {
		slog.Error("dispatcher exhausted retry budget", "err", lastErr)
	}
	retryAfter := int(d.reg.MinRemainingCooldown(profile.Kinds).Seconds())
	writeErr(w, relayerr.NoAccountAvailable(retryAfter))
}

func (d *Dispatcher) buildUpstreamRequest(
	ctx context.Context,
	req *http.Request,
	profile RouteProfile,
	snap registry.Snapshot,
	accessToken string,
	canonicalBody []byte,
	isStream bool,
) (*http.Request, error) {
	url := profile.UpstreamURL(snap.BaseURL, req)

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(canonicalBody)))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	for k, vals := range req.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			upReq.Header.Add(k, v)
		}
	}
	upReq.Header.Set("Content-Type", "application/json")
	if isStream {
		upReq.Header.Set("Accept", "text/event-stream")
	}

	profile.SetAuth(upReq, accessToken)

	return upReq, nil
}

// peekBody reads up to n bytes of body for classification while leaving the
// rest readable via the returned reader (spec.md §4.5 "response body prefix").
func peekBody(body io.ReadCloser, n int) ([]byte, *bufio.Reader) {
	br := bufio.NewReaderSize(body, n)
	prefix, _ := br.Peek(n)
	cp := make([]byte, len(prefix))
	copy(cp, prefix)
	return cp, br
}

// forwardResponse streams or copies the surfaced upstream response to the
// client, applying the translator's back-conversion. Returns whether the
// exchange completed without client disconnect, the extracted usage, and a
// non-nil verdict when a terminal in-stream error event was observed after
// bytes had already reached the client.
func (d *Dispatcher) forwardResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, body *bufio.Reader, isStream bool, translated translate.Result) (bool, *Usage, *classifier.Verdict) {
	defer resp.Body.Close()

	if isStream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(resp.StatusCode)

		usage := &Usage{}
		var firstByteWritten bool
		completed, streamErr := pumpSSE(ctx, w, body, usage, &firstByteWritten, resp, translated)
		return completed, usage, streamErr
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return false, nil, nil
	}
	converted := raw
	if translated.BackConvert != nil {
		converted = translated.BackConvert(resp.StatusCode, resp.Header, raw)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(converted)

	return true, ParseJSONUsage(raw), nil
}

func (d *Dispatcher) applyVerdict(accountID string, v classifier.Verdict) {
	switch v.Action {
	case classifier.FailoverAndMarkUnavailable:
		d.reg.MarkPermanentlyUnavailable(accountID, d.unavailCD, v.Reason)
	case classifier.FailoverAndCooldown:
		d.reg.MarkCooldown(accountID, v.Cooldown, v.Reason)
	case classifier.RetryAfter:
		d.reg.MarkCooldown(accountID, v.Cooldown, v.Reason)
	case classifier.FailoverTransient:
		// No registry penalty; breaker (internal/registry WithBreaker path
		// when used by callers) absorbs repeated transient failures.
	}
}

func (d *Dispatcher) recordUsage(identity auth.Identity, accountID, provider string, usage *Usage, duration time.Duration, status string) {
	go func() {
		bgCtx := context.Background()
		if usage != nil {
			_ = d.db.InsertUsage(bgCtx, store.UsageRecord{
				ClientAPIKeyHash:    identity.KeyHash,
				AccountID:           accountID,
				Model:               usage.Model,
				InputTokens:         usage.InputTokens,
				OutputTokens:        usage.OutputTokens,
				CacheCreationTokens: usage.CacheCreationInputTokens,
				CacheReadTokens:     usage.CacheReadInputTokens,
				RequestCount:        1,
				CreatedAt:           time.Now(),
			})
		}
		_ = d.db.InsertRequestLog(bgCtx, accountID, provider, status, duration.Milliseconds(), time.Now())
	}()
}

// computeFingerprint derives the sticky-session key from the canonical
// request body, skipping stateless calls that carry no messages.
func computeFingerprint(identity auth.Identity, canonicalBody []byte, kinds []registry.ProviderKind) string {
	var body struct {
		System   json.RawMessage `json:"system"`
		Messages []struct {
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(canonicalBody, &body); err != nil {
		return ""
	}
	if len(body.Messages) == 0 {
		return ""
	}

	providerKind := ""
	if len(kinds) > 0 {
		providerKind = string(kinds[0])
	}

	systemAnchor := string(body.System)
	if len(systemAnchor) > 512 {
		systemAnchor = systemAnchor[:512]
	}
	firstContent := string(body.Messages[0].Content)
	if len(firstContent) > 512 {
		firstContent = firstContent[:512]
	}

	return session.ComputeFingerprint(identity.KeyHash, providerKind, systemAnchor, firstContent)
}

func writeErr(w http.ResponseWriter, err error) {
	if re, ok := err.(*relayerr.Error); ok {
		relayerr.WriteJSON(w, re)
		return
	}
	relayerr.WriteJSON(w, relayerr.New(relayerr.KindUpstreamTransient, http.StatusBadGateway, err.Error()))
}
