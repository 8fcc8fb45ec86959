// Package classifier implements the Error Classifier (spec.md §4.5): maps
// an upstream response (or transport failure) to an action verdict that
// drives the Dispatcher's retry/failover/cooldown behavior.
package classifier

import (
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// Action is the verdict's disposition.
type Action int

const (
	// Surface passes the response through to the client unchanged; no
	// account penalty.
	Surface Action = iota
	// FailoverTransient retries on another account without penalizing
	// this one beyond the retry itself.
	FailoverTransient
	// FailoverAndCooldown retries on another account and applies Cooldown
	// to this one.
	FailoverAndCooldown
	// FailoverAndMarkUnavailable retries on another account and marks
	// this one unavailable for the configured unavailable window.
	FailoverAndMarkUnavailable
	// RetryAfter asks the caller to wait Cooldown before retrying,
	// optionally on the same account.
	RetryAfter
)

func (a Action) String() string {
	switch a {
	case Surface:
		return "surface"
	case FailoverTransient:
		return "failover_transient"
	case FailoverAndCooldown:
		return "failover_and_cooldown"
	case FailoverAndMarkUnavailable:
		return "failover_and_mark_unavailable"
	case RetryAfter:
		return "retry_after"
	default:
		return "unknown"
	}
}

// ShortCooldown is the provider-specific small default applied for
// transient overload/rate-limit signals (spec.md §4.5 "e.g., 60s").
const ShortCooldown = 60 * time.Second

// MaxRetryAfter bounds how long the Dispatcher will honor an upstream
// retry-after header before treating the signal as FailoverTransient
// instead (Open Question #2 in SPEC_FULL.md, decided as 5s).
const MaxRetryAfter = 5 * time.Second

// Verdict is the classifier's output.
type Verdict struct {
	Action   Action
	Cooldown time.Duration // meaningful for FailoverAndCooldown and RetryAfter; zero for FailoverAndMarkUnavailable, whose window the caller supplies
	Reason   string
}

var weeklyOpusQuotaPattern = regexp.MustCompile(`(?i)weekly[ _-]?(opus|limit)|quota[ _-]?exceeded|model[ _-]?rate[ _-]?limit`)

var contentFilterPattern = regexp.MustCompile(`(?i)"(stop_reason|finish_reason)"\s*:\s*"(content_filter|refusal)"`)

// Classify applies the policy table in spec.md §4.5.
func Classify(status int, headers http.Header, bodyPrefix []byte) Verdict {
	switch status {
	case http.StatusUnauthorized:
		return Verdict{Action: FailoverAndMarkUnavailable, Reason: "unauthorized"}
	case http.StatusPaymentRequired:
		return Verdict{Action: FailoverAndMarkUnavailable, Reason: "payment_required"}
	case http.StatusForbidden:
		return Verdict{Action: FailoverAndMarkUnavailable, Reason: "forbidden"}
	case http.StatusTooManyRequests:
		if weeklyOpusQuotaPattern.Match(bodyPrefix) {
			return Verdict{Action: FailoverAndCooldown, Cooldown: ShortCooldown, Reason: "quota_exceeded"}
		}
		if wait, ok := retryAfter(headers); ok {
			if wait <= MaxRetryAfter {
				return Verdict{Action: RetryAfter, Cooldown: wait, Reason: "rate_limited"}
			}
		}
		return Verdict{Action: FailoverTransient, Reason: "rate_limited"}
	case 529: // Overloaded (Anthropic-specific status code)
		return Verdict{Action: FailoverAndCooldown, Cooldown: ShortCooldown, Reason: "overloaded"}
	case http.StatusOK:
		if contentFilterPattern.Match(bodyPrefix) {
			return Verdict{Action: Surface, Reason: "content_filter"}
		}
		return Verdict{Action: Surface, Reason: "ok"}
	}

	if status >= 500 {
		return Verdict{Action: FailoverTransient, Reason: "server_error"}
	}
	// Any other 2xx/3xx/4xx not explicitly listed surfaces unchanged.
	return Verdict{Action: Surface, Reason: "unclassified"}
}

// ClassifyTransportError classifies a network/TLS failure that never
// produced an HTTP response (spec.md §4.5 "Network / TLS error").
func ClassifyTransportError(err error) Verdict {
	return Verdict{Action: FailoverTransient, Reason: "transport_error: " + err.Error()}
}

// Downgrade converts any failover verdict to Surface, used once response
// bytes have already reached the client and a mid-stream failure can no
// longer be retried without corrupting the client's view (spec.md §4.6
// step 8).
func Downgrade(v Verdict) Verdict {
	switch v.Action {
	case FailoverTransient, FailoverAndCooldown, FailoverAndMarkUnavailable, RetryAfter:
		return Verdict{Action: Surface, Cooldown: v.Cooldown, Reason: v.Reason}
	default:
		return v
	}
}

// streamErrorStatus maps an Anthropic in-stream "error" event's error.type
// field to the HTTP status Classify would have seen had the same failure
// arrived before headers were sent, since a mid-stream error event carries
// no status line of its own.
func streamErrorStatus(errorType string) int {
	switch errorType {
	case "overloaded_error":
		return 529
	case "rate_limit_error":
		return http.StatusTooManyRequests
	case "authentication_error":
		return http.StatusUnauthorized
	case "permission_error":
		return http.StatusForbidden
	case "invalid_request_error":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ClassifyStreamError classifies a terminal "error" SSE event observed after
// response bytes already reached the client (spec.md §4.6 step 8). Callers
// should apply the account penalty from this verdict but Downgrade it before
// deciding whether to surface a retry, since the client has already received
// a partial response.
func ClassifyStreamError(errorType string, headers http.Header, bodyPrefix []byte) Verdict {
	return Classify(streamErrorStatus(errorType), headers, bodyPrefix)
}

func retryAfter(headers http.Header) (time.Duration, bool) {
	v := headers.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
