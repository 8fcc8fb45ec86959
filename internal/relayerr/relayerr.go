// Package relayerr defines the relay's error taxonomy (spec.md §7) and the
// client-facing JSON envelope used to surface it, modeled on the teacher's
// sanitized error codes.
package relayerr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is a taxonomy label, not a human string — callers branch on it.
type Kind string

const (
	KindConfigInvalid        Kind = "config_invalid"
	KindClientAuthRejected   Kind = "client_auth_rejected"
	KindNoAccountAvailable   Kind = "no_account_available"
	KindUpstreamAuthBroken   Kind = "upstream_auth_broken"
	KindUpstreamRateLimited  Kind = "upstream_rate_limited"
	KindUpstreamOverloaded   Kind = "upstream_overloaded"
	KindUpstreamTransient    Kind = "upstream_transient"
	KindUpstreamContentBlock Kind = "upstream_content_filter"
	KindTranslationError     Kind = "translation_error"
	KindStreamInterrupted    Kind = "stream_interrupted"
)

// Error is the relay's internal error type. Status is the HTTP status that
// should reach the client when this error is terminal (never retried further).
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

func Wrap(kind Kind, status int, message string, err error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, Err: err}
}

func ClientAuthRejected(msg string) *Error {
	return New(KindClientAuthRejected, http.StatusUnauthorized, msg)
}

// NoAccountAvailable builds a 503 carrying a retry-after hint, which the
// caller (Dispatcher) computes as the minimum remaining cooldown across the
// eligible pool per spec.md §7.
func NoAccountAvailable(retryAfterSeconds int) *Error {
	msg := "no account available"
	if retryAfterSeconds > 0 {
		msg = fmt.Sprintf("no account available, retry after %ds", retryAfterSeconds)
	}
	return New(KindNoAccountAvailable, http.StatusServiceUnavailable, msg)
}

func TranslationError(msg string, err error) *Error {
	return Wrap(KindTranslationError, http.StatusBadRequest, msg, err)
}

// errorType maps a Kind to the Anthropic-style wire error "type" field.
var errorType = map[Kind]string{
	KindConfigInvalid:        "api_error",
	KindClientAuthRejected:   "authentication_error",
	KindNoAccountAvailable:   "overloaded_error",
	KindUpstreamAuthBroken:   "authentication_error",
	KindUpstreamRateLimited:  "rate_limit_error",
	KindUpstreamOverloaded:   "overloaded_error",
	KindUpstreamTransient:    "api_error",
	KindUpstreamContentBlock: "invalid_request_error",
	KindTranslationError:     "invalid_request_error",
	KindStreamInterrupted:    "api_error",
}

// WriteJSON writes the standard {"type":"error","error":{...}} envelope.
func WriteJSON(w http.ResponseWriter, e *Error) {
	wt, ok := errorType[e.Kind]
	if !ok {
		wt = "api_error"
	}
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    wt,
			"message": e.Message,
		},
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
