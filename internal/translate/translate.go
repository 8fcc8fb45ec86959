// Package translate defines the wire-format translation boundary (spec.md
// §1: "Wire-format translation for OpenAI→Anthropic is specified only at
// the interface boundary"). The Dispatcher depends only on this interface;
// the one concrete translator, OpenAIChatToClaude, lives in openai.go.
package translate

import "net/http"

// Result is what a Translator hands back to the Dispatcher after
// normalizing an inbound request into the canonical Anthropic Messages
// shape (spec.md §4.6 step 3).
type Result struct {
	// CanonicalBody is a well-formed Anthropic Messages request body.
	CanonicalBody []byte
	// BackConvert rewrites an upstream Anthropic response (status, headers,
	// raw body) into the shape the original client protocol expects. For a
	// streaming response with RewriteStream set, BackConvert is invoked once
	// per SSE event with that event's raw data bytes; for a non-streaming
	// response it is invoked once with the full body.
	BackConvert func(status int, header http.Header, body []byte) []byte
	// RewriteStream indicates the wire format changes shape on the way
	// back, so the Dispatcher must re-frame each SSE event as a single
	// "data: ...\n\n" line through BackConvert rather than forwarding the
	// upstream's own event/data framing verbatim.
	RewriteStream bool
}

// Translator converts a non-Anthropic wire format into the canonical
// Anthropic Messages request/response shape the rest of the core
// understands. openai-chat-completions is the only inbound kind the
// route table currently maps through a Translator (spec.md §6).
type Translator interface {
	// ToCanonical parses body (in the translator's native wire format) and
	// returns the canonical Anthropic request plus a response back-converter.
	ToCanonical(body []byte) (Result, error)
}

// Identity is the no-op Translator used for routes whose body is forwarded
// as-is (the Anthropic-native claude routes, and the gemini and
// openai-responses routes): it passes the body through unchanged and leaves
// responses untouched.
type Identity struct{}

func (Identity) ToCanonical(body []byte) (Result, error) {
	return Result{
		CanonicalBody: body,
		BackConvert:   func(_ int, _ http.Header, body []byte) []byte { return body },
	}, nil
}
