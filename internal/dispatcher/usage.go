package dispatcher

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Usage tracks token consumption opportunistically extracted from a
// response, for the append-only UsageRecord (spec.md §3, §4.6 step 9).
type Usage struct {
	Model                    string
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// ApplyMessageStart reads a message_start SSE event's JSON payload into u,
// using gjson so malformed or partial-schema upstream payloads never abort
// the byte-preserving passthrough (spec.md Design Notes §9).
func (u *Usage) ApplyMessageStart(data []byte) {
	r := gjson.ParseBytes(data)
	if r.Get("type").String() != "message_start" {
		return
	}
	msg := r.Get("message")
	u.InputTokens = int(msg.Get("usage.input_tokens").Int())
	u.CacheCreationInputTokens = int(msg.Get("usage.cache_creation_input_tokens").Int())
	u.CacheReadInputTokens = int(msg.Get("usage.cache_read_input_tokens").Int())
	if model := msg.Get("model").String(); model != "" {
		u.Model = model
	}
}

// ApplyMessageDelta accumulates output_tokens from a message_delta event.
func (u *Usage) ApplyMessageDelta(data []byte) {
	r := gjson.ParseBytes(data)
	if r.Get("type").String() != "message_delta" {
		return
	}
	u.OutputTokens += int(r.Get("usage.output_tokens").Int())
}

// ParseJSONUsage extracts usage from a complete, non-streaming response body.
func ParseJSONUsage(body []byte) *Usage {
	r := gjson.ParseBytes(body)
	usage := r.Get("usage")
	if !usage.Exists() {
		return nil
	}
	return &Usage{
		Model:                    r.Get("model").String(),
		InputTokens:              int(usage.Get("input_tokens").Int()),
		OutputTokens:             int(usage.Get("output_tokens").Int()),
		CacheCreationInputTokens: int(usage.Get("cache_creation_input_tokens").Int()),
		CacheReadInputTokens:     int(usage.Get("cache_read_input_tokens").Int()),
	}
}

// IsOpusModel reports whether model names an Opus-family model.
func IsOpusModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "opus")
}
