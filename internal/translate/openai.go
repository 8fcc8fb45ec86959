package translate

import (
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIChatToClaude converts OpenAI chat-completions requests into
// canonical Anthropic Messages requests, and converts Anthropic responses
// back into OpenAI chat-completions shape (spec.md §6 "routed to claude via
// translator"). It is intentionally narrow: the system prompt, message
// roles/content, and basic sampling parameters round-trip; anything else is
// dropped rather than guessed at.
type OpenAIChatToClaude struct{}

func (OpenAIChatToClaude) ToCanonical(body []byte) (Result, error) {
	req := gjson.ParseBytes(body)
	if !req.Get("messages").IsArray() {
		return Result{}, fmt.Errorf("openai request missing messages array")
	}

	out := []byte(`{}`)
	var err error

	if model := req.Get("model").String(); model != "" {
		out, err = sjson.SetBytes(out, "model", model)
		if err != nil {
			return Result{}, err
		}
	}
	if maxTokens := req.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.SetBytes(out, "max_tokens", maxTokens.Int())
	} else {
		out, _ = sjson.SetBytes(out, "max_tokens", 4096)
	}
	if temp := req.Get("temperature"); temp.Exists() {
		out, _ = sjson.SetBytes(out, "temperature", temp.Float())
	}
	if stream := req.Get("stream"); stream.Exists() {
		out, _ = sjson.SetBytes(out, "stream", stream.Bool())
	}

	var anthropicMessages []map[string]any
	var systemParts []string

	for _, m := range req.Get("messages").Array() {
		role := m.Get("role").String()
		content := m.Get("content")

		if role == "system" {
			systemParts = append(systemParts, contentToText(content))
			continue
		}
		if role == "tool" {
			// Represent as a user message carrying a tool_result block.
			anthropicMessages = append(anthropicMessages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.Get("tool_call_id").String(),
					"content":     contentToText(content),
				}},
			})
			continue
		}

		anthropicMessages = append(anthropicMessages, map[string]any{
			"role":    anthropicRole(role),
			"content": contentToText(content),
		})
	}

	if len(systemParts) > 0 {
		system := systemParts[0]
		for _, p := range systemParts[1:] {
			system += "\n\n" + p
		}
		out, _ = sjson.SetBytes(out, "system", system)
	}
	out, err = sjson.SetBytes(out, "messages", anthropicMessages)
	if err != nil {
		return Result{}, err
	}

	return Result{
		CanonicalBody: out,
		BackConvert:   claudeToOpenAIChat,
		RewriteStream: true,
	}, nil
}

func anthropicRole(openAIRole string) string {
	if openAIRole == "assistant" {
		return "assistant"
	}
	return "user"
}

func contentToText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var text string
		for _, part := range content.Array() {
			if part.Get("type").String() == "text" {
				text += part.Get("text").String()
			}
		}
		return text
	}
	return content.String()
}

// claudeToOpenAIChat converts an Anthropic Messages response into OpenAI
// chat-completion shape. It handles two input shapes: a full non-streaming
// message object (type "message"), and a single Anthropic SSE event's data
// payload (type "message_start", "content_block_delta", etc), since the
// same function is used for both via RewriteStream.
func claudeToOpenAIChat(status int, _ http.Header, body []byte) []byte {
	resp := gjson.ParseBytes(body)

	switch resp.Get("type").String() {
	case "error":
		return body
	case "message":
		return claudeMessageToOpenAIChat(resp)
	case "message_start":
		msg := resp.Get("message")
		out := newChunk(msg.Get("id").String(), msg.Get("model").String())
		out, _ = sjson.SetBytes(out, "choices.0.delta.role", "assistant")
		out, _ = sjson.SetBytes(out, "choices.0.delta.content", "")
		return out
	case "content_block_delta":
		delta := resp.Get("delta")
		if delta.Get("type").String() != "text_delta" {
			return nil
		}
		out := newChunk("", "")
		out, _ = sjson.SetBytes(out, "choices.0.delta.content", delta.Get("text").String())
		return out
	case "message_delta":
		reason := resp.Get("delta.stop_reason").String()
		if reason == "" {
			return nil
		}
		out := newChunk("", "")
		out, _ = sjson.SetBytes(out, "choices.0.delta", map[string]any{})
		out, _ = sjson.SetBytes(out, "choices.0.finish_reason", finishReason(reason))
		return out
	default:
		// content_block_start, content_block_stop, message_stop, ping: no
		// client-visible OpenAI chunk corresponds to these.
		return nil
	}
}

func newChunk(id, model string) []byte {
	out := []byte(`{"object":"chat.completion.chunk","choices":[{"index":0}]}`)
	if id != "" {
		out, _ = sjson.SetBytes(out, "id", id)
	}
	if model != "" {
		out, _ = sjson.SetBytes(out, "model", model)
	}
	return out
}

func claudeMessageToOpenAIChat(resp gjson.Result) []byte {
	var text string
	for _, block := range resp.Get("content").Array() {
		if block.Get("type").String() == "text" {
			text += block.Get("text").String()
		}
	}

	out := []byte(`{"object":"chat.completion"}`)
	out, _ = sjson.SetBytes(out, "id", resp.Get("id").String())
	out, _ = sjson.SetBytes(out, "model", resp.Get("model").String())
	out, _ = sjson.SetBytes(out, "choices.0.index", 0)
	out, _ = sjson.SetBytes(out, "choices.0.message.role", "assistant")
	out, _ = sjson.SetBytes(out, "choices.0.message.content", text)
	out, _ = sjson.SetBytes(out, "choices.0.finish_reason", finishReason(resp.Get("stop_reason").String()))
	if usage := resp.Get("usage"); usage.Exists() {
		out, _ = sjson.SetBytes(out, "usage.prompt_tokens", usage.Get("input_tokens").Int())
		out, _ = sjson.SetBytes(out, "usage.completion_tokens", usage.Get("output_tokens").Int())
		out, _ = sjson.SetBytes(out, "usage.total_tokens", usage.Get("input_tokens").Int()+usage.Get("output_tokens").Int())
	}
	return out
}

func finishReason(anthropicReason string) string {
	switch anthropicReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}
