package translate

import (
	"net/http"
	"testing"

	"github.com/tidwall/gjson"
)

func TestOpenAIChatToClaudeToCanonical(t *testing.T) {
	body := []byte(`{
		"model": "gpt-5",
		"max_tokens": 512,
		"stream": false,
		"messages": [
			{"role": "system", "content": "You are terse."},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi there"}
		]
	}`)

	result, err := OpenAIChatToClaude{}.ToCanonical(body)
	if err != nil {
		t.Fatalf("ToCanonical: %v", err)
	}

	out := gjson.ParseBytes(result.CanonicalBody)
	if out.Get("system").String() != "You are terse." {
		t.Fatalf("system = %q", out.Get("system").String())
	}
	if out.Get("model").String() != "gpt-5" {
		t.Fatalf("model = %q", out.Get("model").String())
	}
	msgs := out.Get("messages").Array()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (system excluded)", len(msgs))
	}
	if msgs[0].Get("role").String() != "user" || msgs[1].Get("role").String() != "assistant" {
		t.Fatalf("unexpected roles: %v", msgs)
	}
	if result.RewriteStream != true {
		t.Fatal("RewriteStream should be true for this translator")
	}
}

func TestOpenAIChatToClaudeRejectsMissingMessages(t *testing.T) {
	_, err := OpenAIChatToClaude{}.ToCanonical([]byte(`{"model":"gpt-5"}`))
	if err == nil {
		t.Fatal("expected error for missing messages array")
	}
}

func TestOpenAIChatToClaudeDefaultsMaxTokens(t *testing.T) {
	body := []byte(`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`)
	result, err := OpenAIChatToClaude{}.ToCanonical(body)
	if err != nil {
		t.Fatalf("ToCanonical: %v", err)
	}
	if got := gjson.GetBytes(result.CanonicalBody, "max_tokens").Int(); got != 4096 {
		t.Fatalf("max_tokens = %d, want 4096", got)
	}
}

func TestToolRoleBecomesUserToolResult(t *testing.T) {
	body := []byte(`{"model":"gpt-5","messages":[
		{"role":"user","content":"what's 2+2"},
		{"role":"tool","tool_call_id":"call_1","content":"4"}
	]}`)
	result, err := OpenAIChatToClaude{}.ToCanonical(body)
	if err != nil {
		t.Fatalf("ToCanonical: %v", err)
	}
	msgs := gjson.GetBytes(result.CanonicalBody, "messages").Array()
	last := msgs[len(msgs)-1]
	if last.Get("role").String() != "user" {
		t.Fatalf("tool message role = %q, want user", last.Get("role").String())
	}
	if last.Get("content.0.type").String() != "tool_result" {
		t.Fatalf("expected tool_result block, got %v", last.Get("content.0"))
	}
	if last.Get("content.0.tool_use_id").String() != "call_1" {
		t.Fatalf("tool_use_id = %q, want call_1", last.Get("content.0.tool_use_id").String())
	}
}

func TestBackConvertNonStreamingMessage(t *testing.T) {
	anthropicResp := []byte(`{
		"type": "message",
		"id": "msg_123",
		"model": "claude-sonnet-4-6",
		"content": [{"type": "text", "text": "hello there"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`)

	out := claudeToOpenAIChat(http.StatusOK, http.Header{}, anthropicResp)
	parsed := gjson.ParseBytes(out)

	if parsed.Get("object").String() != "chat.completion" {
		t.Fatalf("object = %q", parsed.Get("object").String())
	}
	if parsed.Get("choices.0.message.content").String() != "hello there" {
		t.Fatalf("content = %q", parsed.Get("choices.0.message.content").String())
	}
	if parsed.Get("choices.0.finish_reason").String() != "stop" {
		t.Fatalf("finish_reason = %q, want stop", parsed.Get("choices.0.finish_reason").String())
	}
	if parsed.Get("usage.total_tokens").Int() != 15 {
		t.Fatalf("total_tokens = %d, want 15", parsed.Get("usage.total_tokens").Int())
	}
}

func TestBackConvertStreamingTextDelta(t *testing.T) {
	event := []byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`)
	out := claudeToOpenAIChat(http.StatusOK, http.Header{}, event)
	parsed := gjson.ParseBytes(out)

	if parsed.Get("object").String() != "chat.completion.chunk" {
		t.Fatalf("object = %q", parsed.Get("object").String())
	}
	if parsed.Get("choices.0.delta.content").String() != "hi" {
		t.Fatalf("delta.content = %q, want hi", parsed.Get("choices.0.delta.content").String())
	}
}

func TestBackConvertStreamingMessageStopHasNoChunk(t *testing.T) {
	event := []byte(`{"type":"message_stop"}`)
	if out := claudeToOpenAIChat(http.StatusOK, http.Header{}, event); out != nil {
		t.Fatalf("expected nil output for message_stop, got %q", out)
	}
}

func TestBackConvertErrorPassesThrough(t *testing.T) {
	body := []byte(`{"type":"error","error":{"message":"boom"}}`)
	out := claudeToOpenAIChat(http.StatusInternalServerError, http.Header{}, body)
	if string(out) != string(body) {
		t.Fatalf("error body was altered: %s", out)
	}
}

func TestIdentityTranslatorPassesThroughUnchanged(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4-6"}`)
	result, err := Identity{}.ToCanonical(body)
	if err != nil {
		t.Fatalf("ToCanonical: %v", err)
	}
	if string(result.CanonicalBody) != string(body) {
		t.Fatal("identity translator should not modify the body")
	}
	if result.RewriteStream {
		t.Fatal("identity translator should not set RewriteStream")
	}
	converted := result.BackConvert(http.StatusOK, http.Header{}, []byte("raw"))
	if string(converted) != "raw" {
		t.Fatalf("BackConvert = %q, want raw", converted)
	}
}
