package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cc-relay/cc-relay-server/internal/config"
	"github.com/cc-relay/cc-relay-server/internal/dispatcher"
	"github.com/cc-relay/cc-relay-server/internal/translate"
)

const anthropicVersion = "2023-06-01"

// claudeProfile routes /api/v1/messages and /claude/v1/messages: accounts of
// either claude kind, OAuth bearer or static x-api-key (spec.md §6).
func claudeProfile() dispatcher.RouteProfile {
	return dispatcher.RouteProfile{
		Kinds:      []config.AccountKind{config.KindClaudeOAuth, config.KindClaudeAPI},
		Translator: translate.Identity{},
		UpstreamURL: func(baseURL string, _ *http.Request) string {
			return joinURL(baseURL, "https://api.anthropic.com", "/v1/messages")
		},
		SetAuth: func(req *http.Request, accessToken string) {
			req.Header.Set("x-api-key", accessToken)
			req.Header.Set("Authorization", "Bearer "+accessToken)
			req.Header.Set("anthropic-version", anthropicVersion)
		},
		StreamDetector: func(body []byte, _ *http.Request) bool {
			return gjson.GetBytes(body, "stream").Bool()
		},
	}
}

// geminiProfile routes the two Gemini content-generation endpoints; the
// streaming disposition is fixed by which path matched, not by the body.
func geminiProfile(streaming bool) dispatcher.RouteProfile {
	return dispatcher.RouteProfile{
		Kinds:      []config.AccountKind{config.KindGemini},
		Translator: translate.Identity{},
		UpstreamURL: func(baseURL string, req *http.Request) string {
			modelVerb := req.PathValue("modelVerb") // "{model}:generateContent" as one path segment
			model, _, _ := strings.Cut(modelVerb, ":")
			verb := "generateContent"
			if streaming {
				verb = "streamGenerateContent"
			}
			path := "/v1beta/models/" + model + ":" + verb
			return joinURL(baseURL, "https://generativelanguage.googleapis.com", path)
		},
		SetAuth: func(req *http.Request, accessToken string) {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		},
		StreamDetector: func(_ []byte, _ *http.Request) bool {
			return streaming
		},
	}
}

// openaiResponsesProfile routes /openai/v1/responses directly to
// openai-responses accounts, no translation.
func openaiResponsesProfile() dispatcher.RouteProfile {
	return dispatcher.RouteProfile{
		Kinds:      []config.AccountKind{config.KindOpenAIResponses},
		Translator: translate.Identity{},
		UpstreamURL: func(baseURL string, _ *http.Request) string {
			return joinURL(baseURL, "https://api.openai.com", "/v1/responses")
		},
		SetAuth: func(req *http.Request, accessToken string) {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		},
		StreamDetector: func(body []byte, _ *http.Request) bool {
			return gjson.GetBytes(body, "stream").Bool()
		},
	}
}

// openaiChatProfile routes /openai/v1/chat/completions through a translator
// to claude accounts (spec.md §6 "routed to claude via translator").
func openaiChatProfile(t translate.Translator) dispatcher.RouteProfile {
	p := claudeProfile()
	p.Translator = t
	return p
}

func joinURL(accountBaseURL, defaultBase, path string) string {
	base := defaultBase
	if accountBaseURL != "" {
		base = strings.TrimSuffix(accountBaseURL, "/")
	}
	return base + path
}

// staticModelsHandler serves a fixed, cached model list for a models-listing
// route (spec.md §6 "static/cached").
func staticModelsHandler(models []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]any, 0, len(models))
		for _, m := range models {
			data = append(data, map[string]any{"id": m, "object": "model"})
		}
		body, _ := json.Marshal(map[string]any{"object": "list", "data": data})
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}
}
