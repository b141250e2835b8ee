package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/modelgate/internal/provider"
	"github.com/blueberrycongee/modelgate/internal/secret"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

func testModel() *types.ModelDefinition {
	return &types.ModelDefinition{
		ModelID:    "gpt-4o",
		ProviderID: ProviderName,
	}
}

func testRequest() *types.InferenceRequest {
	return &types.InferenceRequest{
		RequestID: "req-1",
		Principal: "user-1",
		Prompt: types.LogicalPrompt{
			System: "You are helpful.",
			Messages: []types.Message{
				{Role: types.RoleUser, Content: "Hello"},
			},
		},
		Budget: types.TokenBudget{MaxOutput: 100},
	}
}

func TestInvoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing or invalid Authorization header")
		}

		var wire chatRequest
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if wire.Model != "gpt-4o" {
			t.Errorf("model = %s, want gpt-4o", wire.Model)
		}
		if len(wire.Messages) != 2 || wire.Messages[0].Role != "system" {
			t.Errorf("messages not translated: %+v", wire.Messages)
		}
		if wire.MaxTokens != 100 {
			t.Errorf("max_tokens = %d, want 100", wire.MaxTokens)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-4o",
			"choices": [{
				"message": {"role": "assistant", "content": "Hi there"},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))
	defer server.Close()

	adapter := New(provider.Config{BaseURL: server.URL})
	resp, err := adapter.Invoke(context.Background(), testRequest(), testModel(), "us-east-1", secret.Credential{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if resp.Content != "Hi there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
	if resp.Provider != ProviderName || resp.Region != "us-east-1" {
		t.Errorf("attribution: provider=%s region=%s", resp.Provider, resp.Region)
	}
}

func TestInvokeToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire chatRequest
		json.NewDecoder(r.Body).Decode(&wire)
		if len(wire.Tools) != 1 || wire.Tools[0].Function.Name != "get_weather" {
			t.Errorf("tools not translated: %+v", wire.Tools)
		}

		fmt.Fprint(w, `{
			"model": "gpt-4o",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function",
						"function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 8, "total_tokens": 28}
		}`)
	}))
	defer server.Close()

	req := testRequest()
	req.Prompt.Tools = []types.ToolDescriptor{{
		Name:        "get_weather",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}

	adapter := New(provider.Config{BaseURL: server.URL})
	resp, err := adapter.Invoke(context.Background(), req, testModel(), "", secret.Credential{APIKey: "k"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("ToolCalls count = %d, want 1", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Name != "get_weather" || resp.ToolCalls[0].ID != "call_1" {
		t.Errorf("tool call = %+v", resp.ToolCalls[0])
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
}

func TestInvokeStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire chatRequest
		json.NewDecoder(r.Body).Decode(&wire)
		if !wire.Stream || wire.StreamOptions == nil || !wire.StreamOptions.IncludeUsage {
			t.Error("stream options not set")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"model\":\"gpt-4o\",\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	adapter := New(provider.Config{BaseURL: server.URL})
	frames, err := adapter.InvokeStream(context.Background(), testRequest(), testModel(), "", secret.Credential{APIKey: "k"})
	if err != nil {
		t.Fatalf("InvokeStream: %v", err)
	}

	var text string
	var finals int
	var final types.StreamFrame
	for frame := range frames {
		if frame.Err != nil {
			t.Fatalf("frame error: %v", frame.Err)
		}
		text += frame.Delta
		if frame.Final {
			finals++
			final = frame
		}
	}

	if text != "Hello" {
		t.Errorf("assembled text = %q, want Hello", text)
	}
	if finals != 1 {
		t.Fatalf("terminal frames = %d, want exactly 1", finals)
	}
	if final.Usage == nil || final.Usage.TotalTokens != 7 {
		t.Errorf("final usage = %+v", final.Usage)
	}
	if final.FinishReason != "stop" {
		t.Errorf("final FinishReason = %q", final.FinishReason)
	}
}

func TestMapError(t *testing.T) {
	adapter := New(provider.Config{})

	tests := []struct {
		name       string
		statusCode int
		body       string
		wantKind   gwerr.Kind
	}{
		{"unauthorized", 401, `{"error":{"message":"bad key"}}`, gwerr.KindProviderAuth},
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, gwerr.KindRateLimited},
		{"bad request", 400, `{"error":{"message":"bad model"}}`, gwerr.KindInvalidRequest},
		{"timeout", 504, `{}`, gwerr.KindTimeout},
		{"server error", 500, `{"error":{"message":"boom"}}`, gwerr.KindProviderTransient},
		{"unavailable", 503, `{}`, gwerr.KindProviderTransient},
		{"content filter", 400, `{"error":{"message":"refused","code":"content_filter"}}`, gwerr.KindContentFiltered},
		{"teapot", 418, `{}`, gwerr.KindProviderPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := adapter.MapError(tt.statusCode, http.Header{}, []byte(tt.body))
			if got := gwerr.KindOf(err); got != tt.wantKind {
				t.Errorf("kind = %s, want %s", got, tt.wantKind)
			}
		})
	}
}

func TestMapErrorRetryAfter(t *testing.T) {
	adapter := New(provider.Config{})
	header := http.Header{}
	header.Set("Retry-After", "30")

	err := adapter.MapError(429, header, nil)
	ge := gwerr.AsError(err)
	if ge.RetryAfter.Seconds() != 30 {
		t.Errorf("RetryAfter = %v, want 30s", ge.RetryAfter)
	}
}

func TestFormatPromptOutputSchema(t *testing.T) {
	adapter := New(provider.Config{})
	req := testRequest()
	req.Prompt.OutputSchema = json.RawMessage(`{"type":"object","properties":{"ok":{"type":"boolean"}}}`)

	wire := adapter.formatPrompt(req, testModel(), false)
	if wire.ResponseFormat == nil || wire.ResponseFormat.Type != "json_schema" {
		t.Errorf("ResponseFormat = %+v", wire.ResponseFormat)
	}
}
