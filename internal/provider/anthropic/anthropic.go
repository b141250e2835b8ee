// Package anthropic implements the adapter for the Anthropic Messages
// API, translating the gateway's logical prompt into content blocks and
// assembling streamed events into normalized frames.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/modelgate/internal/provider"
	"github.com/blueberrycongee/modelgate/internal/secret"
	"github.com/blueberrycongee/modelgate/internal/tokenizer"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the anthropic-version header value.
	DefaultAPIVersion = "2023-06-01"
)

// Adapter implements provider.Adapter for Claude models.
type Adapter struct {
	baseURL    string
	apiVersion string
	client     *http.Client
}

// New creates an Anthropic adapter.
func New(cfg provider.Config) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiVersion: DefaultAPIVersion,
		client:     provider.NewHTTPClient(cfg.Timeout),
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return ProviderName }

// CountTokens estimates tokens under the Claude tokenizer family.
func (a *Adapter) CountTokens(model, text string) int {
	return tokenizer.Count(model, text)
}

// wireRequest is the Messages API request body.
type wireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	System        string        `json:"system,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	Tools         []wireTool    `json:"tools,omitempty"`
	Metadata      *wireMetadata `json:"metadata,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []wireBlock
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type wireResponse struct {
	ID         string      `json:"id"`
	Model      string      `json:"model"`
	Content    []respBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      wireUsage   `json:"usage"`
}

type respBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// formatPrompt maps the logical prompt onto the Messages API shape.
// The system message rides in the top-level system field; tool results
// become user-role tool_result blocks.
func (a *Adapter) formatPrompt(req *types.InferenceRequest, model *types.ModelDefinition, stream bool) (*wireRequest, error) {
	prompt := &req.Prompt
	wire := &wireRequest{
		Model:     model.ModelID,
		MaxTokens: req.Budget.MaxOutput,
		System:    prompt.System,
		Stream:    stream,
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = model.MaxOutputTokens
	}
	if req.Principal != "" {
		wire.Metadata = &wireMetadata{UserID: req.Principal}
	}

	for _, msg := range prompt.Messages {
		switch msg.Role {
		case types.RoleSystem:
			// Extra system turns append to the system field.
			if wire.System == "" {
				wire.System = msg.Content
			} else {
				wire.System += "\n" + msg.Content
			}
		case types.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				blocks := make([]wireBlock, 0, len(msg.ToolCalls)+1)
				if msg.Content != "" {
					blocks = append(blocks, wireBlock{Type: "text", Text: msg.Content})
				}
				for _, call := range msg.ToolCalls {
					blocks = append(blocks, wireBlock{
						Type:  "tool_use",
						ID:    call.ID,
						Name:  call.Name,
						Input: call.Arguments,
					})
				}
				wire.Messages = append(wire.Messages, wireMessage{Role: "assistant", Content: blocks})
			} else {
				wire.Messages = append(wire.Messages, wireMessage{Role: "assistant", Content: msg.Content})
			}
		case types.RoleTool:
			wire.Messages = append(wire.Messages, wireMessage{
				Role: "user",
				Content: []wireBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		default:
			wire.Messages = append(wire.Messages, wireMessage{Role: "user", Content: msg.Content})
		}
	}

	for _, tool := range prompt.Tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		wire.Tools = append(wire.Tools, wireTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	return wire, nil
}

func (a *Adapter) buildHTTPRequest(ctx context.Context, wire *wireRequest, cred secret.Credential) (*http.Request, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", cred.APIKey)
	version := a.apiVersion
	if v := cred.Extra["api_version"]; v != "" {
		version = v
	}
	httpReq.Header.Set("anthropic-version", version)
	return httpReq, nil
}

// Invoke performs a synchronous completion.
func (a *Adapter) Invoke(ctx context.Context, req *types.InferenceRequest, model *types.ModelDefinition, region string, cred secret.Credential) (*types.InferenceResponse, error) {
	wire, err := a.formatPrompt(req, model, false)
	if err != nil {
		return nil, gwerr.InvalidRequest("format prompt: %v", err)
	}

	httpReq, err := a.buildHTTPRequest(ctx, wire, cred)
	if err != nil {
		return nil, gwerr.Internal(err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerr.ProviderTransient(ProviderName, "read response").WithCause(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, a.mapError(resp.StatusCode, resp.Header, body)
	}

	var parsed wireResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, gwerr.ProviderTransient(ProviderName, "unmarshal response").WithCause(err)
	}
	return a.normalize(&parsed, req, region), nil
}

func (a *Adapter) normalize(resp *wireResponse, req *types.InferenceRequest, region string) *types.InferenceResponse {
	var content strings.Builder
	var toolCalls []types.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	return &types.InferenceResponse{
		RequestID:    req.RequestID,
		Provider:     ProviderName,
		Model:        resp.Model,
		Region:       region,
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: mapStopReason(resp.StopReason),
		Usage: types.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// InvokeStream performs a streaming completion. Anthropic delivers
// usage across message_start (input) and message_delta (output); the
// terminal frame carries the combined count.
func (a *Adapter) InvokeStream(ctx context.Context, req *types.InferenceRequest, model *types.ModelDefinition, region string, cred secret.Credential) (<-chan types.StreamFrame, error) {
	wire, err := a.formatPrompt(req, model, true)
	if err != nil {
		return nil, gwerr.InvalidRequest("format prompt: %v", err)
	}

	httpReq, err := a.buildHTTPRequest(ctx, wire, cred)
	if err != nil {
		return nil, gwerr.Internal(err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, a.mapError(resp.StatusCode, resp.Header, body)
	}

	var usage types.Usage
	var finishReason string
	toolIndex := -1

	parse := func(data []byte) ([]types.StreamFrame, bool, error) {
		var event struct {
			Type    string `json:"type"`
			Message struct {
				Usage wireUsage `json:"usage"`
			} `json:"message"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
				StopReason  string `json:"stop_reason"`
			} `json:"delta"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
			Usage wireUsage `json:"usage"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, false, nil // skip unparseable keep-alives
		}

		switch event.Type {
		case "message_start":
			usage.PromptTokens = event.Message.Usage.InputTokens
			return nil, false, nil
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				toolIndex++
				return []types.StreamFrame{{
					ToolFragment: &types.ToolCallFragment{
						Index: toolIndex,
						ID:    event.ContentBlock.ID,
						Name:  event.ContentBlock.Name,
					},
					Provider: ProviderName,
					Model:    model.ModelID,
				}}, false, nil
			}
			return nil, false, nil
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				return []types.StreamFrame{{
					Delta:    event.Delta.Text,
					Provider: ProviderName,
					Model:    model.ModelID,
				}}, false, nil
			case "input_json_delta":
				return []types.StreamFrame{{
					ToolFragment: &types.ToolCallFragment{
						Index:     toolIndex,
						Arguments: event.Delta.PartialJSON,
					},
					Provider: ProviderName,
					Model:    model.ModelID,
				}}, false, nil
			}
			return nil, false, nil
		case "message_delta":
			usage.CompletionTokens = event.Usage.OutputTokens
			if event.Delta.StopReason != "" {
				finishReason = mapStopReason(event.Delta.StopReason)
			}
			return nil, false, nil
		case "message_stop":
			return nil, true, nil
		}
		return nil, false, nil
	}

	finalize := func() types.StreamFrame {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		u := usage
		return types.StreamFrame{
			Final:        true,
			Usage:        &u,
			FinishReason: finishReason,
			Provider:     ProviderName,
			Model:        model.ModelID,
		}
	}

	return provider.StreamSSE(ctx, ProviderName, resp, parse, finalize), nil
}

// HealthCheck issues a one-token completion.
func (a *Adapter) HealthCheck(ctx context.Context, model *types.ModelDefinition, region string, cred secret.Credential) error {
	probe := &types.InferenceRequest{
		RequestID: "probe",
		Principal: "system:prober",
		Prompt: types.LogicalPrompt{
			Messages: []types.Message{{Role: types.RoleUser, Content: "ping"}},
		},
		Budget: types.TokenBudget{MaxOutput: 1},
	}
	_, err := a.Invoke(ctx, probe, model, region, cred)
	return err
}

// mapError translates an Anthropic error payload into the gateway
// taxonomy. The pipeline keys off the kind, never the raw status.
func (a *Adapter) mapError(statusCode int, header http.Header, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := "provider error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return gwerr.ProviderAuth(ProviderName, message)
	case http.StatusTooManyRequests:
		return gwerr.RateLimited(ProviderName, parseRetryAfter(header))
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return gwerr.InvalidRequest("%s", message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return gwerr.Timeout("execute")
	case 529, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusInternalServerError:
		return gwerr.ProviderTransient(ProviderName, message)
	default:
		if errResp.Error.Type == "invalid_request_error" {
			return gwerr.InvalidRequest("%s", message)
		}
		return gwerr.ProviderPermanent(ProviderName, message)
	}
}

func transportError(err error) error {
	if ctxErr := contextKind(err); ctxErr != nil {
		return ctxErr
	}
	return gwerr.ProviderTransient(ProviderName, "request failed").WithCause(err)
}

func contextKind(err error) error {
	kind := gwerr.KindOf(err)
	if kind == gwerr.KindDeadlineExceeded || kind == gwerr.KindCancelled {
		return gwerr.AsError(err)
	}
	return nil
}

func parseRetryAfter(header http.Header) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
