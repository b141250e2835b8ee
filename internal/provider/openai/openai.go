// Package openai implements the adapter for the OpenAI Chat
// Completions API. It also exports Compat, the shared wire
// implementation reused by the Azure and self-hosted adapters, which
// speak the same protocol behind different endpoints and auth headers.
package openai

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
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// EndpointFunc builds the completion URL for a call.
type EndpointFunc func(baseURL string, model *types.ModelDefinition, cred secret.Credential) string

// AuthFunc sets the auth headers for a call.
type AuthFunc func(req *http.Request, cred secret.Credential)

// Compat is an adapter for any OpenAI-wire-compatible endpoint. The
// endpoint and auth hooks are the only points where the dialects
// differ.
type Compat struct {
	name     string
	baseURL  string
	client   *http.Client
	endpoint EndpointFunc
	setAuth  AuthFunc
}

// NewCompat builds an adapter speaking the OpenAI wire protocol against
// an arbitrary endpoint.
func NewCompat(name string, cfg provider.Config, endpoint EndpointFunc, auth AuthFunc) *Compat {
	return &Compat{
		name:     name,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		client:   provider.NewHTTPClient(cfg.Timeout),
		endpoint: endpoint,
		setAuth:  auth,
	}
}

// New creates the OpenAI adapter proper.
func New(cfg provider.Config) *Compat {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return NewCompat(ProviderName, cfg,
		func(baseURL string, _ *types.ModelDefinition, _ secret.Credential) string {
			return baseURL + "/chat/completions"
		},
		func(req *http.Request, cred secret.Credential) {
			req.Header.Set("Authorization", "Bearer "+cred.APIKey)
		},
	)
}

// Name returns the provider identifier.
func (c *Compat) Name() string { return c.name }

// CountTokens estimates tokens under the model's tokenizer.
func (c *Compat) CountTokens(model, text string) int {
	return tokenizer.Count(model, text)
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
	Tools          []chatTool      `json:"tools,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string      `json:"type"`
	Function chatToolDef `json:"function"`
}

type chatToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

func (c *Compat) formatPrompt(req *types.InferenceRequest, model *types.ModelDefinition, stream bool) *chatRequest {
	prompt := &req.Prompt
	wire := &chatRequest{
		Model:     model.ModelID,
		MaxTokens: req.Budget.MaxOutput,
		Stream:    stream,
		User:      req.Principal,
	}
	if stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if prompt.System != "" {
		wire.Messages = append(wire.Messages, chatMessage{Role: "system", Content: prompt.System})
	}
	for _, msg := range prompt.Messages {
		m := chatMessage{Role: string(msg.Role), Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, call := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, chatToolCall{
				ID:   call.ID,
				Type: "function",
				Function: chatFunction{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		wire.Messages = append(wire.Messages, m)
	}

	for _, tool := range prompt.Tools {
		wire.Tools = append(wire.Tools, chatTool{
			Type: "function",
			Function: chatToolDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	if len(prompt.OutputSchema) > 0 {
		wire.ResponseFormat = &responseFormat{Type: "json_schema", JSONSchema: prompt.OutputSchema}
	}

	return wire
}

func (c *Compat) buildHTTPRequest(ctx context.Context, wire *chatRequest, model *types.ModelDefinition, cred secret.Credential) (*http.Request, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.baseURL, model, cred), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq, cred)
	return httpReq, nil
}

// Invoke performs a synchronous completion.
func (c *Compat) Invoke(ctx context.Context, req *types.InferenceRequest, model *types.ModelDefinition, region string, cred secret.Credential) (*types.InferenceResponse, error) {
	wire := c.formatPrompt(req, model, false)
	httpReq, err := c.buildHTTPRequest(ctx, wire, model, cred)
	if err != nil {
		return nil, gwerr.Internal(err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerr.ProviderTransient(c.name, "read response").WithCause(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, c.MapError(resp.StatusCode, resp.Header, body)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, gwerr.ProviderTransient(c.name, "unmarshal response").WithCause(err)
	}
	return c.normalize(&parsed, req, region), nil
}

func (c *Compat) normalize(resp *chatResponse, req *types.InferenceRequest, region string) *types.InferenceResponse {
	out := &types.InferenceResponse{
		RequestID: req.RequestID,
		Provider:  c.name,
		Model:     resp.Model,
		Region:    region,
		Usage: types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.FinishReason = choice.FinishReason
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	if len(req.Prompt.OutputSchema) > 0 && out.Content != "" {
		out.Structured = json.RawMessage(out.Content)
	}
	return out
}

// InvokeStream performs a streaming completion. The usage-bearing
// terminal chunk arrives after the finish_reason chunk when
// stream_options.include_usage is set.
func (c *Compat) InvokeStream(ctx context.Context, req *types.InferenceRequest, model *types.ModelDefinition, region string, cred secret.Credential) (<-chan types.StreamFrame, error) {
	wire := c.formatPrompt(req, model, true)
	httpReq, err := c.buildHTTPRequest(ctx, wire, model, cred)
	if err != nil {
		return nil, gwerr.Internal(err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.transportError(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, c.MapError(resp.StatusCode, resp.Header, body)
	}

	var usage types.Usage
	var finishReason string

	parse := func(data []byte) ([]types.StreamFrame, bool, error) {
		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, false, err
		}
		if chunk.Usage != nil {
			usage = types.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			return nil, false, nil
		}

		choice := chunk.Choices[0]
		var frames []types.StreamFrame
		if choice.Delta.Content != "" {
			frames = append(frames, types.StreamFrame{
				Delta:    choice.Delta.Content,
				Provider: c.name,
				Model:    model.ModelID,
			})
		}
		for _, call := range choice.Delta.ToolCalls {
			frames = append(frames, types.StreamFrame{
				ToolFragment: &types.ToolCallFragment{
					Index:     call.Index,
					ID:        call.ID,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
				Provider: c.name,
				Model:    model.ModelID,
			})
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		return frames, false, nil
	}

	finalize := func() types.StreamFrame {
		u := usage
		return types.StreamFrame{
			Final:        true,
			Usage:        &u,
			FinishReason: finishReason,
			Provider:     c.name,
			Model:        model.ModelID,
		}
	}

	return provider.StreamSSE(ctx, c.name, resp, parse, finalize), nil
}

// HealthCheck issues a one-token completion.
func (c *Compat) HealthCheck(ctx context.Context, model *types.ModelDefinition, region string, cred secret.Credential) error {
	probe := &types.InferenceRequest{
		RequestID: "probe",
		Principal: "system:prober",
		Prompt: types.LogicalPrompt{
			Messages: []types.Message{{Role: types.RoleUser, Content: "ping"}},
		},
		Budget: types.TokenBudget{MaxOutput: 1},
	}
	_, err := c.Invoke(ctx, probe, model, region, cred)
	return err
}

// MapError translates an OpenAI-format error payload into the gateway
// taxonomy.
func (c *Compat) MapError(statusCode int, header http.Header, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	message := "provider error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	if errResp.Error.Code == "content_filter" || errResp.Error.Type == "content_policy_violation" {
		return gwerr.ContentFiltered(c.name, message)
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return gwerr.ProviderAuth(c.name, message)
	case http.StatusTooManyRequests:
		return gwerr.RateLimited(c.name, parseRetryAfter(header))
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge:
		return gwerr.InvalidRequest("%s", message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return gwerr.Timeout("execute")
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return gwerr.ProviderTransient(c.name, message)
	default:
		return gwerr.ProviderPermanent(c.name, message)
	}
}

func (c *Compat) transportError(err error) error {
	kind := gwerr.KindOf(err)
	if kind == gwerr.KindDeadlineExceeded || kind == gwerr.KindCancelled {
		return gwerr.AsError(err)
	}
	return gwerr.ProviderTransient(c.name, "request failed").WithCause(err)
}

func parseRetryAfter(header http.Header) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
