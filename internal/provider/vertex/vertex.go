// Package vertex implements the adapter for Gemini models on Vertex
// AI. Endpoints are regional and the credential is a bearer access
// token; the project ID rides in the credential's Extra map.
package vertex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/modelgate/internal/provider"
	"github.com/blueberrycongee/modelgate/internal/secret"
	"github.com/blueberrycongee/modelgate/internal/tokenizer"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// ProviderName is the identifier for this provider.
const ProviderName = "vertex"

// Adapter implements provider.Adapter for Vertex AI Gemini models.
type Adapter struct {
	baseURLOverride string
	client          *http.Client
}

// New creates a Vertex adapter. cfg.BaseURL overrides the regional
// endpoint, used for tests and private service connect.
func New(cfg provider.Config) *Adapter {
	return &Adapter{
		baseURLOverride: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:          provider.NewHTTPClient(cfg.Timeout),
	}
}

// Name returns the provider identifier.
func (a *Adapter) Name() string { return ProviderName }

// CountTokens estimates tokens under the Gemini tokenizer family.
func (a *Adapter) CountTokens(model, text string) int {
	return tokenizer.Count(model, text)
}

type wireRequest struct {
	Contents          []wireContent   `json:"contents"`
	SystemInstruction *wireContent    `json:"systemInstruction,omitempty"`
	Tools             []wireToolGroup `json:"tools,omitempty"`
	GenerationConfig  *wireGenConfig  `json:"generationConfig,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *wireFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *wireFunctionResp `json:"functionResponse,omitempty"`
}

type wireFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type wireFunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type wireToolGroup struct {
	FunctionDeclarations []wireFunctionDecl `json:"functionDeclarations"`
}

type wireFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireGenConfig struct {
	MaxOutputTokens  int             `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type wireResponse struct {
	Candidates []struct {
		Content      wireContent `json:"content"`
		FinishReason string      `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata wireUsage `json:"usageMetadata"`
}

type wireUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (a *Adapter) endpoint(model *types.ModelDefinition, region string, cred secret.Credential, stream bool) string {
	verb := "generateContent"
	if stream {
		verb = "streamGenerateContent?alt=sse"
	}
	if a.baseURLOverride != "" {
		return fmt.Sprintf("%s/models/%s:%s", a.baseURLOverride, model.ModelID, verb)
	}
	project := cred.Extra["project"]
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		region, project, region, model.ModelID, verb,
	)
}

// formatPrompt maps the logical prompt onto the Gemini shape. The
// assistant role is "model"; tool results become functionResponse
// parts on a user turn.
func (a *Adapter) formatPrompt(req *types.InferenceRequest, model *types.ModelDefinition) *wireRequest {
	prompt := &req.Prompt
	wire := &wireRequest{}

	if prompt.System != "" {
		wire.SystemInstruction = &wireContent{Parts: []wirePart{{Text: prompt.System}}}
	}

	// Gemini tracks tool calls by name, not ID, so remember the name
	// each call ID maps to for the matching result turn.
	callNames := make(map[string]string)

	for _, msg := range prompt.Messages {
		switch msg.Role {
		case types.RoleSystem:
			if wire.SystemInstruction == nil {
				wire.SystemInstruction = &wireContent{Parts: []wirePart{{Text: msg.Content}}}
			} else {
				wire.SystemInstruction.Parts = append(wire.SystemInstruction.Parts, wirePart{Text: msg.Content})
			}
		case types.RoleAssistant:
			content := wireContent{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, wirePart{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				callNames[call.ID] = call.Name
				content.Parts = append(content.Parts, wirePart{
					FunctionCall: &wireFunctionCall{Name: call.Name, Args: call.Arguments},
				})
			}
			wire.Contents = append(wire.Contents, content)
		case types.RoleTool:
			response := json.RawMessage(msg.Content)
			if !json.Valid(response) {
				quoted, _ := json.Marshal(msg.Content)
				response = json.RawMessage(fmt.Sprintf(`{"result":%s}`, quoted))
			}
			wire.Contents = append(wire.Contents, wireContent{
				Role: "user",
				Parts: []wirePart{{
					FunctionResponse: &wireFunctionResp{
						Name:     callNames[msg.ToolCallID],
						Response: response,
					},
				}},
			})
		default:
			wire.Contents = append(wire.Contents, wireContent{
				Role:  "user",
				Parts: []wirePart{{Text: msg.Content}},
			})
		}
	}

	if len(prompt.Tools) > 0 {
		group := wireToolGroup{}
		for _, tool := range prompt.Tools {
			group.FunctionDeclarations = append(group.FunctionDeclarations, wireFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			})
		}
		wire.Tools = []wireToolGroup{group}
	}

	genConfig := &wireGenConfig{MaxOutputTokens: req.Budget.MaxOutput}
	if len(prompt.OutputSchema) > 0 {
		genConfig.ResponseMimeType = "application/json"
		genConfig.ResponseSchema = prompt.OutputSchema
	}
	if genConfig.MaxOutputTokens > 0 || genConfig.ResponseMimeType != "" {
		wire.GenerationConfig = genConfig
	}

	return wire
}

func (a *Adapter) buildHTTPRequest(ctx context.Context, wire *wireRequest, url string, cred secret.Credential) (*http.Request, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.APIKey)
	return httpReq, nil
}

// Invoke performs a synchronous completion.
func (a *Adapter) Invoke(ctx context.Context, req *types.InferenceRequest, model *types.ModelDefinition, region string, cred secret.Credential) (*types.InferenceResponse, error) {
	wire := a.formatPrompt(req, model)
	httpReq, err := a.buildHTTPRequest(ctx, wire, a.endpoint(model, region, cred, false), cred)
	if err != nil {
		return nil, gwerr.Internal(err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerr.ProviderTransient(ProviderName, "read response").WithCause(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, a.mapError(resp.StatusCode, body)
	}

	var parsed wireResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, gwerr.ProviderTransient(ProviderName, "unmarshal response").WithCause(err)
	}
	return a.normalize(&parsed, req, model, region)
}

func (a *Adapter) normalize(resp *wireResponse, req *types.InferenceRequest, model *types.ModelDefinition, region string) (*types.InferenceResponse, error) {
	out := &types.InferenceResponse{
		RequestID: req.RequestID,
		Provider:  ProviderName,
		Model:     model.ModelID,
		Region:    region,
		Usage: types.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}
	if len(resp.Candidates) == 0 {
		return nil, gwerr.ProviderTransient(ProviderName, "empty candidate list")
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "PROHIBITED_CONTENT" {
		return nil, gwerr.ContentFiltered(ProviderName, "response blocked by provider safety")
	}

	var content strings.Builder
	callSeq := 0
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			content.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			callSeq++
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				ID:        fmt.Sprintf("call_%d", callSeq),
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}
	out.Content = content.String()
	out.FinishReason = mapFinishReason(candidate.FinishReason, len(out.ToolCalls) > 0)
	if len(req.Prompt.OutputSchema) > 0 && out.Content != "" {
		out.Structured = json.RawMessage(out.Content)
	}
	return out, nil
}

func mapFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return strings.ToLower(reason)
	}
}

// InvokeStream performs a streaming completion. Vertex streams whole
// wireResponse objects as SSE data payloads; usage accumulates on the
// last chunk.
func (a *Adapter) InvokeStream(ctx context.Context, req *types.InferenceRequest, model *types.ModelDefinition, region string, cred secret.Credential) (<-chan types.StreamFrame, error) {
	wire := a.formatPrompt(req, model)
	httpReq, err := a.buildHTTPRequest(ctx, wire, a.endpoint(model, region, cred, true), cred)
	if err != nil {
		return nil, gwerr.Internal(err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.transportError(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, a.mapError(resp.StatusCode, body)
	}

	var usage types.Usage
	var finishReason string
	callSeq := 0

	parse := func(data []byte) ([]types.StreamFrame, bool, error) {
		var chunk wireResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, false, err
		}
		if chunk.UsageMetadata.TotalTokenCount > 0 {
			usage = types.Usage{
				PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
				CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
			}
		}
		if len(chunk.Candidates) == 0 {
			return nil, false, nil
		}

		candidate := chunk.Candidates[0]
		var frames []types.StreamFrame
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				frames = append(frames, types.StreamFrame{
					Delta:    part.Text,
					Provider: ProviderName,
					Model:    model.ModelID,
				})
			}
			if part.FunctionCall != nil {
				frames = append(frames, types.StreamFrame{
					ToolFragment: &types.ToolCallFragment{
						Index:     callSeq,
						ID:        fmt.Sprintf("call_%d", callSeq+1),
						Name:      part.FunctionCall.Name,
						Arguments: string(part.FunctionCall.Args),
					},
					Provider: ProviderName,
					Model:    model.ModelID,
				})
				callSeq++
			}
		}
		if candidate.FinishReason != "" {
			finishReason = mapFinishReason(candidate.FinishReason, callSeq > 0)
		}
		return frames, false, nil
	}

	finalize := func() types.StreamFrame {
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

func (a *Adapter) mapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
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
		return gwerr.RateLimited(ProviderName, 0)
	case http.StatusBadRequest, http.StatusNotFound:
		return gwerr.InvalidRequest("%s", message)
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return gwerr.Timeout("execute")
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return gwerr.ProviderTransient(ProviderName, message)
	default:
		return gwerr.ProviderPermanent(ProviderName, message)
	}
}

func (a *Adapter) transportError(err error) error {
	kind := gwerr.KindOf(err)
	if kind == gwerr.KindDeadlineExceeded || kind == gwerr.KindCancelled {
		return gwerr.AsError(err)
	}
	return gwerr.ProviderTransient(ProviderName, "request failed").WithCause(err)
}
