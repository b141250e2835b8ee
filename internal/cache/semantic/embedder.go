// Package semantic implements the embedding-based cache layer: prompts
// are embedded, stored alongside their responses, and matched by cosine
// similarity against category-specific thresholds.
package semantic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/modelgate/internal/provider"
)

// Embedder turns text into a fixed-dimensionality vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// OpenAIEmbedderConfig holds embedding endpoint settings.
type OpenAIEmbedderConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultOpenAIEmbedderConfig returns sensible defaults.
func DefaultOpenAIEmbedderConfig() OpenAIEmbedderConfig {
	return OpenAIEmbedderConfig{
		BaseURL: "https://api.openai.com/v1",
		Model:   "text-embedding-3-small",
		Timeout: 10 * time.Second,
	}
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint. The embedding
// model is configured separately from inference models.
type OpenAIEmbedder struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// NewOpenAIEmbedder creates an embedder.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	defaults := DefaultOpenAIEmbedderConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	return &OpenAIEmbedder{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		client:  provider.NewHTTPClient(cfg.Timeout),
	}
}

// Model returns the embedding model identifier.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Embed returns the embedding vector for the text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings endpoint returned %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embeddings response carried no vectors")
	}
	return parsed.Data[0].Embedding, nil
}

// Cosine computes cosine similarity between two vectors, 0 when the
// dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
