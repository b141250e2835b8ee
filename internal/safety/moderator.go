package safety

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// HTTPModerator calls an external moderation service. The wire contract
// is a single POST with {"input": text} answered by the Result shape.
type HTTPModerator struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPModerator creates a moderator client.
func NewHTTPModerator(endpoint, apiKey string, timeout time.Duration) *HTTPModerator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPModerator{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type moderationRequest struct {
	Input string `json:"input"`
}

// Moderate implements Moderator.
func (m *HTTPModerator) Moderate(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(moderationRequest{Input: text})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("moderation service returned %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode moderation response: %w", err)
	}
	if result.Action == "" {
		result.Action = ActionAllow
	}
	return result, nil
}
