package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPClient is a minimal concrete LLMCaller that posts a prompt to an
// HTTP endpoint and expects a JSON {"response": "..."} body back. It is
// deliberately thin: the actual LLM provider/transport is out of scope
// for this package (see LLMCaller's doc comment), and this exists only
// so cmd/coordinator has something concrete to wire by default, the way
// the teacher's deleted pkg/llm wrapped its own transport behind a
// narrow interface for the rest of the codebase to depend on.
type HTTPClient struct {
	Endpoint string
	HTTP     *http.Client
}

// NewHTTPClient builds an HTTPClient against endpoint using http.DefaultClient.
func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{Endpoint: endpoint, HTTP: http.DefaultClient}
}

type httpLLMRequest struct {
	Prompt string `json:"prompt"`
}

type httpLLMResponse struct {
	Response string `json:"response"`
}

// Query implements LLMCaller.
func (c *HTTPClient) Query(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(httpLLMRequest{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("encode llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm endpoint returned status %d", resp.StatusCode)
	}

	var out httpLLMResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	return out.Response, nil
}
