package llmbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPBackend invokes a generic JSON-over-HTTP LLM backend. The wire
// format is intentionally minimal and vendor-agnostic (spec §1 excludes
// any specific provider's wire protocol from this module's scope) — it
// posts {prompt, history, remote_id, model} and expects back
// {text, remote_id, usage}.
type HTTPBackend struct {
	Endpoint string
	APIKey   string
	Model    string
	Client   *http.Client
}

// NewHTTPBackend constructs an HTTPBackend with a bounded default client
// timeout; callers that need per-call timeouts should rely on ctx instead.
func NewHTTPBackend(endpoint, apiKey, model string) *HTTPBackend {
	return &HTTPBackend{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Model:    model,
		Client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

type httpInvokeBody struct {
	Prompt   string `json:"prompt"`
	History  string `json:"history,omitempty"`
	RemoteID string `json:"remote_id,omitempty"`
	Model    string `json:"model,omitempty"`
}

type httpInvokeResult struct {
	Text     string `json:"text"`
	RemoteID string `json:"remote_id"`
	Usage    struct {
		InputTokens  int64   `json:"input_tokens"`
		OutputTokens int64   `json:"output_tokens"`
		CostUSD      float64 `json:"cost_usd"`
	} `json:"usage"`
}

func (h *HTTPBackend) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: ErrInvalidRequest, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Kind: ErrTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return &Error{Kind: ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &Error{Kind: ErrRemoteUnknown, Err: fmt.Errorf("backend: remote session not found (%d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: ErrRateLimit, Err: fmt.Errorf("backend: rate limited")}
	case resp.StatusCode >= 400:
		return &Error{Kind: ErrTransport, Err: fmt.Errorf("backend: unexpected status %d", resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Invoke implements Backend.
func (h *HTTPBackend) Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error) {
	model := req.Model
	if model == "" {
		model = h.Model
	}
	var result httpInvokeResult
	err := h.post(ctx, "/invoke", httpInvokeBody{
		Prompt:   req.Prompt,
		History:  req.History,
		RemoteID: req.RemoteID,
		Model:    model,
	}, &result)
	if err != nil {
		return InvokeResponse{}, err
	}
	return InvokeResponse{
		Text:     result.Text,
		RemoteID: result.RemoteID,
		Usage: Usage{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
			CostUSD:      result.Usage.CostUSD,
		},
	}, nil
}

// Summarize implements Backend.
func (h *HTTPBackend) Summarize(ctx context.Context, logExcerpt string) (string, error) {
	var result struct {
		Text string `json:"text"`
	}
	err := h.post(ctx, "/summarize", httpInvokeBody{Prompt: logExcerpt, Model: h.Model}, &result)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

var _ Backend = (*HTTPBackend)(nil)
