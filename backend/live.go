package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cognetic-labs/cogcore/signal"
)

// LiveBackend is a single net/http client posting a JSON completion request
// to a configurable endpoint with a bearer token. Timeouts are context
// scoped via http.NewRequestWithContext; the dispatch policy only ever
// needs one live transport.
type LiveBackend struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewLiveBackend(endpoint, apiKey string, timeout time.Duration) *LiveBackend {
	return &LiveBackend{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type liveRequest struct {
	Layer   string `json:"layer"`
	Prompt  string `json:"prompt"`
	Content string `json:"content"`
}

type liveResponse struct {
	Content     string `json:"content"`
	UsageTokens int    `json:"usage_tokens"`
	CostCents   int    `json:"cost_cents"`
}

func (l *LiveBackend) Complete(ctx context.Context, layer signal.Layer, prompt string, content []byte) (Artifact, error) {
	reqBody, err := json.Marshal(liveRequest{
		Layer:   layer.String(),
		Prompt:  prompt,
		Content: string(content),
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal live request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return Artifact{}, fmt.Errorf("build live request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return Artifact{}, err // caller classifies timeout vs. other transport error
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Artifact{}, fmt.Errorf("live backend returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Artifact{}, fmt.Errorf("live backend rejected request: status %d", resp.StatusCode)
	}

	var out liveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Artifact{}, fmt.Errorf("decode live response: %w", err)
	}

	return Artifact{
		Content:     out.Content,
		UsageTokens: out.UsageTokens,
		CostCents:   out.CostCents,
		Mock:        false,
	}, nil
}
