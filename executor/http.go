package executor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/aimesh/aimesh"
)

// HTTPExecutor is a concrete Executor adapter that forwards execution
// requests to out-of-process endpoints reachable over plain HTTP,
// addressed by URL under a base per endpoint ID.
//
// Adapted from the teacher's provider/openai.Endpoint: the same
// baseURL-plus-http.Client shape is kept, narrowed to AiMesh's single
// opaque execute operation instead of the teacher's full chat/embeddings/
// batch surface.
type HTTPExecutor struct {
	client  *http.Client
	baseURL map[string]*url.URL
}

// NewHTTPExecutor creates an HTTPExecutor whose endpoint IDs resolve
// against baseURLs.
func NewHTTPExecutor(baseURLs map[string]string) (*HTTPExecutor, error) {
	resolved := make(map[string]*url.URL, len(baseURLs))
	for id, raw := range baseURLs {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint URL for %q: %w", id, err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid endpoint URL for %q: must have a scheme and host", id)
		}
		resolved[id] = parsed
	}
	return &HTTPExecutor{
		client:  &http.Client{},
		baseURL: resolved,
	}, nil
}

type executeRequestBody struct {
	Payload      []byte `json:"payload"`
	BudgetTokens int64  `json:"budget_tokens"`
}

type executeResponseBody struct {
	ResultBytes []byte `json:"result_bytes"`
	TokensUsed  int64  `json:"tokens_used"`
}

// Execute implements Executor by POSTing the payload to the endpoint's
// base URL and awaiting a JSON execution result, bounded by ctx.
func (e *HTTPExecutor) Execute(ctx context.Context, endpointID string, payload []byte, budgetTokens int64, deadlineMs int64) (Result, error) {
	base, ok := e.baseURL[endpointID]
	if !ok {
		return Result{}, aimesh.New(aimesh.CodeEndpointFailure, fmt.Sprintf("unknown endpoint %q", endpointID))
	}

	body, err := json.Marshal(executeRequestBody{Payload: payload, BudgetTokens: budgetTokens})
	if err != nil {
		return Result{}, aimesh.New(aimesh.CodeEndpointFailure, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), bytes.NewReader(body))
	if err != nil {
		return Result{}, aimesh.New(aimesh.CodeEndpointFailure, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, aimesh.New(aimesh.CodeEndpointFailure, err.Error())
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return Result{}, aimesh.New(aimesh.CodeEndpointFailure, fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode))
	}

	var decoded executeResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, aimesh.New(aimesh.CodeEndpointFailure, err.Error())
	}

	return Result{
		ResultBytes: decoded.ResultBytes,
		TokensUsed:  decoded.TokensUsed,
		LatencyMs:   float64(latency.Milliseconds()),
	}, nil
}
