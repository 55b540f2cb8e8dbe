// Package nexa is the OpenAI-compatible REST client shared by the
// Embedding Provider and Chat Provider adapters (internal/embed,
// internal/chat), grounded on the teacher's internal/nexa package. The
// bare http.Client is replaced with go-retryablehttp so transient
// ProviderFailure errors (§7) are retried below the stage-level backoff
// the Pipeline Orchestrator applies on top.
package nexa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/threeequarter/filings-rag/internal/logging"
)

// Client talks to a nexa-compatible inference server's /v1/embeddings and
// /v1/chat/completions endpoints.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient builds a Client with a bounded retry policy; baseURL defaults
// to the local nexa server the teacher targeted.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:18181"
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Minute
	rc.Logger = nil
	rc.ErrorHandler = func(resp *http.Response, err error, numTries int) (*http.Response, error) {
		logging.Error("nexa request failed after %d attempts: %v", numTries, err)
		return resp, err
	}

	return &Client{baseURL: baseURL, httpClient: rc}
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	return resp, nil
}
