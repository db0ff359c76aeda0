// Package inference is the port for model prediction calls. The orchestrator
// passes step metadata for traceability but has no opinion on prompt content.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Metadata identifies the pipeline step on whose behalf a prediction runs.
type Metadata struct {
	Type       string `json:"type"`
	Step       string `json:"step"`
	DocumentID string `json:"document_id"`
	PageNumber int    `json:"page_number"`
	InstanceID string `json:"instance_id"`
	Priority   string `json:"priority"`
}

// Client is the prediction port.
type Client interface {
	Predict(ctx context.Context, prompt, model string, meta Metadata) (string, error)
}

type request struct {
	Prompt   string   `json:"prompt"`
	Model    string   `json:"model"`
	Metadata Metadata `json:"metadata"`
}

type response struct {
	Text string `json:"text"`
}

// HTTPClient calls a prediction service over HTTP.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPClient(endpoint, apiKey string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *HTTPClient) Predict(ctx context.Context, prompt, model string, meta Metadata) (string, error) {
	body, err := json.Marshal(request{Prompt: prompt, Model: model, Metadata: meta})
	if err != nil {
		return "", fmt.Errorf("marshal predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/predict", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("predict %s/%s: %w", meta.Step, meta.DocumentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("predict %s: service returned %d: %s", meta.Step, resp.StatusCode, msg)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode predict response: %w", err)
	}
	return out.Text, nil
}

// StaticClient returns canned responses keyed by step. Test double.
type StaticClient struct {
	mu        sync.Mutex
	Responses map[string]string
	Calls     []Metadata
}

func NewStaticClient(responses map[string]string) *StaticClient {
	return &StaticClient{Responses: responses}
}

func (c *StaticClient) Predict(_ context.Context, _, _ string, meta Metadata) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, meta)
	if text, ok := c.Responses[meta.Step]; ok {
		return text, nil
	}
	return "", fmt.Errorf("no canned response for step %s", meta.Step)
}
