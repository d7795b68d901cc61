// Package fal adapts fal.ai models to the invoker registry.
package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pixelforge/backend/internal/invoker"
)

const DefaultBaseURL = "https://fal.run"

// Client performs synchronous fal.ai runs.
type Client struct {
	baseURL    string
	key        string
	httpClient *http.Client
}

// NewClient returns a client for baseURL. Deadlines come from the caller's
// context, so httpClient needs no timeout of its own.
func NewClient(baseURL, key string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), key: key, httpClient: httpClient}
}

// Run POSTs body to the model endpoint and returns the raw response.
func (c *Client) Run(ctx context.Context, modelID string, body map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+modelID, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", invoker.ErrProviderFailure, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", invoker.ErrProviderFailure, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned %d: %s", invoker.ErrProviderFailure, modelID, resp.StatusCode, errorDetail(raw))
	}
	return raw, nil
}

// errorDetail pulls a human message out of a fal error body.
func errorDetail(raw []byte) string {
	var body struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		switch d := body.Detail.(type) {
		case string:
			return d
		case []any:
			if len(d) > 0 {
				if m, ok := d[0].(map[string]any); ok {
					if msg, ok := m["msg"].(string); ok {
						return msg
					}
				}
			}
		}
		if body.Error != "" {
			return body.Error
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

type media struct {
	URL string `json:"url"`
}

// envelope covers the response shapes of the registered models.
type envelope struct {
	Images []media `json:"images"`
	Image  *media  `json:"image"`
	Video  *media  `json:"video"`
}

// ExtractOutputs returns every output URL, primary first.
func ExtractOutputs(raw json.RawMessage) []string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	var out []string
	for _, img := range env.Images {
		if img.URL != "" {
			out = append(out, img.URL)
		}
	}
	if env.Image != nil && env.Image.URL != "" {
		out = append(out, env.Image.URL)
	}
	if env.Video != nil && env.Video.URL != "" {
		out = append(out, env.Video.URL)
	}
	return out
}
