package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// WebhookPayload is the body POSTed to a workflow's webhook.
type WebhookPayload struct {
	ExecutionID uuid.UUID       `json:"executionId"`
	CallbackURL string          `json:"callbackUrl"`
	UserID      uuid.UUID       `json:"userId"`
	Parameters  json.RawMessage `json:"parameters"`
}

// WebhookClient dispatches workflow executions to n8n.
type WebhookClient struct {
	httpClient *http.Client
}

func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookClient{httpClient: &http.Client{Timeout: timeout}}
}

// Post sends payload to url and returns the provider's execution handle when
// the response carries one. Network errors and non-2xx statuses wrap ErrProviderFailure.
func (c *WebhookClient) Post(ctx context.Context, url string, payload WebhookPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrProviderFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: webhook returned status %d", ErrProviderFailure, resp.StatusCode)
	}

	var ack struct {
		ExecutionHandle string `json:"executionHandle"`
		ExecutionID     string `json:"executionId"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &ack) == nil {
		if ack.ExecutionHandle != "" {
			return ack.ExecutionHandle, nil
		}
		if ack.ExecutionID != "" && ack.ExecutionID != payload.ExecutionID.String() {
			return ack.ExecutionID, nil
		}
	}
	return "", nil
}
