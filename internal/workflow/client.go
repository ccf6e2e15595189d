// Package workflow triggers the external question-answering workflow and
// relays its asynchronous results back to the requesting channel.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
)

// TriggerRequest is the execution payload sent to the workflow.
// CorrelationID is chosen by the caller and registered before the trigger
// is sent, so a result may arrive before the trigger returns.
type TriggerRequest struct {
	Question      string `json:"question"`
	ChannelID     string `json:"channel_id"`
	MessageID     string `json:"message_id"`
	UserID        string `json:"user_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// TriggerResponse carries either an immediate Result or a CorrelationID to
// be resolved later. A workflow that echoes nothing back leaves the
// request's id in effect.
type TriggerResponse struct {
	Result        string `json:"result,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type Client struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

func NewClient(url, token string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (c *Client) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResponse, error) {
	if c.url == "" {
		return nil, fmt.Errorf("workflow url not configured: %w", apperr.ErrInvalidInput)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("trigger workflow: %w: %w", apperr.ErrBackend, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("trigger workflow: status %d: %w", resp.StatusCode, apperr.ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("trigger workflow: status %d: %w", resp.StatusCode, apperr.ErrUnauthorized)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("trigger workflow: status %d: %s: %w", resp.StatusCode, bytes.TrimSpace(respBody), apperr.ErrBackend)
	}

	var out TriggerResponse
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	if out.CorrelationID == "" {
		out.CorrelationID = req.CorrelationID
	}
	if out.Result == "" && out.CorrelationID == "" {
		return nil, fmt.Errorf("trigger workflow: response has neither result nor correlation id: %w", apperr.ErrBackend)
	}

	c.logger.Debug("workflow triggered", "channel", req.ChannelID, "correlation_id", out.CorrelationID, "immediate", out.Result != "")
	return &out, nil
}
