// Package gemini adapts the Google GenAI SDK to the summarizer backend.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	defaultModel      = "gemini-2.5-flash"
	defaultMaxRetries = 2
)

type Client struct {
	client     *genai.Client
	model      string
	maxRetries int
	backoff    time.Duration
}

// NewClient creates a Gemini API client. baseURL overrides the endpoint and
// is empty in production.
func NewClient(ctx context.Context, apiKey, model, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = defaultModel
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{
		client:     client,
		model:      model,
		maxRetries: defaultMaxRetries,
		backoff:    2 * time.Second,
	}, nil
}

// Generate sends one prompt and returns the generated text. Rate-limit and
// server errors are retried with exponential backoff.
func (c *Client) Generate(ctx context.Context, system, input string, maxTokens int) (string, error) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(input), cfg)
		if err == nil {
			text := strings.TrimSpace(resp.Text())
			if text == "" {
				return "", fmt.Errorf("gemini: empty response content")
			}
			return text, nil
		}
		if !temporary(err) || attempt >= c.maxRetries {
			return "", fmt.Errorf("gemini generate: %w", err)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.backoff << attempt):
		}
	}
}

// Name identifies the backend in logs.
func (c *Client) Name() string {
	return "gemini:" + c.model
}

func temporary(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return false
}
