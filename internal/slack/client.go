package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
)

const defaultBaseURL = "https://slack.com/api/"

// defaultRetryAfter is used when a 429 carries no usable Retry-After header.
const defaultRetryAfter = time.Second

// Client is a minimal Slack Web API client.
type Client struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		token:   token,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// RateLimitError is returned when Slack asks the caller to slow down.
type RateLimitError struct {
	Method     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("slack %s: rate limited, retry after %s", e.Method, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return apperr.ErrRateLimited }

// APIError is a response with ok=false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "not_authed", "invalid_auth", "missing_scope", "not_in_channel",
		"account_inactive", "token_revoked", "token_expired", "no_permission":
		return apperr.ErrUnauthorized
	case "channel_not_found", "is_archived":
		return apperr.ErrChannelNotFound
	case "canvas_not_found", "file_not_found", "invalid_canvas", "canvas_deleted":
		return apperr.ErrNotFound
	case "invalid_arguments", "invalid_cursor", "thread_not_found":
		return apperr.ErrInvalidInput
	default:
		return apperr.ErrBackend
	}
}

type envelope struct {
	OK               bool   `json:"ok"`
	Error            string `json:"error,omitempty"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (e envelope) result() envelope { return e }

type enveloped interface{ result() envelope }

// callForm posts url-encoded parameters, used by the read methods.
func (c *Client) callForm(ctx context.Context, method string, params url.Values, out enveloped) error {
	return c.call(ctx, method, "application/x-www-form-urlencoded", strings.NewReader(params.Encode()), out)
}

// callJSON posts a JSON body, used by the write methods.
func (c *Client) callJSON(ctx context.Context, method string, payload any, out enveloped) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", method, err)
	}
	return c.call(ctx, method, "application/json; charset=utf-8", bytes.NewReader(body), out)
}

func (c *Client) call(ctx context.Context, method, contentType string, body io.Reader, out enveloped) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("slack %s: %w", method, apperr.ErrTimeout)
		}
		return fmt.Errorf("slack %s: %w: %v", method, apperr.ErrBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &RateLimitError{Method: method, RetryAfter: retryAfter(resp.Header)}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack %s: http %d: %w", method, resp.StatusCode, apperr.ErrBackend)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse %s response: %w", method, err)
	}
	env := out.result()
	if !env.OK {
		if env.Error == "ratelimited" {
			return &RateLimitError{Method: method, RetryAfter: retryAfter(resp.Header)}
		}
		return &APIError{Method: method, Code: env.Error}
	}
	return nil
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
}

// ParseTS converts a Slack message timestamp ("1700000000.000100") to time.
func ParseTS(ts string) (time.Time, error) {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ts %q: %w", ts, err)
	}
	var micros int64
	if fracPart != "" {
		for len(fracPart) < 6 {
			fracPart += "0"
		}
		micros, err = strconv.ParseInt(fracPart[:6], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse ts %q: %w", ts, err)
		}
	}
	return time.Unix(sec, micros*int64(time.Microsecond)).UTC(), nil
}

// FormatTS renders t as a Slack "oldest"/"latest" boundary.
func FormatTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}
