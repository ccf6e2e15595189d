package slack

import (
	"context"
	"net/url"
)

type postMessageResponse struct {
	envelope
	TS string `json:"ts"`
}

// PostMessage posts text to a channel, threaded under threadTS when set.
// Returns the message timestamp.
func (c *Client) PostMessage(ctx context.Context, channel, text, threadTS string) (string, error) {
	payload := map[string]any{
		"channel": channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": text},
			},
		},
	}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}

	var resp postMessageResponse
	if err := c.callJSON(ctx, "chat.postMessage", payload, &resp); err != nil {
		return "", err
	}
	c.logger.Debug("posted message", "channel", channel, "ts", resp.TS)
	return resp.TS, nil
}

type AuthInfo struct {
	URL    string `json:"url"`
	Team   string `json:"team"`
	User   string `json:"user"`
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
	BotID  string `json:"bot_id,omitempty"`
}

type authTestResponse struct {
	envelope
	AuthInfo
}

// AuthTest checks the bot token and returns the identity it belongs to.
func (c *Client) AuthTest(ctx context.Context) (*AuthInfo, error) {
	var resp authTestResponse
	if err := c.callForm(ctx, "auth.test", url.Values{}, &resp); err != nil {
		return nil, err
	}
	return &resp.AuthInfo, nil
}
