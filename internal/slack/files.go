package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
)

// Upload is a file shared into a channel or a user's DM.
type Upload struct {
	// Channel is a channel id, or a user id for a direct message.
	Channel        string
	ThreadTS       string
	Filename       string
	Title          string
	InitialComment string
	Content        []byte
}

type uploadURLResponse struct {
	envelope
	UploadURL string `json:"upload_url"`
	FileID    string `json:"file_id"`
}

type openResponse struct {
	envelope
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
}

// UploadFile shares up.Content with the external upload flow:
// files.getUploadURLExternal, a raw POST of the bytes, then
// files.completeUploadExternal. Returns the file id.
func (c *Client) UploadFile(ctx context.Context, up Upload) (string, error) {
	channel := up.Channel
	if isUserID(channel) {
		dm, err := c.OpenDM(ctx, channel)
		if err != nil {
			return "", err
		}
		channel = dm
	}

	params := url.Values{}
	params.Set("filename", up.Filename)
	params.Set("length", strconv.Itoa(len(up.Content)))
	var target uploadURLResponse
	if err := c.callForm(ctx, "files.getUploadURLExternal", params, &target); err != nil {
		return "", err
	}

	if err := c.putContent(ctx, target.UploadURL, up.Content); err != nil {
		return "", err
	}

	title := up.Title
	if title == "" {
		title = up.Filename
	}
	payload := map[string]any{
		"files":      []map[string]string{{"id": target.FileID, "title": title}},
		"channel_id": channel,
	}
	if up.InitialComment != "" {
		payload["initial_comment"] = up.InitialComment
	}
	if up.ThreadTS != "" {
		payload["thread_ts"] = up.ThreadTS
	}
	var done envelope
	if err := c.callJSON(ctx, "files.completeUploadExternal", payload, &done); err != nil {
		return "", err
	}
	c.logger.Debug("uploaded file", "channel", channel, "file_id", target.FileID, "bytes", len(up.Content))
	return target.FileID, nil
}

// OpenDM returns the direct message channel with user.
func (c *Client) OpenDM(ctx context.Context, user string) (string, error) {
	var resp openResponse
	if err := c.callJSON(ctx, "conversations.open", map[string]any{"users": user}, &resp); err != nil {
		return "", err
	}
	return resp.Channel.ID, nil
}

func (c *Client) putContent(ctx context.Context, uploadURL string, content []byte) error {
	if uploadURL == "" {
		return fmt.Errorf("slack upload: empty upload url: %w", apperr.ErrBackend)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("slack upload: %w", apperr.ErrTimeout)
		}
		return fmt.Errorf("slack upload: %w: %v", apperr.ErrBackend, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack upload: http %d: %w", resp.StatusCode, apperr.ErrBackend)
	}
	return nil
}

func isUserID(id string) bool {
	return strings.HasPrefix(id, "U") || strings.HasPrefix(id, "W")
}
