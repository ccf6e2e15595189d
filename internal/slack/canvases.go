package slack

import (
	"context"
	"net/url"
	"strings"
)

type documentContent struct {
	Type     string `json:"type"`
	Markdown string `json:"markdown"`
}

type canvasCreateResponse struct {
	envelope
	CanvasID string `json:"canvas_id"`
}

// CreateCanvas creates a channel canvas holding markdown and returns its id.
func (c *Client) CreateCanvas(ctx context.Context, channelID, title, markdown string) (string, error) {
	payload := map[string]any{
		"title":            title,
		"document_content": documentContent{Type: "markdown", Markdown: markdown},
	}
	if channelID != "" {
		payload["channel_id"] = channelID
	}
	var resp canvasCreateResponse
	if err := c.callJSON(ctx, "canvases.create", payload, &resp); err != nil {
		return "", err
	}
	c.logger.Info("created canvas", "channel", channelID, "canvas_id", resp.CanvasID)
	return resp.CanvasID, nil
}

// ReplaceCanvas overwrites the whole canvas body.
func (c *Client) ReplaceCanvas(ctx context.Context, canvasID, markdown string) error {
	payload := map[string]any{
		"canvas_id": canvasID,
		"changes": []map[string]any{
			{
				"operation":        "replace",
				"document_content": documentContent{Type: "markdown", Markdown: markdown},
			},
		},
	}
	var resp envelope
	return c.callJSON(ctx, "canvases.edit", payload, &resp)
}

// RenameCanvas updates the canvas title.
func (c *Client) RenameCanvas(ctx context.Context, canvasID, title string) error {
	payload := map[string]any{
		"canvas_id": canvasID,
		"changes": []map[string]any{
			{
				"operation": "rename",
				"title_content": map[string]string{
					"type":     "markdown",
					"markdown": title,
				},
			},
		},
	}
	var resp envelope
	return c.callJSON(ctx, "canvases.edit", payload, &resp)
}

type File struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Created int64  `json:"created"`
}

type fileListResponse struct {
	envelope
	Files []File `json:"files"`
}

// FindCanvas returns the newest canvas in a channel whose title starts with
// prefix, or "" when there is none.
func (c *Client) FindCanvas(ctx context.Context, channelID, prefix string) (string, error) {
	params := url.Values{"channel": {channelID}, "types": {"canvases"}, "count": {"100"}}
	var resp fileListResponse
	if err := c.callForm(ctx, "files.list", params, &resp); err != nil {
		return "", err
	}
	var best File
	for _, f := range resp.Files {
		if strings.HasPrefix(f.Title, prefix) && f.Created >= best.Created {
			best = f
		}
	}
	return best.ID, nil
}
