package slack

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
)

type Message struct {
	Type       string `json:"type"`
	Subtype    string `json:"subtype,omitempty"`
	User       string `json:"user,omitempty"`
	BotID      string `json:"bot_id,omitempty"`
	Username   string `json:"username,omitempty"`
	Text       string `json:"text"`
	TS         string `json:"ts"`
	ThreadTS   string `json:"thread_ts,omitempty"`
	ReplyCount int    `json:"reply_count,omitempty"`
}

// HistoryRequest selects one page of conversations.history.
type HistoryRequest struct {
	Channel string
	Cursor  string
	Oldest  string
	Limit   int
}

// RepliesRequest selects one page of conversations.replies.
type RepliesRequest struct {
	Channel  string
	ThreadTS string
	Cursor   string
	Limit    int
}

type HistoryPage struct {
	Messages   []Message
	NextCursor string
	HasMore    bool
}

type historyResponse struct {
	envelope
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// History fetches one page of a channel's top-level messages, newest first.
func (c *Client) History(ctx context.Context, req HistoryRequest) (*HistoryPage, error) {
	params := url.Values{"channel": {req.Channel}}
	if req.Cursor != "" {
		params.Set("cursor", req.Cursor)
	}
	if req.Oldest != "" {
		params.Set("oldest", req.Oldest)
	}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}

	var resp historyResponse
	if err := c.callForm(ctx, "conversations.history", params, &resp); err != nil {
		return nil, err
	}
	return &HistoryPage{
		Messages:   resp.Messages,
		NextCursor: resp.ResponseMetadata.NextCursor,
		HasMore:    resp.HasMore,
	}, nil
}

// Replies fetches one page of a thread. The first message is the thread root.
func (c *Client) Replies(ctx context.Context, req RepliesRequest) (*HistoryPage, error) {
	params := url.Values{"channel": {req.Channel}, "ts": {req.ThreadTS}}
	if req.Cursor != "" {
		params.Set("cursor", req.Cursor)
	}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}

	var resp historyResponse
	if err := c.callForm(ctx, "conversations.replies", params, &resp); err != nil {
		return nil, err
	}
	return &HistoryPage{
		Messages:   resp.Messages,
		NextCursor: resp.ResponseMetadata.NextCursor,
		HasMore:    resp.HasMore,
	}, nil
}

type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsPrivate  bool   `json:"is_private"`
	IsArchived bool   `json:"is_archived"`
	IsMember   bool   `json:"is_member"`
	Properties struct {
		Tabs []struct {
			ID    string `json:"id"`
			Type  string `json:"type"`
			Label string `json:"label"`
			Data  struct {
				FileID string `json:"file_id"`
			} `json:"data"`
		} `json:"tabs"`
	} `json:"properties"`
}

// CanvasTabIDs returns the file ids of canvases pinned as channel tabs.
func (ch *Channel) CanvasTabIDs() []string {
	var ids []string
	for _, tab := range ch.Properties.Tabs {
		if tab.Type == "canvas" && tab.Data.FileID != "" {
			ids = append(ids, tab.Data.FileID)
		}
	}
	return ids
}

type channelListResponse struct {
	envelope
	Channels []Channel `json:"channels"`
}

// ListChannels pages through every channel visible to the bot.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	var (
		all    []Channel
		cursor string
	)
	for {
		params := url.Values{
			"types":            {"public_channel,private_channel"},
			"exclude_archived": {"true"},
			"limit":            {"100"},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var resp channelListResponse
		if err := c.callForm(ctx, "conversations.list", params, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Channels...)
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return all, nil
		}
	}
}

// ResolveChannel accepts a channel id, a "#name", or a "<#C123|name>" mention
// and returns the channel.
func (c *Client) ResolveChannel(ctx context.Context, ref string) (*Channel, error) {
	ref = strings.TrimSpace(ref)
	if id, name, ok := ParseChannelMention(ref); ok {
		return &Channel{ID: id, Name: name}, nil
	}
	name := strings.TrimPrefix(ref, "#")
	if looksLikeChannelID(name) {
		return c.ChannelInfo(ctx, name)
	}

	channels, err := c.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	for i := range channels {
		if channels[i].Name == name {
			return &channels[i], nil
		}
	}
	return nil, fmt.Errorf("could not find channel '%s': %w", name, apperr.ErrChannelNotFound)
}

type channelInfoResponse struct {
	envelope
	Channel Channel `json:"channel"`
}

func (c *Client) ChannelInfo(ctx context.Context, channelID string) (*Channel, error) {
	var resp channelInfoResponse
	if err := c.callForm(ctx, "conversations.info", url.Values{"channel": {channelID}}, &resp); err != nil {
		return nil, err
	}
	return &resp.Channel, nil
}

// ParseChannelMention parses Slack's escaped channel form "<#C123|name>".
func ParseChannelMention(s string) (id, name string, ok bool) {
	if !strings.HasPrefix(s, "<#") || !strings.HasSuffix(s, ">") {
		return "", "", false
	}
	inner := s[2 : len(s)-1]
	id, name, _ = strings.Cut(inner, "|")
	if id == "" {
		return "", "", false
	}
	return id, name, true
}

func looksLikeChannelID(s string) bool {
	if len(s) < 9 || (s[0] != 'C' && s[0] != 'G' && s[0] != 'D') {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
