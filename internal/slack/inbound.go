package slack

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// SlashCommand is the form payload Slack posts for a slash command.
type SlashCommand struct {
	Command     string
	Text        string
	UserID      string
	UserName    string
	ChannelID   string
	ChannelName string
	TeamID      string
	ResponseURL string
	TriggerID   string
}

func ParseSlashCommand(form url.Values) (SlashCommand, error) {
	cmd := SlashCommand{
		Command:     form.Get("command"),
		Text:        strings.TrimSpace(form.Get("text")),
		UserID:      form.Get("user_id"),
		UserName:    form.Get("user_name"),
		ChannelID:   form.Get("channel_id"),
		ChannelName: form.Get("channel_name"),
		TeamID:      form.Get("team_id"),
		ResponseURL: form.Get("response_url"),
		TriggerID:   form.Get("trigger_id"),
	}
	if cmd.Command == "" || cmd.ChannelID == "" {
		return cmd, fmt.Errorf("slash command missing command or channel")
	}
	return cmd, nil
}

// EventEnvelope is the outer body of an Events API delivery.
type EventEnvelope struct {
	Type      string          `json:"type"`
	Token     string          `json:"token,omitempty"`
	Challenge string          `json:"challenge,omitempty"`
	TeamID    string          `json:"team_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// InnerEvent holds the fields of message-like events the bot reacts to.
type InnerEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	User     string `json:"user,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	Channel  string `json:"channel"`
}

func ParseEventEnvelope(body []byte) (*EventEnvelope, *InnerEvent, error) {
	var env EventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("parse event envelope: %w", err)
	}
	if env.Type != "event_callback" || len(env.Event) == 0 {
		return &env, nil, nil
	}
	var inner InnerEvent
	if err := json.Unmarshal(env.Event, &inner); err != nil {
		return &env, nil, fmt.Errorf("parse inner event: %w", err)
	}
	return &env, &inner, nil
}

var userMention = regexp.MustCompile(`<@[UW][A-Z0-9]+(\|[^>]*)?>`)

// StripUserMentions removes "<@U123>" mentions and collapses whitespace.
func StripUserMentions(text string) string {
	return strings.Join(strings.Fields(userMention.ReplaceAllString(text, " ")), " ")
}
