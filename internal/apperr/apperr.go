// Package apperr defines the failure kinds shared by the pipeline stages.
package apperr

import (
	"context"
	"errors"
)

var (
	ErrRateLimited          = errors.New("rate limited")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrChannelNotFound      = errors.New("channel not found")
	ErrEmptyInput           = errors.New("empty input")
	ErrSummarizationBackend = errors.New("summarization backend error")
	ErrConflictUnresolved   = errors.New("conflict unresolved")
	ErrTimeout              = errors.New("timeout")
	ErrNotFound             = errors.New("not found")
	ErrBackend              = errors.New("backend error")
	ErrInvalidInput         = errors.New("invalid input")
)

// Kind is the coarse classification callers branch on.
type Kind string

const (
	KindRateLimited          Kind = "rate_limited"
	KindUnauthorized         Kind = "unauthorized"
	KindChannelNotFound      Kind = "channel_not_found"
	KindEmptyInput           Kind = "empty_input"
	KindSummarizationBackend Kind = "summarization_backend"
	KindConflictUnresolved   Kind = "conflict_unresolved"
	KindTimeout              Kind = "timeout"
	KindNotFound             Kind = "not_found"
	KindBackend              Kind = "backend"
	KindInvalidInput         Kind = "invalid_input"
	KindUnknown              Kind = "unknown"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrEmptyInput, KindEmptyInput},
	{ErrUnauthorized, KindUnauthorized},
	{ErrChannelNotFound, KindChannelNotFound},
	{ErrConflictUnresolved, KindConflictUnresolved},
	{ErrInvalidInput, KindInvalidInput},
	{ErrRateLimited, KindRateLimited},
	{ErrTimeout, KindTimeout},
	{ErrSummarizationBackend, KindSummarizationBackend},
	{ErrNotFound, KindNotFound},
	{ErrBackend, KindBackend},
}

// KindOf classifies err. A bare context deadline counts as a timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Retriable reports whether running the same request again later may succeed.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTimeout, KindSummarizationBackend, KindBackend, KindUnknown:
		return true
	default:
		return false
	}
}

// Notice renders the failure text shown in the originating channel.
func Notice(err error) string {
	switch KindOf(err) {
	case "":
		return ""
	case KindEmptyInput:
		return ":skull: No data to summarize: the channel has no messages in the requested window."
	case KindUnauthorized, KindChannelNotFound:
		return ":skull: Permission problem: I can't read that channel. Make sure the bot is invited to the channel."
	case KindConflictUnresolved:
		return ":skull: A newer summary was already published for this channel, so this run was dropped."
	case KindInvalidInput:
		return ":skull: " + err.Error()
	default:
		return ":skull: Temporary failure, try again in a few minutes."
	}
}
