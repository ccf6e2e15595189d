package model

import (
	"time"

	"github.com/google/uuid"
)

// ChannelRef identifies a conversation channel on the messaging platform.
type ChannelRef string

// Event is one message. ThreadParent refers back to the thread root when the
// event is a reply; Replies is only populated on thread roots.
type Event struct {
	ID           string    `json:"id"`
	Author       string    `json:"author"`
	Timestamp    time.Time `json:"timestamp"`
	Body         string    `json:"body"`
	ThreadParent string    `json:"thread_parent,omitempty"`
	ReplyCount   int       `json:"reply_count,omitempty"`
	Replies      []Event   `json:"replies,omitempty"`
}

// Before orders events by timestamp, then id.
func (e Event) Before(o Event) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.ID < o.ID
}

// BackupArtifact is the result of one complete extraction run.
type BackupArtifact struct {
	ID             uuid.UUID  `json:"id"`
	Channel        ChannelRef `json:"channel"`
	ChannelName    string     `json:"channel_name,omitempty"`
	ExtractedAt    time.Time  `json:"extracted_at"`
	Oldest         time.Time  `json:"oldest,omitempty"`
	Events         []Event    `json:"events"`
	Partial        bool       `json:"partial"`
	MissingThreads []string   `json:"missing_threads,omitempty"`
	ContentHash    string     `json:"content_hash"`
}

// EventCount counts thread roots and replies.
func (a *BackupArtifact) EventCount() int {
	n := 0
	for _, e := range a.Events {
		n += 1 + len(e.Replies)
	}
	return n
}

// ArtifactRef points at a saved artifact.
type ArtifactRef struct {
	ID          uuid.UUID  `json:"id"`
	Channel     ChannelRef `json:"channel"`
	ContentHash string     `json:"content_hash"`
	SavedAt     time.Time  `json:"saved_at"`
	Location    string     `json:"location,omitempty"`
}

// SummaryChunk is an intermediate map-step result.
type SummaryChunk struct {
	Pass          int    `json:"pass"`
	Index         int    `json:"index"`
	FirstEventID  string `json:"first_event_id"`
	LastEventID   string `json:"last_event_id"`
	Text          string `json:"text"`
	TokenEstimate int    `json:"token_estimate"`
}

// SummaryStats describes how a summary was produced.
type SummaryStats struct {
	Calls         int   `json:"calls"`
	Passes        int   `json:"passes"`
	ChunksPerPass []int `json:"chunks_per_pass"`
}

type Summary struct {
	Channel           ChannelRef   `json:"channel"`
	ChannelName       string       `json:"channel_name,omitempty"`
	Text              string       `json:"text"`
	SourceHash        string       `json:"source_hash"`
	SourceExtractedAt time.Time    `json:"source_extracted_at"`
	GeneratedAt       time.Time    `json:"generated_at"`
	EventCount        int          `json:"event_count"`
	Stats             SummaryStats `json:"stats"`
}

// DocumentKind names the purpose of a canvas in a channel.
type DocumentKind string

const KindNews DocumentKind = "news"

// CanvasDocument is the publisher's view of a platform canvas.
type CanvasDocument struct {
	Channel    ChannelRef   `json:"channel"`
	Kind       DocumentKind `json:"kind"`
	DocumentID string       `json:"document_id"`
	Revision   int          `json:"revision"`
	Created    bool         `json:"created"`
	Unchanged  bool         `json:"unchanged"`
}
