package hermes

import (
	"time"

	"github.com/google/uuid"
)

const (
	SubjectPipelineCompleted = "scribe.pipeline.completed"
	SubjectPipelineFailed    = "scribe.pipeline.failed"
	SubjectRegistered        = "scribe.agent.registered"
)

// Registration is published once when serve starts.
type Registration struct {
	Port      int       `json:"port"`
	Version   string    `json:"version"`
	Workers   int       `json:"workers"`
	Schedules int       `json:"schedules"`
	Timestamp time.Time `json:"timestamp"`
}

// Operation names the pipeline entry point that produced an event.
type Operation string

const (
	OperationRun    Operation = "update_canvas"
	OperationBackup Operation = "backup"
)

// PipelineEvent is published once per pipeline run, on success or failure.
type PipelineEvent struct {
	RunID          uuid.UUID `json:"run_id"`
	Operation      Operation `json:"operation"`
	Channel        string    `json:"channel"`
	ChannelName    string    `json:"channel_name,omitempty"`
	RequestedBy    string    `json:"requested_by,omitempty"`
	ArtifactID     string    `json:"artifact_id,omitempty"`
	ContentHash    string    `json:"content_hash,omitempty"`
	EventCount     int       `json:"event_count"`
	Partial        bool      `json:"partial,omitempty"`
	MissingThreads int       `json:"missing_threads,omitempty"`
	DocumentID     string    `json:"document_id,omitempty"`
	Unchanged      bool      `json:"unchanged,omitempty"`
	Skipped        bool      `json:"skipped,omitempty"`
	LLMCalls       int       `json:"llm_calls,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Error          string    `json:"error,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// Subject returns the subject the event belongs on.
func (e PipelineEvent) Subject() string {
	if e.ErrorKind != "" {
		return SubjectPipelineFailed
	}
	return SubjectPipelineCompleted
}
