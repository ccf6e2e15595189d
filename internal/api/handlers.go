package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
	"github.com/MikeSquared-Agency/scribe/internal/model"
	"github.com/MikeSquared-Agency/scribe/internal/pipeline"
	"github.com/MikeSquared-Agency/scribe/internal/slack"
	"github.com/MikeSquared-Agency/scribe/internal/workflow"
)

type commandResponse struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

// slackCommand handles POST /slack/commands. The response is the
// acknowledgment; the work itself runs on the pool.
func (s *Server) slackCommand(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid form"))
		return
	}
	cmd, err := slack.ParseSlashCommand(r.PostForm)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	ack := s.deps.Dispatcher.HandleCommand(cmd)
	resp := commandResponse{ResponseType: "in_channel", Text: ack.Text}
	if ack.Ephemeral {
		resp.ResponseType = "ephemeral"
	}
	writeJSON(w, http.StatusOK, resp)
}

// slackEvent handles POST /slack/events.
func (s *Server) slackEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("unreadable body"))
		return
	}
	env, ev, err := slack.ParseEventEnvelope(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	switch env.Type {
	case "url_verification":
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	case "event_callback":
	default:
		w.WriteHeader(http.StatusOK)
		return
	}

	// Deliveries are acknowledged at once, so a retry means the first one
	// was already queued.
	if r.Header.Get("X-Slack-Retry-Num") != "" {
		s.logger.Info("ignoring slack event retry", "event_id", env.EventID, "retry", r.Header.Get("X-Slack-Retry-Num"))
		w.WriteHeader(http.StatusOK)
		return
	}

	if ev != nil && ev.Type == "app_mention" {
		s.deps.Dispatcher.HandleMention(*ev)
	} else if ev != nil {
		s.logger.Debug("ignoring slack event", "type", ev.Type)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) authTest(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Slack.AuthTest(r.Context())
	if err != nil {
		s.logger.Error("auth test failed", "error", err)
		writeJSON(w, statusFor(err), errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// workflowCallback handles POST /workflow/callback with an asynchronous
// workflow result.
func (s *Server) workflowCallback(w http.ResponseWriter, r *http.Request) {
	var res workflow.Result
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&res); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON"))
		return
	}
	if err := s.deps.Relay.Resolve(r.Context(), res); err != nil {
		writeJSON(w, statusFor(err), errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

type runRequest struct {
	Channel       string `json:"channel"`
	Days          int    `json:"days"`
	Kind          string `json:"kind,omitempty"`
	Threads       *bool  `json:"threads,omitempty"`
	Budget        int    `json:"budget,omitempty"`
	NotifyChannel string `json:"notify_channel,omitempty"`
}

func (rr runRequest) pipelineRequest() pipeline.Request {
	threads := true
	if rr.Threads != nil {
		threads = *rr.Threads
	}
	return pipeline.Request{
		Channel:       rr.Channel,
		Days:          rr.Days,
		Kind:          model.DocumentKind(rr.Kind),
		Threads:       threads,
		Budget:        rr.Budget,
		NotifyChannel: rr.NotifyChannel,
		RequestedBy:   "api",
	}
}

func decodeRun(w http.ResponseWriter, r *http.Request) (runRequest, bool) {
	var rr runRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&rr); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON"))
		return rr, false
	}
	if rr.Channel == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("channel is required"))
		return rr, false
	}
	if rr.Days < 0 || rr.Days > 365 {
		writeJSON(w, http.StatusBadRequest, errorBody("days must be between 0 and 365"))
		return rr, false
	}
	if rr.Budget < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("budget must not be negative"))
		return rr, false
	}
	return rr, true
}

// pipelineRun handles POST /api/v1/pipeline/run.
func (s *Server) pipelineRun(w http.ResponseWriter, r *http.Request) {
	rr, ok := decodeRun(w, r)
	if !ok {
		return
	}
	id, err := s.deps.Dispatcher.SubmitRun("api run "+rr.Channel, rr.pipelineRequest())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id.String()})
}

// pipelineBackup handles POST /api/v1/pipeline/backup.
func (s *Server) pipelineBackup(w http.ResponseWriter, r *http.Request) {
	rr, ok := decodeRun(w, r)
	if !ok {
		return
	}
	id, err := s.deps.Dispatcher.SubmitBackup("api backup "+rr.Channel, rr.pipelineRequest())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id.String()})
}

// latestBackup handles GET /api/v1/backups/{channel}/latest.
func (s *Server) latestBackup(w http.ResponseWriter, r *http.Request) {
	channel := model.ChannelRef(chi.URLParam(r, "channel"))
	art, err := s.deps.Backups.Latest(r.Context(), channel)
	s.writeBackup(w, channel, art, err)
}

// backupByHash handles GET /api/v1/backups/{channel}/{hash}.
func (s *Server) backupByHash(w http.ResponseWriter, r *http.Request) {
	channel := model.ChannelRef(chi.URLParam(r, "channel"))
	art, err := s.deps.Backups.FindByHash(r.Context(), channel, chi.URLParam(r, "hash"))
	s.writeBackup(w, channel, art, err)
}

func (s *Server) writeBackup(w http.ResponseWriter, channel model.ChannelRef, art *model.BackupArtifact, err error) {
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			s.logger.Error("backup lookup failed", "channel", channel, "error", err)
		}
		writeJSON(w, statusFor(err), errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound, apperr.KindChannelNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusBadGateway
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
