// Package dispatcher turns slash commands and mentions into background
// tasks. Handlers return the acknowledgment right away; the work runs on the
// worker pool and reports back with follow-up messages.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
	"github.com/MikeSquared-Agency/scribe/internal/model"
	"github.com/MikeSquared-Agency/scribe/internal/pipeline"
	"github.com/MikeSquared-Agency/scribe/internal/slack"
	"github.com/MikeSquared-Agency/scribe/internal/workflow"
)

const (
	CommandUpdateNews = "/update-news-canvas"
	CommandBackup     = "/backup"
	CommandQuestion   = "/question"

	maxBackupDays = 30
	thinking      = "Give me a sec to think about it. :rainbow:"
)

type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Backup(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

type Poster interface {
	PostMessage(ctx context.Context, channel, text, threadTS string) (string, error)
}

type Trigger interface {
	Trigger(ctx context.Context, req workflow.TriggerRequest) (*workflow.TriggerResponse, error)
}

// Registrar holds questions whose answers arrive later.
type Registrar interface {
	Register(correlationID string, p workflow.Pending)
	Cancel(correlationID string)
}

type Config struct {
	NewsDays int
}

// Ack is the immediate response to a slash command.
type Ack struct {
	Text      string
	Ephemeral bool
	TaskID    uuid.UUID
}

type Dispatcher struct {
	pool    *Pool
	runner  Runner
	poster  Poster
	trigger Trigger
	pending Registrar
	cfg     Config
	logger  *slog.Logger
}

func New(pool *Pool, runner Runner, poster Poster, trigger Trigger, pending Registrar, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.NewsDays <= 0 {
		cfg.NewsDays = 5
	}
	return &Dispatcher{
		pool:    pool,
		runner:  runner,
		poster:  poster,
		trigger: trigger,
		pending: pending,
		cfg:     cfg,
		logger:  logger,
	}
}

// HandleCommand validates cmd, queues its work and returns the
// acknowledgment. It never waits for the work itself.
func (d *Dispatcher) HandleCommand(cmd slack.SlashCommand) Ack {
	d.logger.Info("slash command received", "command", cmd.Command, "user", cmd.UserID, "channel", cmd.ChannelID)

	switch cmd.Command {
	case CommandUpdateNews:
		return d.updateNews(cmd)
	case CommandBackup:
		return d.backup(cmd)
	case CommandQuestion:
		question := slack.StripUserMentions(cmd.Text)
		if question == "" {
			return Ack{Text: "Usage: /question <your question>", Ephemeral: true}
		}
		return d.question(question, cmd.ChannelID, cmd.UserID, "")
	default:
		return Ack{Text: fmt.Sprintf("Unknown command %s", cmd.Command), Ephemeral: true}
	}
}

// HandleMention answers an app_mention through the question path.
func (d *Dispatcher) HandleMention(ev slack.InnerEvent) {
	if ev.BotID != "" || ev.Subtype != "" || ev.User == "" {
		return
	}
	question := slack.StripUserMentions(ev.Text)
	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.TS
	}

	if question == "" {
		hint := fmt.Sprintf("Hello <@%s>, ask me a question after the mention or use a slash command:\n```/question what did we decide about the release?```", ev.User)
		d.submit("mention-hint", func(ctx context.Context) error {
			_, err := d.poster.PostMessage(ctx, ev.Channel, hint, threadTS)
			return err
		})
		return
	}
	d.question(question, ev.Channel, ev.User, threadTS)
}

// SubmitRun queues a full pipeline run.
func (d *Dispatcher) SubmitRun(name string, req pipeline.Request) (uuid.UUID, error) {
	return d.pool.Submit(name, func(ctx context.Context) error {
		_, err := d.runner.Run(ctx, req)
		return err
	}, nil)
}

// SubmitBackup queues an extract-and-save run.
func (d *Dispatcher) SubmitBackup(name string, req pipeline.Request) (uuid.UUID, error) {
	return d.pool.Submit(name, func(ctx context.Context) error {
		_, err := d.runner.Backup(ctx, req)
		return err
	}, nil)
}

func (d *Dispatcher) updateNews(cmd slack.SlashCommand) Ack {
	parts := strings.Fields(cmd.Text)
	if len(parts) < 1 {
		return Ack{Text: "Usage: /update-news-canvas <channel_name> [days]", Ephemeral: true}
	}
	days := d.cfg.NewsDays
	if len(parts) > 1 {
		n, msg := parseDays(parts[1])
		if msg != "" {
			return Ack{Text: msg, Ephemeral: true}
		}
		days = n
	}

	id, err := d.SubmitRun("update-news-canvas "+parts[0], pipeline.Request{
		Channel:       parts[0],
		Days:          days,
		Kind:          model.KindNews,
		Threads:       true,
		NotifyChannel: cmd.ChannelID,
		RequestedBy:   cmd.UserID,
	})
	if err != nil {
		return d.rejected(err)
	}
	return Ack{Text: thinking, TaskID: id}
}

func (d *Dispatcher) backup(cmd slack.SlashCommand) Ack {
	parts := strings.Fields(cmd.Text)
	if len(parts) < 2 {
		return Ack{Text: "Invalid command format. Use: /backup #channel_name days", Ephemeral: true}
	}
	days, msg := parseDays(parts[1])
	if msg != "" {
		return Ack{Text: msg, Ephemeral: true}
	}

	ref := parts[0]
	name := ref
	if _, n, ok := slack.ParseChannelMention(ref); ok && n != "" {
		name = n
	}
	name = strings.TrimPrefix(name, "#")

	// The backup file and its status go to the requester's DM.
	req := pipeline.Request{
		Channel:       ref,
		Days:          days,
		Threads:       true,
		NotifyChannel: cmd.UserID,
		RequestedBy:   cmd.UserID,
	}
	id, err := d.SubmitBackup("backup "+ref, req)
	if err != nil {
		return d.rejected(err)
	}
	return Ack{
		Text:   fmt.Sprintf("Starting backup of #%s for the last %d days. This may take a few moments...", name, days),
		TaskID: id,
	}
}

// question posts the "asked" message, triggers the workflow and either
// answers right away or registers the pending answer.
func (d *Dispatcher) question(question, channel, user, threadTS string) Ack {
	id, err := d.pool.Submit("question", func(ctx context.Context) error {
		return d.ask(ctx, question, channel, user, threadTS)
	}, nil)
	if err != nil {
		return d.rejected(err)
	}
	return Ack{Text: fmt.Sprintf("Looking into \"%s\"", question), Ephemeral: true, TaskID: id}
}

func (d *Dispatcher) ask(ctx context.Context, question, channel, user, threadTS string) error {
	asked := fmt.Sprintf("<@%s> asked \"%s\"\n%s", user, question, thinking)
	ts, err := d.poster.PostMessage(ctx, channel, asked, threadTS)
	if err != nil {
		return fmt.Errorf("post question: %w", err)
	}
	reply := threadTS
	if reply == "" {
		reply = ts
	}

	// Register first: the workflow may answer before Trigger returns.
	corr := uuid.NewString()
	pending := workflow.Pending{
		ChannelID: channel,
		ThreadTS:  reply,
		UserID:    user,
		Question:  question,
	}
	d.pending.Register(corr, pending)

	resp, err := d.trigger.Trigger(ctx, workflow.TriggerRequest{
		Question:      question,
		ChannelID:     channel,
		MessageID:     ts,
		UserID:        user,
		CorrelationID: corr,
	})
	if err != nil {
		d.pending.Cancel(corr)
		if _, perr := d.poster.PostMessage(ctx, channel, apperr.Notice(err), reply); perr != nil {
			d.logger.Warn("failed to post failure notice", "channel", channel, "error", perr)
		}
		return fmt.Errorf("trigger question workflow: %w", err)
	}

	if resp.Result != "" {
		d.pending.Cancel(corr)
		_, err := d.poster.PostMessage(ctx, channel, fmt.Sprintf("<@%s> %s", user, resp.Result), reply)
		return err
	}
	if resp.CorrelationID != "" && resp.CorrelationID != corr {
		d.pending.Register(resp.CorrelationID, pending)
		d.pending.Cancel(corr)
	}
	return nil
}

func (d *Dispatcher) submit(name string, run func(ctx context.Context) error) {
	if _, err := d.pool.Submit(name, run, nil); err != nil {
		d.logger.Warn("dropped task", "task", name, "error", err)
	}
}

func (d *Dispatcher) rejected(err error) Ack {
	d.logger.Error("failed to queue task", "error", err)
	return Ack{Text: apperr.Notice(err), Ephemeral: true}
}

// DeliverTo posts asynchronous workflow answers with poster.
func DeliverTo(poster Poster) workflow.DeliverFunc {
	return func(ctx context.Context, p workflow.Pending, r workflow.Result) error {
		text := fmt.Sprintf("<@%s> %s", p.UserID, r.Result)
		if r.Error != "" {
			text = apperr.Notice(fmt.Errorf("workflow: %s: %w", r.Error, apperr.ErrBackend))
		}
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		_, err := poster.PostMessage(ctx, p.ChannelID, text, p.ThreadTS)
		return err
	}
}

// parseDays returns the day count or the message explaining why s is not one.
func parseDays(s string) (int, string) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, "Invalid number of days. Please specify a number between 1 and 30."
	}
	if n <= 0 || n > maxBackupDays {
		return 0, "Please specify a number of days between 1 and 30."
	}
	return n, ""
}
