// Package scheduler fires pipeline runs for configured channels on cron
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/MikeSquared-Agency/scribe/internal/config"
	"github.com/MikeSquared-Agency/scribe/internal/model"
	"github.com/MikeSquared-Agency/scribe/internal/pipeline"
)

// Submitter queues background work. Implemented by dispatcher.Pool.
type Submitter interface {
	Submit(name string, run func(ctx context.Context) error, onDone func(err error)) (uuid.UUID, error)
}

// Runner is the pipeline entry point a firing calls.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

type entry struct {
	schedule config.Schedule
	running  atomic.Bool
}

type Scheduler struct {
	cron    *cron.Cron
	pool    Submitter
	runner  Runner
	entries []*entry
	logger  *slog.Logger
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(schedules []config.Schedule, pool Submitter, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(cron.WithParser(parser)),
		pool:   pool,
		runner: runner,
		logger: logger,
	}
	for _, sc := range schedules {
		e := &entry{schedule: sc}
		if _, err := s.cron.AddFunc(sc.Spec, func() { s.fire(e) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", sc.Channel, sc.Spec, err)
		}
		s.entries = append(s.entries, e)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "entries", len(s.entries))
}

// Stop halts new firings. Runs already queued finish on the pool.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

// Next returns the next firing time of every entry.
func (s *Scheduler) Next() []time.Time {
	out := make([]time.Time, 0, len(s.entries))
	for _, ce := range s.cron.Entries() {
		out = append(out, ce.Next)
	}
	return out
}

func (s *Scheduler) fire(e *entry) {
	sc := e.schedule
	if !e.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous scheduled run still in progress, skipping", "channel", sc.Channel, "spec", sc.Spec)
		return
	}

	kind := model.DocumentKind(sc.Kind)
	if kind == "" {
		kind = model.KindNews
	}
	req := pipeline.Request{Channel: sc.Channel, Days: sc.Days, Kind: kind, Threads: true, RequestedBy: "scheduler"}

	id, err := s.pool.Submit("scheduled "+sc.Channel, func(ctx context.Context) error {
		_, err := s.runner.Run(ctx, req)
		return err
	}, func(error) { e.running.Store(false) })
	if err != nil {
		e.running.Store(false)
		s.logger.Error("failed to queue scheduled run", "channel", sc.Channel, "error", err)
		return
	}
	s.logger.Info("scheduled run queued", "channel", sc.Channel, "task_id", id)
}
