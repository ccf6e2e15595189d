package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/scribe/internal/config"
	"github.com/MikeSquared-Agency/scribe/internal/model"
	"github.com/MikeSquared-Agency/scribe/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// manualPool holds submitted tasks until the test runs them.
type manualPool struct {
	mu    sync.Mutex
	tasks []func()
	err   error
}

func (p *manualPool) Submit(_ string, run func(context.Context) error, onDone func(error)) (uuid.UUID, error) {
	if p.err != nil {
		return uuid.Nil, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, func() {
		err := run(context.Background())
		if onDone != nil {
			onDone(err)
		}
	})
	return uuid.New(), nil
}

func (p *manualPool) runAll() {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()
	for _, t := range tasks {
		t()
	}
}

type fakeRunner struct {
	reqs []pipeline.Request
}

func (f *fakeRunner) Run(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.reqs = append(f.reqs, req)
	return &pipeline.Result{}, nil
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New([]config.Schedule{{Channel: "C1", Spec: "every tuesday"}}, &manualPool{}, &fakeRunner{}, discardLogger())
	if err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestNewAcceptsSpecs(t *testing.T) {
	s, err := New([]config.Schedule{
		{Channel: "C1", Spec: "0 9 * * 1-5"},
		{Channel: "C2", Spec: "@daily"},
		{Channel: "C3", Spec: "@every 6h"},
	}, &manualPool{}, &fakeRunner{}, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(s.Next()) != 3 {
		t.Errorf("entries = %d, want 3", len(s.Next()))
	}
}

func TestFireQueuesRun(t *testing.T) {
	pool := &manualPool{}
	runner := &fakeRunner{}
	s, err := New([]config.Schedule{{Channel: "C1", Spec: "@daily", Days: 7}}, pool, runner, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	s.fire(s.entries[0])
	pool.runAll()

	if len(runner.reqs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runner.reqs))
	}
	req := runner.reqs[0]
	if req.Channel != "C1" || req.Days != 7 || req.Kind != model.KindNews || req.NotifyChannel != "" {
		t.Errorf("request = %+v", req)
	}
}

func TestFireSkipsOverlap(t *testing.T) {
	pool := &manualPool{}
	runner := &fakeRunner{}
	s, err := New([]config.Schedule{{Channel: "C1", Spec: "@hourly"}}, pool, runner, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	e := s.entries[0]

	s.fire(e)
	s.fire(e) // still queued
	pool.runAll()
	if len(runner.reqs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runner.reqs))
	}

	s.fire(e)
	pool.runAll()
	if len(runner.reqs) != 2 {
		t.Errorf("runs = %d, want 2 after the first finished", len(runner.reqs))
	}
}

func TestFireSubmitFailureResetsGuard(t *testing.T) {
	pool := &manualPool{err: errors.New("closed")}
	s, err := New([]config.Schedule{{Channel: "C1", Spec: "@hourly"}}, pool, &fakeRunner{}, discardLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.fire(s.entries[0])
	if s.entries[0].running.Load() {
		t.Error("guard should be released when the run could not be queued")
	}
}
