package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Task is one unit of background work.
type Task struct {
	ID       uuid.UUID
	Name     string
	Run      func(ctx context.Context) error
	OnDone   func(err error)
	Enqueued time.Time
}

// Pool runs tasks on a fixed number of workers from an unbounded FIFO queue.
// Submit never blocks on busy workers.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Task
	closed bool

	ctx         context.Context
	cancel      context.CancelFunc
	taskTimeout time.Duration
	wg          sync.WaitGroup
	running     atomic.Int32
	logger      *slog.Logger
}

func NewPool(workers int, taskTimeout time.Duration, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:         ctx,
		cancel:      cancel,
		taskTimeout: taskTimeout,
		logger:      logger,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Submit queues run and returns its task id. onDone, if set, is called with
// the task's result on the worker goroutine.
func (p *Pool) Submit(name string, run func(ctx context.Context) error, onDone func(err error)) (uuid.UUID, error) {
	t := &Task{ID: uuid.New(), Name: name, Run: run, OnDone: onDone, Enqueued: time.Now()}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return uuid.Nil, ErrPoolClosed
	}
	p.queue = append(p.queue, t)
	depth := len(p.queue)
	p.mu.Unlock()
	p.cond.Signal()

	p.logger.Debug("task queued", "task_id", t.ID, "task", name, "queue_depth", depth)
	return t.ID, nil
}

// Stats reports queued and running task counts.
func (p *Pool) Stats() (queued, running int) {
	p.mu.Lock()
	queued = len(p.queue)
	p.mu.Unlock()
	return queued, int(p.running.Load())
}

// Close stops accepting tasks and waits for queued and running tasks to
// finish. If ctx ends first, running tasks are cancelled and Close returns
// ctx.Err() once the workers exit.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) next() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil
	}
	t := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return t
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for {
		t := p.next()
		if t == nil {
			return
		}
		p.execute(n, t)
	}
}

func (p *Pool) execute(worker int, t *Task) {
	p.running.Add(1)
	defer p.running.Add(-1)

	ctx := p.ctx
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("task panicked", "task_id", t.ID, "task", t.Name, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("task %s panicked: %v", t.Name, r)
			}
		}()
		return t.Run(ctx)
	}()

	p.logger.Info("task finished",
		"task_id", t.ID,
		"task", t.Name,
		"worker", worker,
		"waited", start.Sub(t.Enqueued).String(),
		"duration", time.Since(start).String(),
		"ok", err == nil,
	)
	if t.OnDone != nil {
		t.OnDone(err)
	}
}
