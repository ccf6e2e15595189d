package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
)

// SubjectResult is the NATS subject workflow results arrive on.
const SubjectResult = "scribe.workflow.result"

// Result is an asynchronous answer for an earlier trigger.
type Result struct {
	CorrelationID string `json:"correlation_id"`
	Result        string `json:"result"`
	Error         string `json:"error,omitempty"`
}

// Pending is where a result for a correlation id should be delivered.
type Pending struct {
	ChannelID  string
	ThreadTS   string
	UserID     string
	Question   string
	Registered time.Time
}

// DeliverFunc posts a resolved result.
type DeliverFunc func(ctx context.Context, p Pending, r Result) error

// Relay matches asynchronous workflow results to their pending requests.
type Relay struct {
	mu      sync.Mutex
	pending map[string]Pending
	ttl     time.Duration
	deliver DeliverFunc
	logger  *slog.Logger
	now     func() time.Time
}

func NewRelay(ttl time.Duration, deliver DeliverFunc, logger *slog.Logger) *Relay {
	return &Relay{
		pending: make(map[string]Pending),
		ttl:     ttl,
		deliver: deliver,
		logger:  logger,
		now:     time.Now,
	}
}

func (r *Relay) Register(correlationID string, p Pending) {
	if p.Registered.IsZero() {
		p.Registered = r.now()
	}
	r.mu.Lock()
	r.pending[correlationID] = p
	r.mu.Unlock()
	r.logger.Debug("workflow result pending", "correlation_id", correlationID, "channel", p.ChannelID)
}

// Cancel drops a pending entry that will not be answered asynchronously.
func (r *Relay) Cancel(correlationID string) {
	r.mu.Lock()
	delete(r.pending, correlationID)
	r.mu.Unlock()
}

// Resolve delivers res to its pending request. Unknown or expired ids return
// an error wrapping apperr.ErrNotFound.
func (r *Relay) Resolve(ctx context.Context, res Result) error {
	if res.CorrelationID == "" {
		return fmt.Errorf("workflow result missing correlation id: %w", apperr.ErrInvalidInput)
	}

	r.mu.Lock()
	p, ok := r.pending[res.CorrelationID]
	if ok {
		delete(r.pending, res.CorrelationID)
	}
	r.mu.Unlock()

	if !ok || r.expired(p) {
		r.logger.Warn("workflow result for unknown correlation id", "correlation_id", res.CorrelationID)
		return fmt.Errorf("correlation id %s: %w", res.CorrelationID, apperr.ErrNotFound)
	}

	if err := r.deliver(ctx, p, res); err != nil {
		return fmt.Errorf("deliver workflow result %s: %w", res.CorrelationID, err)
	}
	r.logger.Info("workflow result delivered", "correlation_id", res.CorrelationID, "channel", p.ChannelID)
	return nil
}

// HandleMessage is the NATS handler for SubjectResult.
func (r *Relay) HandleMessage(subject string, data []byte) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		r.logger.Error("failed to parse workflow result", "subject", subject, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.Resolve(ctx, res); err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		r.logger.Error("failed to resolve workflow result", "correlation_id", res.CorrelationID, "error", err)
	}
}

// Sweep drops expired pending entries and returns how many were removed.
func (r *Relay) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, p := range r.pending {
		if r.expired(p) {
			delete(r.pending, id)
			n++
		}
	}
	if n > 0 {
		r.logger.Info("expired pending workflow results", "count", n)
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Relay) expired(p Pending) bool {
	return r.ttl > 0 && r.now().Sub(p.Registered) > r.ttl
}
