package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTrigger(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		corr     string
		wantKind apperr.Kind
		want     TriggerResponse
	}{
		{name: "immediate", status: 200, body: `{"result":"42"}`, want: TriggerResponse{Result: "42"}},
		{name: "deferred", status: 202, body: `{"correlation_id":"abc"}`, want: TriggerResponse{CorrelationID: "abc"}},
		{name: "accepted keeps request id", status: 202, body: ``, corr: "mine", want: TriggerResponse{CorrelationID: "mine"}},
		{name: "empty body", status: 200, body: ``, wantKind: apperr.KindBackend},
		{name: "rate limited", status: 429, body: `slow down`, wantKind: apperr.KindRateLimited},
		{name: "forbidden", status: 403, body: `no`, wantKind: apperr.KindUnauthorized},
		{name: "server error", status: 500, body: `boom`, wantKind: apperr.KindBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got TriggerRequest
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer secret" {
					t.Errorf("authorization = %q", r.Header.Get("Authorization"))
				}
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient(server.URL, "secret", 5*time.Second, discardLogger())
			resp, err := c.Trigger(context.Background(), TriggerRequest{Question: "why?", ChannelID: "C1", MessageID: "1.0", UserID: "U1", CorrelationID: tt.corr})
			if tt.wantKind != "" {
				if apperr.KindOf(err) != tt.wantKind {
					t.Fatalf("kind = %s (err %v), want %s", apperr.KindOf(err), err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("trigger: %v", err)
			}
			if *resp != tt.want {
				t.Errorf("response = %+v, want %+v", *resp, tt.want)
			}
			if got.Question != "why?" || got.ChannelID != "C1" || got.MessageID != "1.0" || got.UserID != "U1" || got.CorrelationID != tt.corr {
				t.Errorf("request = %+v", got)
			}
		})
	}
}

func TestTriggerNotConfigured(t *testing.T) {
	c := NewClient("", "", time.Second, discardLogger())
	_, err := c.Trigger(context.Background(), TriggerRequest{Question: "q"})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

type recorder struct {
	mu        sync.Mutex
	delivered []Result
	pending   []Pending
	err       error
}

func (r *recorder) deliver(_ context.Context, p Pending, res Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, res)
	r.pending = append(r.pending, p)
	return r.err
}

func TestRelayResolve(t *testing.T) {
	rec := &recorder{}
	relay := NewRelay(time.Minute, rec.deliver, discardLogger())
	relay.Register("abc", Pending{ChannelID: "C1", ThreadTS: "1.0", UserID: "U1"})

	if err := relay.Resolve(context.Background(), Result{CorrelationID: "abc", Result: "answer"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(rec.delivered) != 1 || rec.pending[0].ThreadTS != "1.0" {
		t.Fatalf("delivered = %+v", rec.delivered)
	}
	if relay.Len() != 0 {
		t.Errorf("pending = %d, want 0", relay.Len())
	}

	// A second result for the same id is unknown.
	err := relay.Resolve(context.Background(), Result{CorrelationID: "abc", Result: "again"})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if len(rec.delivered) != 1 {
		t.Errorf("delivered %d times", len(rec.delivered))
	}
}

func TestRelayCancel(t *testing.T) {
	rec := &recorder{}
	relay := NewRelay(time.Minute, rec.deliver, discardLogger())
	relay.Register("abc", Pending{ChannelID: "C1"})
	relay.Cancel("abc")
	relay.Cancel("missing")

	if relay.Len() != 0 {
		t.Errorf("pending = %d, want 0", relay.Len())
	}
	if err := relay.Resolve(context.Background(), Result{CorrelationID: "abc", Result: "late"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRelayUnknownAndInvalid(t *testing.T) {
	rec := &recorder{}
	relay := NewRelay(time.Minute, rec.deliver, discardLogger())

	if err := relay.Resolve(context.Background(), Result{CorrelationID: "nope"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown: err = %v", err)
	}
	if err := relay.Resolve(context.Background(), Result{}); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("missing id: err = %v", err)
	}
	if len(rec.delivered) != 0 {
		t.Error("nothing should be delivered")
	}
}

func TestRelayExpiry(t *testing.T) {
	rec := &recorder{}
	relay := NewRelay(time.Minute, rec.deliver, discardLogger())
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	relay.now = func() time.Time { return now }

	relay.Register("old", Pending{ChannelID: "C1"})
	relay.Register("new", Pending{ChannelID: "C2"})
	now = now.Add(45 * time.Second)
	relay.Register("newer", Pending{ChannelID: "C3"})
	now = now.Add(30 * time.Second)

	if n := relay.Sweep(); n != 2 {
		t.Errorf("swept = %d, want 2", n)
	}
	if relay.Len() != 1 {
		t.Errorf("pending = %d, want 1", relay.Len())
	}
	if err := relay.Resolve(context.Background(), Result{CorrelationID: "newer", Result: "ok"}); err != nil {
		t.Errorf("resolve newer: %v", err)
	}
}

func TestRelayHandleMessage(t *testing.T) {
	rec := &recorder{}
	relay := NewRelay(time.Minute, rec.deliver, discardLogger())
	relay.Register("abc", Pending{ChannelID: "C1"})

	relay.HandleMessage(SubjectResult, []byte(`not json`))
	relay.HandleMessage(SubjectResult, []byte(`{"correlation_id":"zzz","result":"x"}`))
	relay.HandleMessage(SubjectResult, []byte(`{"correlation_id":"abc","result":"done"}`))

	if len(rec.delivered) != 1 || rec.delivered[0].Result != "done" {
		t.Fatalf("delivered = %+v", rec.delivered)
	}
}

func TestRelayDeliverError(t *testing.T) {
	rec := &recorder{err: errors.New("post failed")}
	relay := NewRelay(time.Minute, rec.deliver, discardLogger())
	relay.Register("abc", Pending{ChannelID: "C1"})

	err := relay.Resolve(context.Background(), Result{CorrelationID: "abc", Result: "x"})
	if err == nil || errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want delivery error", err)
	}
}
