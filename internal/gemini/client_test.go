package gemini

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGenerate_ReturnsText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "test-model") {
			t.Errorf("expected model in path, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"summary text"}]}}]}`))
	}))
	defer server.Close()

	c, err := NewClient(context.Background(), "test-key", "test-model", server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	got, err := c.Generate(context.Background(), "be brief", "hello", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "summary text" {
		t.Errorf("expected summary text, got %q", got)
	}
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`))
			return
		}
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]}}]}`))
	}))
	defer server.Close()

	c, err := NewClient(context.Background(), "test-key", "test-model", server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.backoff = time.Millisecond

	got, err := c.Generate(context.Background(), "", "hello", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls.Load() != 2 {
		t.Errorf("expected ok after 2 calls, got %q after %d", got, calls.Load())
	}
}

func TestNewClient_RequiresKey(t *testing.T) {
	if _, err := NewClient(context.Background(), "", "", ""); err == nil {
		t.Error("expected error without API key")
	}
}
