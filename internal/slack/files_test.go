package slack

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
)

func TestUploadFile_ToUserDM(t *testing.T) {
	var (
		mu       sync.Mutex
		calls    []string
		uploaded []byte
		complete struct {
			Files []struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"files"`
			ChannelID      string `json:"channel_id"`
			InitialComment string `json:"initial_comment"`
		}
	)
	var c *Client
	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/conversations.open":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["users"] != "U42" {
				t.Errorf("open users = %q", body["users"])
			}
			w.Write([]byte(`{"ok":true,"channel":{"id":"D42"}}`))
		case "/files.getUploadURLExternal":
			r.ParseForm()
			if r.Form.Get("filename") != "backup_general.json" || r.Form.Get("length") != "13" {
				t.Errorf("unexpected form: %v", r.Form)
			}
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "upload_url": c.baseURL + "upload/F77", "file_id": "F77"})
		case "/upload/F77":
			uploaded, _ = io.ReadAll(r.Body)
		case "/files.completeUploadExternal":
			json.NewDecoder(r.Body).Decode(&complete)
			w.Write([]byte(`{"ok":true}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	id, err := c.UploadFile(context.Background(), Upload{
		Channel:        "U42",
		Filename:       "backup_general.json",
		Title:          "Channel Backup for #general",
		InitialComment: "here you go",
		Content:        []byte(`{"events":[]}`),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if id != "F77" {
		t.Errorf("file id = %q", id)
	}
	if string(uploaded) != `{"events":[]}` {
		t.Errorf("uploaded %q", uploaded)
	}
	if complete.ChannelID != "D42" || complete.InitialComment != "here you go" ||
		len(complete.Files) != 1 || complete.Files[0].ID != "F77" || complete.Files[0].Title != "Channel Backup for #general" {
		t.Errorf("complete payload = %+v", complete)
	}
	want := []string{"/conversations.open", "/files.getUploadURLExternal", "/upload/F77", "/files.completeUploadExternal"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}
}

func TestUploadFile_UploadRejected(t *testing.T) {
	var c *Client
	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files.getUploadURLExternal":
			json.NewEncoder(w).Encode(map[string]any{"ok": true, "upload_url": c.baseURL + "upload/F1", "file_id": "F1"})
		case "/upload/F1":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	_, err := c.UploadFile(context.Background(), Upload{Channel: "C1", Filename: "f.json", Content: []byte("x")})
	if !errors.Is(err, apperr.ErrBackend) {
		t.Errorf("expected ErrBackend, got %v", err)
	}
}
