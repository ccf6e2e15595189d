package api

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/slack"
)

const maxBody = 1 << 20

// BearerAuthMiddleware requires "Authorization: Bearer <token>". An empty
// token rejects every request.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if token == "" || !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SlackSignatureMiddleware verifies the request signature against the raw
// body and restores the body for the handler.
func SlackSignatureMiddleware(secret string, now func() time.Time, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, errorBody("unreadable body"))
				return
			}
			if secret == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody("signing secret not configured"))
				return
			}
			if err := slack.VerifySignature(secret, r.Header, body, now()); err != nil {
				logger.Warn("rejected unsigned slack request", "path", r.URL.Path, "error", err)
				writeJSON(w, http.StatusUnauthorized, errorBody("invalid signature"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
