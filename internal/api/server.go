// Package api exposes the chat service and the learning store over HTTP,
// Server-Sent Events, WebSocket and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/lore/internal/chat"
	"github.com/kalambet/lore/internal/learning"
	"github.com/kalambet/lore/internal/metrics"
	"github.com/kalambet/lore/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ChatService is the chat boundary. Implemented by chat.Service.
type ChatService interface {
	Submit(sessionID, text, targetID string, sink chat.Sink) error
	History(ctx context.Context, sessionID string, limit int) ([]storage.Message, error)
	SetAPIKey(key string) error
	HasAPIKey() bool
	AgentConfig() (role, instructions string, err error)
	UpdateAgentConfig(role, instructions string) error
	Theme() (string, error)
	SetTheme(theme string) error
}

// Capturer validates and stores learnings. Implemented by learning.Policy.
type Capturer interface {
	Capture(ctx context.Context, in learning.CaptureInput) string
}

// Searcher retrieves learnings. Implemented by learning.Memory.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]storage.Learning, error)
	VectorAvailable() bool
	Backend() string
}

// Deps holds dependencies for the HTTP handler.
type Deps struct {
	Chat     ChatService
	Capturer Capturer
	Searcher Searcher
	Metrics  *metrics.Metrics
	// Token protects everything except /health and /metrics when set.
	Token string
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(instrument(deps.Metrics))

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chat", handleChatSSE(deps))
		r.Get("/ws", handleChatWS(deps))
		r.Get("/history", handleHistory(deps))

		r.Post("/learnings", handleCapture(deps))
		r.Get("/learnings/search", handleSearch(deps))

		r.Get("/settings/theme", handleGetTheme(deps))
		r.Put("/settings/theme", handleSetTheme(deps))
		r.Put("/settings/api-key", handleSetAPIKey(deps))
		r.Get("/agent", handleGetAgent(deps))
		r.Put("/agent", handleSetAgent(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "ok",
			"vector_available": deps.Searcher.VectorAvailable(),
			"backend":          deps.Searcher.Backend(),
			"api_key_set":      deps.Chat.HasAPIKey(),
		})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
