package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kalambet/lore/internal/learning"
	"github.com/kalambet/lore/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	maxSearchLimit      = 50
)

func queryInt(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// handleHistory serves one session's messages, or the whole log when no
// session is named.
func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", defaultHistoryLimit, maxHistoryLimit)
		session := strings.TrimSpace(r.URL.Query().Get("session"))
		msgs, err := deps.Chat.History(r.Context(), session, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading history: %v", err)
			return
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

// handleCapture always answers 200: the confirmation or rejection text is
// the result, exactly as the agent tool sees it.
func handleCapture(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in learning.CaptureInput
		if !decodeBody(w, r, &in) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": deps.Capturer.Capture(r.Context(), in)})
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := queryInt(r, "limit", learning.DefaultSearchLimit, maxSearchLimit)

		results, err := deps.Searcher.Search(r.Context(), q, limit)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		if results == nil {
			results = []storage.Learning{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"backend": deps.Searcher.Backend(),
			"results": results,
		})
	}
}
