package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/lore/internal/chat"
)

// SubmitRequest is the body of POST /chat and the payload of a WebSocket
// submit frame.
type SubmitRequest struct {
	Type      string `json:"type,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
	TargetID  string `json:"target_id,omitempty"`
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrMissingAPIKey):
		return http.StatusPreconditionFailed
	case errors.Is(err, chat.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, chat.ErrEmptyInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// submitMessage is the user-facing text for a rejected submission.
func submitMessage(err error) string {
	if errors.Is(err, chat.ErrMissingAPIKey) {
		return chat.MissingAPIKeyMessage
	}
	return err.Error()
}

// eventPipe hands events from a chat worker to the request goroutine. Once
// the request is gone events are dropped so the worker never blocks.
type eventPipe struct {
	ch   chan chat.Event
	done chan struct{}
	once sync.Once
}

func newEventPipe() *eventPipe {
	return &eventPipe{ch: make(chan chat.Event, 64), done: make(chan struct{})}
}

func (p *eventPipe) sink(e chat.Event) {
	select {
	case p.ch <- e:
	case <-p.done:
	}
}

func (p *eventPipe) close() {
	p.once.Do(func() { close(p.done) })
}

func terminal(e chat.Event) bool {
	return e.Type == chat.EventComplete || e.Type == chat.EventError
}

func handleChatSSE(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if !decodeBody(w, r, &req) {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		pipe := newEventPipe()
		defer pipe.close()
		if err := deps.Chat.Submit(req.SessionID, req.Text, req.TargetID, pipe.sink); err != nil {
			httpError(w, submitStatus(err), "chat_error", "%s", submitMessage(err))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-pipe.ch:
				b, err := json.Marshal(e)
				if err != nil {
					slog.Error("marshaling chat event", "error", err)
					return
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, b)
				flusher.Flush()
				if terminal(e) {
					return
				}
			}
		}
	}
}

const (
	wsReadTimeout  = 360 * time.Second
	wsPingInterval = 20 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts same-host pages, local files and loopback origins.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == r.Host
}

// safeConn serializes writes; gorilla/websocket allows one writer at a time.
type safeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (sc *safeConn) writeJSON(v any) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return sc.conn.WriteJSON(v)
}

func (sc *safeConn) ping() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func handleChatWS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response.
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		sc := &safeConn{conn: conn}
		logger := slog.Default().With("component", "ws", "remote", r.RemoteAddr)

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			return nil
		})

		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(wsPingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := sc.ping(); err != nil {
						return
					}
				}
			}
		}()

		// Worker events go straight to the socket; a closed socket just
		// makes the write fail.
		sink := func(e chat.Event) {
			if err := sc.writeJSON(e); err != nil {
				logger.Debug("dropping chat event", "type", e.Type, "error", err)
			}
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn("websocket closed", "error", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

			var req SubmitRequest
			if err := json.Unmarshal(msg, &req); err != nil {
				sc.writeJSON(chat.Event{Type: chat.EventError, Content: "invalid message format"})
				continue
			}
			if req.Type != "" && req.Type != "submit" {
				sc.writeJSON(chat.Event{Type: chat.EventError, Content: fmt.Sprintf("unknown message type %q", req.Type), TargetID: req.TargetID})
				continue
			}
			if err := deps.Chat.Submit(req.SessionID, req.Text, req.TargetID, sink); err != nil {
				sc.writeJSON(chat.Event{Type: chat.EventError, Content: submitMessage(err), TargetID: req.TargetID})
			}
		}
	}
}
