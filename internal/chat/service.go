// Package chat is the boundary between a user interface and the agent: it
// accepts submissions, runs each on a background worker and reports
// progress as events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/lore/internal/agent"
	"github.com/kalambet/lore/internal/metrics"
	"github.com/kalambet/lore/internal/settings"
	"github.com/kalambet/lore/internal/storage"
)

// DefaultSession is used when a submission names no session.
const DefaultSession = "default"

// DefaultAgentRuns is how many prior exchanges the agent sees as history.
const DefaultAgentRuns = 5

// MissingAPIKeyMessage is what the UI shows for ErrMissingAPIKey.
const MissingAPIKeyMessage = "Please set your model provider API key in Settings."

var (
	// ErrMissingAPIKey blocks chat until a provider key is configured.
	ErrMissingAPIKey = errors.New("model provider API key not set")
	// ErrBusy is returned when the session already has a turn in flight.
	ErrBusy = errors.New("a response is already being generated for this session")
	// ErrEmptyInput rejects blank submissions.
	ErrEmptyInput = errors.New("message is empty")
)

// EventType names a UI event.
type EventType string

const (
	EventClear    EventType = "clear"
	EventChunk    EventType = "chunk"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// Event is one notification for the UI. TargetID echoes the bubble the
// submission asked to stream into.
type Event struct {
	Type     EventType `json:"type"`
	Content  string    `json:"content,omitempty"`
	TargetID string    `json:"target_id,omitempty"`
}

// Sink receives the events of one submission, in order, from the worker
// goroutine. The last event is always EventComplete or EventError.
type Sink func(Event)

// HistoryLog is the subset of history.Log the service needs.
type HistoryLog interface {
	Append(ctx context.Context, sessionID, role, content string) (storage.Message, error)
	Recent(ctx context.Context, sessionID string, limit int) ([]storage.Message, error)
}

// Assembler builds the degraded-mode prompt from the session's history.
type Assembler interface {
	Assemble(ctx context.Context, sessionID, userText string) (string, error)
}

// Capability reports whether vector retrieval is available.
type Capability interface {
	VectorAvailable() bool
}

// KeyHolder is the in-memory holder of the provider key (proxy.Client).
type KeyHolder interface {
	SetAPIKey(key string)
	HasAPIKey() bool
}

// Settings is the subset of settings.Manager the service needs.
type Settings interface {
	Get() (settings.Settings, error)
	Theme() (string, error)
	SetTheme(theme string) error
	SetAgentConfig(role, instructions string) error
}

// Config wires a Service.
type Config struct {
	History      HistoryLog
	Assembler    Assembler
	Memory       Capability
	Orchestrator agent.Orchestrator
	Keys         KeyHolder
	// SaveKey persists a new provider key. Optional.
	SaveKey  func(key string) error
	Settings Settings

	// Tools are offered on every turn. KnowledgeTool is added only when
	// vector retrieval is available.
	Tools         []agent.Tool
	KnowledgeTool *agent.Tool

	AgentRuns int
	Metrics   *metrics.Metrics
}

// Service runs chat turns. Workers use the context passed to NewService,
// so cancelling it stops in-flight model calls.
type Service struct {
	cfg     Config
	baseCtx context.Context
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*semaphore.Weighted

	wg sync.WaitGroup
}

// NewService creates a Service bound to ctx.
func NewService(ctx context.Context, cfg Config) *Service {
	if cfg.AgentRuns < 0 {
		cfg.AgentRuns = 0
	}
	return &Service{
		cfg:      cfg,
		baseCtx:  ctx,
		logger:   slog.Default().With("component", "chat"),
		sessions: make(map[string]*semaphore.Weighted),
	}
}

func (s *Service) session(id string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sessions[id]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.sessions[id] = sem
	}
	return sem
}

// Submit starts a chat turn for text. Configuration problems and a busy
// session are reported synchronously; everything after that arrives on
// sink.
func (s *Service) Submit(sessionID, text, targetID string, sink Sink) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	if !s.cfg.Keys.HasAPIKey() {
		return ErrMissingAPIKey
	}
	if sessionID == "" {
		sessionID = DefaultSession
	}

	sem := s.session(sessionID)
	if !sem.TryAcquire(1) {
		return ErrBusy
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sem.Release(1)
		s.run(sessionID, text, targetID, sink)
	}()
	return nil
}

// Wait blocks until all workers have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) run(sessionID, text, targetID string, sink Sink) {
	ctx := s.baseCtx
	finish := s.cfg.Metrics.TurnStarted()
	logger := s.logger.With("session", sessionID)

	fail := func(err error) {
		logger.Warn("chat turn failed", "error", err)
		sink(Event{Type: EventError, Content: err.Error(), TargetID: targetID})
		finish("error")
	}

	// The request reads history, so it is built before this turn is saved.
	req, buildErr := s.buildRequest(ctx, sessionID, text)
	if _, err := s.cfg.History.Append(ctx, sessionID, storage.RoleUser, text); err != nil {
		fail(fmt.Errorf("saving message: %w", err))
		return
	}
	if buildErr != nil {
		fail(buildErr)
		return
	}

	stream, err := s.cfg.Orchestrator.Stream(ctx, req)
	if err != nil {
		fail(err)
		return
	}

	if targetID != "" {
		sink(Event{Type: EventClear, TargetID: targetID})
	}

	var reply strings.Builder
	for c := range stream {
		switch c := c.(type) {
		case agent.TextChunk:
			if c.Content == "" {
				continue
			}
			reply.WriteString(c.Content)
			sink(Event{Type: EventChunk, Content: c.Content, TargetID: targetID})
		case agent.ErrorChunk:
			// Drain so the orchestrator goroutine can exit.
			for range stream {
			}
			fail(errors.New(c.Message))
			return
		}
	}
	if err := ctx.Err(); err != nil {
		fail(err)
		return
	}

	if reply.Len() > 0 {
		if _, err := s.cfg.History.Append(ctx, sessionID, storage.RoleAssistant, reply.String()); err != nil {
			logger.Warn("saving assistant message failed", "error", err)
		}
	}
	sink(Event{Type: EventComplete, TargetID: targetID})
	finish("ok")
}

func (s *Service) buildRequest(ctx context.Context, sessionID, text string) (agent.Request, error) {
	role, instructions := agent.DefaultRole, agent.DefaultInstructions
	if s.cfg.Settings != nil {
		if st, err := s.cfg.Settings.Get(); err != nil {
			s.logger.Warn("loading agent config failed, using defaults", "error", err)
		} else {
			role, instructions = st.AgentRole, st.AgentInstructions
		}
	}

	req := agent.Request{
		Role:         role,
		Instructions: instructions,
		SessionID:    sessionID,
		Tools:        append([]agent.Tool(nil), s.cfg.Tools...),
	}

	if !s.cfg.Memory.VectorAvailable() {
		input, err := s.cfg.Assembler.Assemble(ctx, sessionID, text)
		if err != nil {
			return agent.Request{}, fmt.Errorf("assembling context: %w", err)
		}
		req.Input = input
		return req, nil
	}

	req.Input = text
	if s.cfg.KnowledgeTool != nil {
		req.Tools = append(req.Tools, *s.cfg.KnowledgeTool)
		req.KnowledgeSearch = true
	}
	if s.cfg.AgentRuns > 0 {
		msgs, err := s.cfg.History.Recent(ctx, sessionID, 2*s.cfg.AgentRuns)
		if err != nil {
			s.logger.Warn("loading agent history failed", "error", err)
		} else {
			for _, m := range msgs {
				req.History = append(req.History, agent.Message{Role: m.Role, Content: m.Content})
			}
		}
	}
	return req, nil
}

// History returns up to limit recent messages of a session, oldest first.
// An empty sessionID returns the whole log.
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]storage.Message, error) {
	return s.cfg.History.Recent(ctx, sessionID, limit)
}

// SetAPIKey stores a new provider key and makes it effective immediately.
func (s *Service) SetAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("API key is empty")
	}
	if s.cfg.SaveKey != nil {
		if err := s.cfg.SaveKey(key); err != nil {
			return fmt.Errorf("saving API key: %w", err)
		}
	}
	s.cfg.Keys.SetAPIKey(key)
	return nil
}

// HasAPIKey reports whether chat can run.
func (s *Service) HasAPIKey() bool {
	return s.cfg.Keys.HasAPIKey()
}

// AgentConfig returns the role and instructions used for new turns.
func (s *Service) AgentConfig() (role, instructions string, err error) {
	st, err := s.cfg.Settings.Get()
	if err != nil {
		return "", "", err
	}
	return st.AgentRole, st.AgentInstructions, nil
}

// UpdateAgentConfig replaces the agent role and instructions. Turns already
// in flight keep the previous values.
func (s *Service) UpdateAgentConfig(role, instructions string) error {
	return s.cfg.Settings.SetAgentConfig(role, instructions)
}

// Theme returns the UI theme.
func (s *Service) Theme() (string, error) {
	return s.cfg.Settings.Theme()
}

// SetTheme stores the UI theme.
func (s *Service) SetTheme(theme string) error {
	return s.cfg.Settings.SetTheme(theme)
}
