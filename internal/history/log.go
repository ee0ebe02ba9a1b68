// Package history is the append-only conversation log with a retention
// policy.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/lore/internal/metrics"
	"github.com/kalambet/lore/internal/storage"
)

var (
	// ErrInvalidRole is returned by Append for roles other than user and assistant.
	ErrInvalidRole = errors.New("invalid message role")
	// ErrNoSession is returned by Append when no session is named.
	ErrNoSession = errors.New("message has no session")
)

// Retention bounds the log. Zero values disable the corresponding limit.
type Retention struct {
	MaxMessages int
	MaxAge      time.Duration
}

// MessageStore is the persistence the log needs.
type MessageStore interface {
	AppendMessage(sessionID, role, content string, createdAt time.Time) (storage.Message, error)
	RecentMessages(sessionID string, limit int) ([]storage.Message, error)
	PruneMessages(keep int) (int64, error)
	DeleteMessagesBefore(cutoff time.Time) (int64, error)
}

// Log records chat turns in insertion order. Every message belongs to a
// session; retention applies to the log as a whole.
type Log struct {
	store     MessageStore
	retention Retention
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Log over store.
func New(store MessageStore, retention Retention, m *metrics.Metrics) *Log {
	return &Log{
		store:     store,
		retention: retention,
		metrics:   m,
		now:       time.Now,
		logger:    slog.Default().With("component", "history"),
	}
}

// Append stores one message at the end of the session's log. When
// MaxMessages is set the oldest rows beyond it are pruned; a failed prune is
// logged, not returned.
func (l *Log) Append(_ context.Context, sessionID, role, content string) (storage.Message, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role != storage.RoleUser && role != storage.RoleAssistant {
		return storage.Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if sessionID == "" {
		return storage.Message{}, ErrNoSession
	}

	msg, err := l.store.AppendMessage(sessionID, role, content, l.now())
	if err != nil {
		return storage.Message{}, fmt.Errorf("appending %s message: %w", role, err)
	}

	if l.retention.MaxMessages > 0 {
		n, err := l.store.PruneMessages(l.retention.MaxMessages)
		if err != nil {
			l.logger.Warn("pruning history failed", "error", err)
		} else {
			l.metrics.RecordPruned(n)
		}
	}
	return msg, nil
}

// Recent returns at most limit of the newest messages of a session, oldest
// first. An empty sessionID reads the whole log.
func (l *Log) Recent(_ context.Context, sessionID string, limit int) ([]storage.Message, error) {
	msgs, err := l.store.RecentMessages(sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading recent history: %w", err)
	}
	return msgs, nil
}

// ExpireOld removes messages older than MaxAge. It returns zero without
// touching the store when MaxAge is unset.
func (l *Log) ExpireOld(_ context.Context) (int64, error) {
	if l.retention.MaxAge <= 0 {
		return 0, nil
	}
	n, err := l.store.DeleteMessagesBefore(l.now().Add(-l.retention.MaxAge))
	if err != nil {
		return 0, fmt.Errorf("expiring history: %w", err)
	}
	l.metrics.RecordPruned(n)
	return n, nil
}
