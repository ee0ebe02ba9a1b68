// Package learning captures reusable insights from agent runs and retrieves
// them for later prompts. A vector knowledge store is used when one is
// configured; the local SQLite table is the fallback.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/lore/internal/metrics"
	"github.com/kalambet/lore/internal/retrieval"
	"github.com/kalambet/lore/internal/storage"
)

// DefaultSearchLimit is used when a caller passes a non-positive limit.
const DefaultSearchLimit = 5

// FallbackBackend names the local store in user-facing messages.
const FallbackBackend = "SQLite"

// resyncBatch is how many local rows Resync copies per round.
const resyncBatch = 64

// ErrVectorUnavailable is returned by Put when no vector store is configured.
var ErrVectorUnavailable = errors.New("vector store unavailable")

// Options tunes fallback store behavior.
type Options struct {
	// FallbackDedup makes PutFallback skip titles that already exist.
	FallbackDedup bool
	// CaseSensitive switches fallback substring search to exact case.
	CaseSensitive bool
}

// Outcome describes where a learning ended up.
type Outcome struct {
	Backend string
	Skipped bool
	ID      int64 // fallback row id, zero for vector writes
}

// Memory is the learning store. Whether the vector backend is used is
// decided once at construction and never changes.
type Memory struct {
	store   *storage.Store
	vector  retrieval.KnowledgeStore
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMemory creates a Memory. vector may be nil, in which case every
// operation uses the local store.
func NewMemory(store *storage.Store, vector retrieval.KnowledgeStore, opts Options, m *metrics.Metrics) *Memory {
	m.SetVectorAvailable(vector != nil)
	return &Memory{
		store:   store,
		vector:  vector,
		opts:    opts,
		metrics: m,
		logger:  slog.Default().With("component", "learning"),
	}
}

// VectorAvailable reports whether a vector store was configured at startup.
func (m *Memory) VectorAvailable() bool {
	return m.vector != nil
}

// Backend names the active primary store.
func (m *Memory) Backend() string {
	if m.vector != nil {
		return m.vector.Backend()
	}
	return FallbackBackend
}

// Put writes l to the vector store keyed by title. An existing title is
// left untouched and reported as Skipped. Store errors are returned as is.
func (m *Memory) Put(ctx context.Context, l storage.Learning) (Outcome, error) {
	if m.vector == nil {
		return Outcome{}, ErrVectorUnavailable
	}
	text, err := encodePayload(l)
	if err != nil {
		return Outcome{}, err
	}
	added, err := m.vector.AddContent(ctx, l.Title, text, true)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Backend: m.vector.Backend(), Skipped: !added}, nil
}

// PutFallback appends l to the local learnings table. Duplicate titles are
// kept unless Options.FallbackDedup is set.
func (m *Memory) PutFallback(_ context.Context, l storage.Learning) (Outcome, error) {
	if m.opts.FallbackDedup {
		saved, added, err := m.store.InsertLearningIfAbsent(l)
		if err != nil {
			return Outcome{}, fmt.Errorf("saving learning to fallback store: %w", err)
		}
		return Outcome{Backend: FallbackBackend, Skipped: !added, ID: saved.ID}, nil
	}
	saved, err := m.store.InsertLearning(l)
	if err != nil {
		return Outcome{}, fmt.Errorf("saving learning to fallback store: %w", err)
	}
	return Outcome{Backend: FallbackBackend, ID: saved.ID}, nil
}

// Search returns learnings relevant to query, at most limit. The vector
// store ranks by relevance; the fallback returns substring matches most
// recent first.
func (m *Memory) Search(ctx context.Context, query string, limit int) ([]storage.Learning, error) {
	if m.vector == nil {
		return m.SearchFallback(ctx, query, limit)
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	start := time.Now()
	docs, err := m.vector.Search(ctx, query, limit)
	m.metrics.RecordSearch(m.vector.Backend(), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("searching vector store: %w", err)
	}

	out := make([]storage.Learning, 0, len(docs))
	for _, d := range docs {
		l, err := decodePayload(d.Content)
		if err != nil {
			// Entries not written by lore keep their raw text.
			m.logger.Debug("non-learning document in vector store", "name", d.Name, "error", err)
			l = storage.Learning{Title: d.Name, Learning: d.Content, CreatedAt: d.CreatedAt}
		}
		out = append(out, l)
	}
	return out, nil
}

// SearchFallback always queries the local store.
func (m *Memory) SearchFallback(_ context.Context, query string, limit int) ([]storage.Learning, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	start := time.Now()
	results, err := m.store.SearchLearnings(query, limit, m.opts.CaseSensitive)
	m.metrics.RecordSearch("sqlite", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("searching fallback store: %w", err)
	}
	return results, nil
}

// Resync copies learnings that exist only in the local store into the
// vector store and returns how many documents were added. Titles the vector
// store already holds are skipped. Rows are marked synced batch by batch, so
// an interrupted run resumes where it stopped.
func (m *Memory) Resync(ctx context.Context) (int, error) {
	if m.vector == nil {
		return 0, ErrVectorUnavailable
	}

	var added int
	for {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		rows, err := m.store.UnsyncedLearnings(resyncBatch)
		if err != nil {
			return added, fmt.Errorf("loading unsynced learnings: %w", err)
		}
		if len(rows) == 0 {
			return added, nil
		}

		items := make([]retrieval.Content, len(rows))
		ids := make([]int64, len(rows))
		for i, l := range rows {
			text, err := encodePayload(l)
			if err != nil {
				return added, err
			}
			items[i] = retrieval.Content{Name: l.Title, Text: text}
			ids[i] = l.ID
		}

		n, err := m.vector.AddContents(ctx, items)
		if err != nil {
			return added, fmt.Errorf("copying learnings to %s: %w", m.vector.Backend(), err)
		}
		added += n
		if err := m.store.MarkLearningsSynced(ids, time.Now()); err != nil {
			return added, fmt.Errorf("marking learnings synced: %w", err)
		}
		m.logger.Debug("resynced learnings", "rows", len(rows), "added", n)
	}
}
