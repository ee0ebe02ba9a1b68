package retrieval

import (
	"context"
	"errors"
	"time"
)

// Search modes understood by the vector backends.
const (
	ModeVector  = "vector"
	ModeKeyword = "keyword"
	ModeHybrid  = "hybrid"
)

// ErrNotConfigured is returned by Open when no vector URL is set.
var ErrNotConfigured = errors.New("vector store not configured")

// Document is one entry of a knowledge store. Name is the logical key
// used for skip-if-exists dedup.
type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Score     float32   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Content is one named text to store.
type Content struct {
	Name string
	Text string
}

// KnowledgeStore is a vector-backed document store with ranked retrieval.
type KnowledgeStore interface {
	// AddContent stores text under name. With skipIfExists, an existing
	// document of the same name is left untouched and added is false.
	AddContent(ctx context.Context, name, text string, skipIfExists bool) (added bool, err error)

	// AddContents stores several documents with one batched embedding
	// pass. Names already stored, or repeated within items, are skipped.
	AddContents(ctx context.Context, items []Content) (added int, err error)

	// Search returns at most limit documents ranked by relevance to query.
	Search(ctx context.Context, query string, limit int) ([]Document, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	// Backend names the implementation for user-facing messages.
	Backend() string

	Close() error
}

func validMode(mode string) bool {
	switch mode {
	case ModeVector, ModeKeyword, ModeHybrid:
		return true
	}
	return false
}
