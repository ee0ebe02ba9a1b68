package retrieval

import (
	"context"
	"fmt"
	"strings"

	chromem "github.com/philippgille/chromem-go"
)

// Options selects and configures a KnowledgeStore.
type Options struct {
	// URL is postgres://..., postgresql://..., chromem:memory or chromem:<dir>.
	URL        string
	Table      string
	SearchMode string
}

// Open builds the KnowledgeStore named by opts.URL. It verifies the
// embedder can produce vectors, so a missing model or unreachable model
// server fails here rather than on first use.
func Open(ctx context.Context, opts Options, embedder *Embedder) (KnowledgeStore, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, ErrNotConfigured
	}
	table := opts.Table
	if table == "" {
		table = "agent_learnings"
	}

	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPgVectorStore(ctx, url, table, embedder, opts.SearchMode)

	case strings.HasPrefix(url, "chromem:"):
		if _, err := embedder.Dimensions(ctx); err != nil {
			return nil, fmt.Errorf("probing embedding model: %w", err)
		}
		path := strings.TrimPrefix(url, "chromem:")
		if path == "memory" || path == "" {
			return NewChromemStore(chromem.NewDB(), table, embedder, opts.SearchMode)
		}
		db, err := chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem database at %s: %w", path, err)
		}
		s, err := NewChromemStore(db, table, embedder, opts.SearchMode)
		if err != nil {
			return nil, err
		}
		s.persist = true
		return s, nil
	}

	return nil, fmt.Errorf("unsupported vector URL %q", redactURL(url))
}

// redactURL strips credentials from connection strings before logging.
func redactURL(u string) string {
	at := strings.LastIndex(u, "@")
	scheme := strings.Index(u, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return u
	}
	return u[:scheme+3] + "***" + u[at:]
}
