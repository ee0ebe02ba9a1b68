package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

// ChromemStore is an embedded KnowledgeStore backed by chromem-go. Documents
// are keyed by a name-derived UUID so skip-if-exists is a direct lookup.
type ChromemStore struct {
	db       *chromem.DB
	col      *chromem.Collection
	embedder *Embedder
	mode     string
	persist  bool

	mu sync.Mutex // serializes check-then-add in AddContent
}

// NewChromemStore opens (or creates) the named collection in db.
func NewChromemStore(db *chromem.DB, collection string, embedder *Embedder, mode string) (*ChromemStore, error) {
	if mode == "" {
		mode = ModeHybrid
	}
	if !validMode(mode) {
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
	col, err := db.GetOrCreateCollection(collection, nil, embedder.Embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", collection, err)
	}
	return &ChromemStore{db: db, col: col, embedder: embedder, mode: mode}, nil
}

func (s *ChromemStore) Backend() string {
	if s.persist {
		return "chromem, persistent"
	}
	return "chromem"
}

func docID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func (s *ChromemStore) AddContent(ctx context.Context, name, text string, skipIfExists bool) (bool, error) {
	id := docID(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if skipIfExists {
		// GetByID reports absence as an error.
		if _, err := s.col.GetByID(ctx, id); err == nil {
			return false, nil
		}
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return false, err
	}

	doc := newDocument(name, text, vec, time.Now())
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return false, fmt.Errorf("adding document %q: %w", name, err)
	}
	return true, nil
}

func (s *ChromemStore) AddContents(ctx context.Context, items []Content) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(items))
	var fresh []Content
	for _, it := range items {
		id := docID(it.Name)
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.col.GetByID(ctx, id); err == nil {
			continue
		}
		fresh = append(fresh, it)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	texts := make([]string, len(fresh))
	for i, it := range fresh {
		texts[i] = it.Text
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	docs := make([]chromem.Document, len(fresh))
	for i, it := range fresh {
		docs[i] = newDocument(it.Name, it.Text, vecs[i], now)
	}
	if err := s.col.AddDocuments(ctx, docs, embedConcurrency); err != nil {
		return 0, fmt.Errorf("adding %d documents: %w", len(docs), err)
	}
	return len(docs), nil
}

func newDocument(name, text string, vec []float32, at time.Time) chromem.Document {
	return chromem.Document{
		ID:      docID(name),
		Content: text,
		Metadata: map[string]string{
			"name":       name,
			"created_at": at.UTC().Format(time.RFC3339),
		},
		Embedding: vec,
	}
}

func (s *ChromemStore) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		return nil, nil
	}
	total := s.col.Count()
	if total == 0 {
		return nil, nil
	}

	// Hybrid reranks a wider candidate set; keyword matches may sit
	// anywhere, so keyword mode scores the whole collection.
	n := limit
	switch s.mode {
	case ModeHybrid:
		n = limit * 4
	case ModeKeyword:
		n = total
	}
	if n > total {
		n = total
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := s.col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	terms := queryTerms(query)
	docs := make([]Document, 0, len(results))
	for _, r := range results {
		d := resultToDocument(r)
		switch s.mode {
		case ModeKeyword:
			kw := keywordScore(d.Content, terms)
			if kw == 0 {
				continue
			}
			d.Score = kw
		case ModeHybrid:
			d.Score = 0.7*r.Similarity + 0.3*keywordScore(d.Content, terms)
		}
		docs = append(docs, d)
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (s *ChromemStore) Count(_ context.Context) (int, error) {
	return s.col.Count(), nil
}

// Close is a no-op; persistent databases write through on every add.
func (s *ChromemStore) Close() error {
	return nil
}

func resultToDocument(r chromem.Result) Document {
	d := Document{
		ID:      r.ID,
		Name:    r.Metadata["name"],
		Content: r.Content,
		Score:   r.Similarity,
	}
	if t, err := time.Parse(time.RFC3339, r.Metadata["created_at"]); err == nil {
		d.CreatedAt = t
	}
	return d
}

func queryTerms(q string) []string {
	return strings.Fields(strings.ToLower(q))
}

// keywordScore is the fraction of query terms found in content.
func keywordScore(content string, terms []string) float32 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	var hits int
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float32(hits) / float32(len(terms))
}
