package retrieval

import (
	"context"
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

// EmbeddingProvider produces embedding vectors. *ollama.Client satisfies it.
type EmbeddingProvider interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// BatchEmbeddingProvider embeds several texts per call. *ollama.Client
// satisfies it.
type BatchEmbeddingProvider interface {
	EmbeddingProvider
	EmbedMany(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Batch sizing for EmbedBatch.
const (
	embedChunkSize   = 16
	embedConcurrency = 4
)

// Embedder wraps an EmbeddingProvider with a fixed model and a short-lived
// cache for query embeddings.
type Embedder struct {
	provider EmbeddingProvider
	model    string
	queries  *cache.Cache
}

// NewEmbedder creates an Embedder using the given provider and model name.
func NewEmbedder(p EmbeddingProvider, model string) *Embedder {
	return &Embedder{
		provider: p,
		model:    model,
		queries:  cache.New(10*time.Minute, 5*time.Minute),
	}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.provider.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: provider returned an empty vector")
	}
	return vec, nil
}

// EmbedQuery is Embed with caching; repeated searches for the same text
// skip the provider round trip.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if v, ok := e.queries.Get(query); ok {
		return v.([]float32), nil
	}
	vec, err := e.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	e.queries.SetDefault(query, vec)
	return vec, nil
}

// Dimensions embeds a sample text and returns the vector length of the model.
func (e *Embedder) Dimensions(ctx context.Context) (int, error) {
	vec, err := e.Embed(ctx, "dimension check")
	if err != nil {
		return 0, err
	}
	return len(vec), nil
}

// EmbedBatch returns embedding vectors for texts, in input order. Texts are
// split into chunks embedded concurrently; a batch-capable provider gets
// one call per chunk. Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for start := 0; start < len(texts); start += embedChunkSize {
		end := min(start+embedChunkSize, len(texts))
		g.Go(func() error {
			vecs, err := e.embedChunk(gCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	bp, ok := e.provider.(BatchEmbeddingProvider)
	if !ok {
		vecs := make([][]float32, len(texts))
		for i, text := range texts {
			vec, err := e.Embed(ctx, text)
			if err != nil {
				return nil, err
			}
			vecs[i] = vec
		}
		return vecs, nil
	}

	vecs, err := bp.EmbedMany(ctx, e.model, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("provider returned an empty vector for text %d", i)
		}
	}
	return vecs, nil
}
