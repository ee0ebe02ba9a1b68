// Package retrievaltest provides a deterministic embedding provider for
// tests that need a working vector backend without a model server.
package retrievaltest

import (
	"context"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"unicode"
)

// Dims is the vector length produced by HashProvider.
const Dims = 64

// HashProvider embeds text as a hashed bag of words. Texts sharing words
// land close together under cosine similarity.
type HashProvider struct {
	Err   error
	calls atomic.Int64
}

// Calls reports how many times Embed has been invoked.
func (p *HashProvider) Calls() int {
	return int(p.calls.Load())
}

func (p *HashProvider) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	p.calls.Add(1)
	if p.Err != nil {
		return nil, p.Err
	}
	vec := make([]float32, Dims)
	// Bias term keeps the vector non-zero for empty or symbol-only text.
	vec[0] = 0.1
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[1+int(h.Sum32()%(Dims-1))] += 1
	}
	return vec, nil
}
