package retrieval

import (
	"context"
	"testing"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kalambet/lore/internal/retrieval/retrievaltest"
)

func newTestChromem(t *testing.T, mode string) *ChromemStore {
	t.Helper()
	e := NewEmbedder(&retrievaltest.HashProvider{}, "test")
	s, err := NewChromemStore(chromem.NewDB(), "agent_learnings", e, mode)
	if err != nil {
		t.Fatalf("NewChromemStore: %v", err)
	}
	return s
}

func TestChromem_SkipIfExists(t *testing.T) {
	s := newTestChromem(t, ModeVector)
	ctx := context.Background()

	added, err := s.AddContent(ctx, "Retry pattern", `{"learning":"use backoff"}`, true)
	if err != nil || !added {
		t.Fatalf("first AddContent = %v, %v", added, err)
	}
	added, err = s.AddContent(ctx, "Retry pattern", `{"learning":"different text"}`, true)
	if err != nil {
		t.Fatalf("second AddContent: %v", err)
	}
	if added {
		t.Error("second AddContent with same name reported added")
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestChromem_AddContents(t *testing.T) {
	p := &retrievaltest.HashProvider{}
	s, err := NewChromemStore(chromem.NewDB(), "agent_learnings", NewEmbedder(p, "test"), ModeVector)
	if err != nil {
		t.Fatalf("NewChromemStore: %v", err)
	}
	ctx := context.Background()
	s.AddContent(ctx, "Retry pattern", "retry with exponential backoff", true)
	before := p.Calls()

	added, err := s.AddContents(ctx, []Content{
		{Name: "Retry pattern", Text: "already stored"},
		{Name: "Cache keys", Text: "version cache keys"},
		{Name: "Cache keys", Text: "repeated in the batch"},
		{Name: "Timeouts", Text: "always set a deadline"},
	})
	if err != nil {
		t.Fatalf("AddContents: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}
	if n, _ := s.Count(ctx); n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
	if got := p.Calls() - before; got != 2 {
		t.Errorf("embedded %d texts, want 2", got)
	}

	docs, _ := s.Search(ctx, "version cache keys", 1)
	if len(docs) != 1 || docs[0].Content != "version cache keys" {
		t.Errorf("first occurrence not kept: %+v", docs)
	}

	if added, err := s.AddContents(ctx, nil); err != nil || added != 0 {
		t.Errorf("AddContents(nil) = %d, %v", added, err)
	}
}

func TestChromem_SearchEmpty(t *testing.T) {
	s := newTestChromem(t, ModeHybrid)
	docs, err := s.Search(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("got %d docs from empty store", len(docs))
	}
}

func TestChromem_SearchRanksAndClamps(t *testing.T) {
	for _, mode := range []string{ModeVector, ModeHybrid} {
		t.Run(mode, func(t *testing.T) {
			s := newTestChromem(t, mode)
			ctx := context.Background()
			s.AddContent(ctx, "Retry pattern", "retry transient failures with exponential backoff", true)
			s.AddContent(ctx, "Cache keys", "version cache keys instead of deleting entries", true)

			// limit above the document count must not error
			docs, err := s.Search(ctx, "exponential backoff retry", 10)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(docs) != 2 {
				t.Fatalf("got %d docs, want 2", len(docs))
			}
			if docs[0].Name != "Retry pattern" {
				t.Errorf("top result = %q, want Retry pattern", docs[0].Name)
			}
			if docs[0].CreatedAt.IsZero() {
				t.Error("CreatedAt not populated")
			}

			one, _ := s.Search(ctx, "exponential backoff retry", 1)
			if len(one) != 1 {
				t.Errorf("limit 1 returned %d", len(one))
			}
		})
	}
}

func TestChromem_KeywordFilters(t *testing.T) {
	s := newTestChromem(t, ModeKeyword)
	ctx := context.Background()
	s.AddContent(ctx, "Retry pattern", "retry transient failures with exponential backoff", true)
	s.AddContent(ctx, "Cache keys", "version cache keys instead of deleting entries", true)

	docs, err := s.Search(ctx, "CACHE", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(docs) != 1 || docs[0].Name != "Cache keys" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestChromem_KeywordScansWholeCollection(t *testing.T) {
	s := newTestChromem(t, ModeKeyword)
	ctx := context.Background()
	for _, fruit := range []string{"apple", "banana", "cherry", "grape", "lemon", "mango", "peach", "pear"} {
		s.AddContent(ctx, fruit, fruit, true)
	}
	// Embeds far from "kiwi", below every other document.
	s.AddContent(ctx, "Kiwifruit", "kiwifruit kiwifruit", true)

	docs, err := s.Search(ctx, "kiwi", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(docs) != 1 || docs[0].Name != "Kiwifruit" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestChromem_InvalidMode(t *testing.T) {
	e := NewEmbedder(&retrievaltest.HashProvider{}, "test")
	if _, err := NewChromemStore(chromem.NewDB(), "c", e, "fuzzy"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
