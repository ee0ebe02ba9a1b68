package learning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kalambet/lore/internal/retrieval"
	"github.com/kalambet/lore/internal/retrieval/retrievaltest"
	"github.com/kalambet/lore/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newChromem(t *testing.T) retrieval.KnowledgeStore {
	t.Helper()
	e := retrieval.NewEmbedder(&retrievaltest.HashProvider{}, "test")
	ks, err := retrieval.NewChromemStore(chromem.NewDB(), "agent_learnings", e, retrieval.ModeHybrid)
	if err != nil {
		t.Fatalf("NewChromemStore: %v", err)
	}
	return ks
}

// failingStore is a KnowledgeStore whose writes and searches always fail.
type failingStore struct{ err error }

func (f failingStore) AddContent(context.Context, string, string, bool) (bool, error) {
	return false, f.err
}
func (f failingStore) AddContents(context.Context, []retrieval.Content) (int, error) {
	return 0, f.err
}
func (f failingStore) Search(context.Context, string, int) ([]retrieval.Document, error) {
	return nil, f.err
}
func (f failingStore) Count(context.Context) (int, error) { return 0, f.err }
func (f failingStore) Backend() string                    { return "broken" }
func (f failingStore) Close() error                       { return nil }

var retryInput = CaptureInput{
	Title:      "Retry pattern",
	Context:    "flaky API",
	Learning:   "Always add exponential backoff on 5xx from flaky external APIs",
	Confidence: "high",
	Type:       "rule",
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		in   CaptureInput
		want string
	}{
		{"blank title", CaptureInput{Title: "   ", Learning: strings.Repeat("x", 30)}, MsgTitleRequired},
		{"title checked first", CaptureInput{}, MsgTitleRequired},
		{"blank learning", CaptureInput{Title: "t", Learning: "\n\t "}, MsgLearningRequired},
		{"too short", CaptureInput{Title: "t", Learning: "  nineteen chars!!!  "}, MsgTooShort},
		{"exactly twenty", CaptureInput{Title: "t", Learning: "twenty characters!!!"}, ""},
		{"counts runes", CaptureInput{Title: "t", Learning: strings.Repeat("é", 20)}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Validate(tt.in); got != tt.want {
				t.Errorf("Validate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 15, 999, time.FixedZone("X", 3600))
	l := Normalize(CaptureInput{
		Title:      "  Retry pattern ",
		Context:    " ctx ",
		Learning:   "  Always add exponential backoff  ",
		Confidence: "HIGH",
		Type:       "",
	}, now)

	if l.Title != "Retry pattern" || l.Context != "ctx" || l.Learning != "Always add exponential backoff" {
		t.Errorf("fields not trimmed: %+v", l)
	}
	if l.Confidence != "high" {
		t.Errorf("Confidence = %q, want high", l.Confidence)
	}
	if l.Type != DefaultType {
		t.Errorf("Type = %q, want %q", l.Type, DefaultType)
	}
	if l.CreatedAt.Location() != time.UTC || l.CreatedAt.Nanosecond() != 0 {
		t.Errorf("CreatedAt = %v, want UTC second precision", l.CreatedAt)
	}

	if got := Normalize(CaptureInput{Confidence: "certain"}, now).Confidence; got != DefaultConfidence {
		t.Errorf("unknown confidence normalized to %q", got)
	}
}

func TestCapture_RejectionsDoNotPersist(t *testing.T) {
	store := openTestStore(t)
	p := NewPolicy(NewMemory(store, nil, Options{}, nil), nil)

	for _, in := range []CaptureInput{
		{Learning: "a perfectly long learning text"},
		{Title: "x"},
		{Title: "x", Learning: "short"},
	} {
		msg := p.Capture(context.Background(), in)
		if !strings.HasPrefix(msg, "Cannot save:") || !IsRejection(msg) {
			t.Errorf("Capture(%+v) = %q", in, msg)
		}
	}
	if n, _ := store.CountLearnings(); n != 0 {
		t.Errorf("rows = %d, want 0", n)
	}
}

// Scenario: capture against an available vector backend.
func TestCapture_VectorAvailable(t *testing.T) {
	store := openTestStore(t)
	mem := NewMemory(store, newChromem(t), Options{}, nil)
	p := NewPolicy(mem, nil)
	ctx := context.Background()

	msg := p.Capture(ctx, retryInput)
	if msg != "Learning saved to vector store (chromem): 'Retry pattern'" {
		t.Errorf("Capture = %q", msg)
	}

	results, err := mem.Search(ctx, "flaky API", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Retry pattern" {
		t.Fatalf("Search = %+v", results)
	}
	if results[0].Confidence != "high" || results[0].Context != "flaky API" {
		t.Errorf("payload not decoded: %+v", results[0])
	}
	if n, _ := store.CountLearnings(); n != 0 {
		t.Errorf("fallback rows = %d, want 0", n)
	}
}

// Captures with the same title against the vector backend store one record.
func TestCapture_VectorDedupByTitle(t *testing.T) {
	ks := newChromem(t)
	p := NewPolicy(NewMemory(openTestStore(t), ks, Options{}, nil), nil)
	ctx := context.Background()

	p.Capture(ctx, retryInput)
	msg := p.Capture(ctx, retryInput)
	if !strings.Contains(msg, "already saved") {
		t.Errorf("second Capture = %q", msg)
	}
	if n, _ := ks.Count(ctx); n != 1 {
		t.Errorf("vector documents = %d, want 1", n)
	}
}

// Scenario: capture with no vector backend configured.
func TestCapture_VectorUnavailable(t *testing.T) {
	store := openTestStore(t)
	p := NewPolicy(NewMemory(store, nil, Options{}, nil), nil)

	msg := p.Capture(context.Background(), retryInput)
	if msg != "Learning saved to fallback store (SQLite): 'Retry pattern'" {
		t.Errorf("Capture = %q", msg)
	}
	if n, _ := store.CountLearnings(); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

// The fallback store keeps one row per capture even for repeated titles.
func TestCapture_FallbackKeepsDuplicates(t *testing.T) {
	store := openTestStore(t)
	p := NewPolicy(NewMemory(store, nil, Options{}, nil), nil)

	p.Capture(context.Background(), retryInput)
	p.Capture(context.Background(), retryInput)

	if n, _ := store.CountLearningsByTitle("Retry pattern"); n != 2 {
		t.Errorf("rows with title = %d, want 2", n)
	}
}

func TestCapture_FallbackDedupOption(t *testing.T) {
	store := openTestStore(t)
	p := NewPolicy(NewMemory(store, nil, Options{FallbackDedup: true}, nil), nil)

	p.Capture(context.Background(), retryInput)
	msg := p.Capture(context.Background(), retryInput)

	if msg != "Learning already saved in fallback store (SQLite): 'Retry pattern'" {
		t.Errorf("second Capture = %q", msg)
	}
	if n, _ := store.CountLearningsByTitle("Retry pattern"); n != 1 {
		t.Errorf("rows with title = %d, want 1", n)
	}
}

func TestCapture_VectorErrorFallsBack(t *testing.T) {
	store := openTestStore(t)
	mem := NewMemory(store, failingStore{err: errors.New("connection reset")}, Options{}, nil)
	p := NewPolicy(mem, nil)

	msg := p.Capture(context.Background(), retryInput)
	if msg != "Learning saved to fallback store (SQLite): 'Retry pattern'" {
		t.Errorf("Capture = %q", msg)
	}
	if n, _ := store.CountLearnings(); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestCapture_BothFail(t *testing.T) {
	store := openTestStore(t)
	mem := NewMemory(store, failingStore{err: errors.New("connection reset")}, Options{}, nil)
	p := NewPolicy(mem, nil)
	store.Close()

	msg := p.Capture(context.Background(), retryInput)
	if !strings.HasPrefix(msg, "Failed to save learning: ") || !IsRejection(msg) {
		t.Errorf("Capture = %q", msg)
	}
}

func TestPut_ReturnsVectorErrorUnchanged(t *testing.T) {
	boom := errors.New("boom")
	mem := NewMemory(openTestStore(t), failingStore{err: boom}, Options{}, nil)

	_, err := mem.Put(context.Background(), Normalize(retryInput, time.Now()))
	if !errors.Is(err, boom) {
		t.Errorf("Put err = %v, want boom", err)
	}

	noVec := NewMemory(openTestStore(t), nil, Options{}, nil)
	if _, err := noVec.Put(context.Background(), storage.Learning{Title: "x"}); !errors.Is(err, ErrVectorUnavailable) {
		t.Errorf("Put without vector err = %v", err)
	}
}

func TestSearchFallback(t *testing.T) {
	store := openTestStore(t)
	mem := NewMemory(store, nil, Options{}, nil)
	p := NewPolicy(mem, nil)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	p.Capture(ctx, CaptureInput{Title: "Older", Learning: "Flaky API calls need retries with backoff"})
	p.Capture(ctx, CaptureInput{Title: "Newer", Learning: "Another flaky api lesson about timeouts"})
	p.Capture(ctx, CaptureInput{Title: "Unrelated", Learning: "Keep migrations small and reversible"})

	got, err := mem.Search(ctx, "FLAKY API", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[0].Title != "Newer" || got[1].Title != "Older" {
		t.Errorf("Search = %+v", got)
	}

	got, _ = mem.Search(ctx, "flaky api", 1)
	if len(got) != 1 || got[0].Title != "Newer" {
		t.Errorf("limit 1 = %+v", got)
	}

	sensitive := NewMemory(store, nil, Options{CaseSensitive: true}, nil)
	got, _ = sensitive.Search(ctx, "Flaky API", 5)
	if len(got) != 1 || got[0].Title != "Older" {
		t.Errorf("case-sensitive Search = %+v", got)
	}
}

func TestSearchFallback_IgnoresVector(t *testing.T) {
	store := openTestStore(t)
	mem := NewMemory(store, failingStore{err: errors.New("down")}, Options{}, nil)
	store.InsertLearning(storage.Learning{Title: "Retry pattern", Learning: "backoff on flaky APIs", Confidence: "medium", Type: "rule"})

	got, err := mem.SearchFallback(context.Background(), "retry", 5)
	if err != nil || len(got) != 1 {
		t.Errorf("SearchFallback = %+v, %v", got, err)
	}
	if !mem.VectorAvailable() {
		t.Error("VectorAvailable = false with a configured store")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	l := Normalize(retryInput, time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC))
	text, err := encodePayload(l)
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}
	if !strings.Contains(text, `"created_at": "2026-02-03T04:05:06Z"`) {
		t.Errorf("payload missing Z timestamp: %s", text)
	}
	got, err := decodePayload(text)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if !got.CreatedAt.Equal(l.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, l.CreatedAt)
	}
	got.CreatedAt = l.CreatedAt
	if got != l {
		t.Errorf("round trip = %+v, want %+v", got, l)
	}
}

func TestResync_CopiesFallbackRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Written while no vector store was configured.
	offline := NewMemory(store, nil, Options{}, nil)
	for i := 0; i < resyncBatch+6; i++ {
		l := Normalize(CaptureInput{
			Title:    fmt.Sprintf("Learning %d", i),
			Learning: fmt.Sprintf("learning body number %d with enough text", i),
		}, time.Now())
		if _, err := offline.PutFallback(ctx, l); err != nil {
			t.Fatalf("PutFallback: %v", err)
		}
	}
	// A duplicate title is copied once.
	offline.PutFallback(ctx, Normalize(CaptureInput{Title: "Learning 0", Learning: "a second body for the same title"}, time.Now()))

	ks := newChromem(t)
	mem := NewMemory(store, ks, Options{}, nil)
	added, err := mem.Resync(ctx)
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if added != resyncBatch+6 {
		t.Errorf("added = %d, want %d", added, resyncBatch+6)
	}
	if n, _ := ks.Count(ctx); n != resyncBatch+6 {
		t.Errorf("vector Count = %d", n)
	}

	found, err := mem.Search(ctx, "learning body number 3", 1)
	if err != nil || len(found) != 1 || found[0].Title == "" {
		t.Fatalf("Search after resync = %+v, %v", found, err)
	}

	// Nothing left to copy on the next run.
	again, err := mem.Resync(ctx)
	if err != nil || again != 0 {
		t.Errorf("second Resync = %d, %v", again, err)
	}
	if rows, _ := store.UnsyncedLearnings(10); len(rows) != 0 {
		t.Errorf("unsynced rows left: %d", len(rows))
	}
}

func TestResync_VectorErrorKeepsRowsUnsynced(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	NewMemory(store, nil, Options{}, nil).PutFallback(ctx, Normalize(retryInput, time.Now()))

	mem := NewMemory(store, failingStore{err: errors.New("connection refused")}, Options{}, nil)
	if _, err := mem.Resync(ctx); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("Resync err = %v", err)
	}
	if rows, _ := store.UnsyncedLearnings(10); len(rows) != 1 {
		t.Errorf("unsynced rows = %d, want 1", len(rows))
	}
}

func TestResync_WithoutVectorStore(t *testing.T) {
	mem := NewMemory(openTestStore(t), nil, Options{}, nil)
	if _, err := mem.Resync(context.Background()); !errors.Is(err, ErrVectorUnavailable) {
		t.Errorf("err = %v, want ErrVectorUnavailable", err)
	}
}
