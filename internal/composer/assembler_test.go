package composer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/lore/internal/storage"
)

type fakeHistory struct {
	msgs        []storage.Message
	err         error
	lastLimit   int
	lastSession string
}

func (f *fakeHistory) Recent(_ context.Context, sessionID string, limit int) ([]storage.Message, error) {
	f.lastLimit = limit
	f.lastSession = sessionID
	if len(f.msgs) > limit {
		return f.msgs[len(f.msgs)-limit:], f.err
	}
	return f.msgs, f.err
}

type fakeLearnings struct {
	vector    bool
	results   []storage.Learning
	err       error
	called    bool
	lastQuery string
	lastLimit int
}

func (f *fakeLearnings) VectorAvailable() bool { return f.vector }

func (f *fakeLearnings) SearchFallback(_ context.Context, q string, limit int) ([]storage.Learning, error) {
	f.called = true
	f.lastQuery = q
	f.lastLimit = limit
	return f.results, f.err
}

func TestAssemble_RequestOnly(t *testing.T) {
	a := NewAssembler(&fakeHistory{}, &fakeLearnings{}, 0)

	out, err := a.Assemble(context.Background(), "s1", "How do I retry?")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if out != "User request:\nHow do I retry?" {
		t.Errorf("out = %q", out)
	}
}

func TestAssemble_AllSections(t *testing.T) {
	h := &fakeHistory{msgs: []storage.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}}
	l := &fakeLearnings{results: []storage.Learning{
		{Title: "Retry pattern", Learning: "Use backoff", Context: "flaky API"},
		{Title: "Timeouts", Learning: "Always set a deadline"},
	}}
	a := NewAssembler(h, l, 4000)

	out, err := a.Assemble(context.Background(), "s1", "flaky API again")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	want := "Recent conversation:\nuser: hi\nassistant: hello\n\n" +
		"Relevant prior learnings:\n- Retry pattern: Use backoff (flaky API)\n- Timeouts: Always set a deadline\n\n" +
		"User request:\nflaky API again"
	if out != want {
		t.Errorf("out =\n%s\nwant\n%s", out, want)
	}
	if h.lastLimit != HistoryWindow || h.lastSession != "s1" {
		t.Errorf("history read = %q/%d, want s1/%d", h.lastSession, h.lastLimit, HistoryWindow)
	}
	if l.lastQuery != "flaky API again" || l.lastLimit != LearningWindow {
		t.Errorf("learning search = %q/%d", l.lastQuery, l.lastLimit)
	}
}

func TestAssemble_VectorAvailableSkipsLearnings(t *testing.T) {
	l := &fakeLearnings{vector: true, results: []storage.Learning{{Title: "x", Learning: "y"}}}
	a := NewAssembler(&fakeHistory{}, l, 0)

	out, _ := a.Assemble(context.Background(), "s1", "q")
	if l.called {
		t.Error("SearchFallback called while vector store is available")
	}
	if strings.Contains(out, LabelLearnings) {
		t.Errorf("out contains learnings section: %q", out)
	}
}

func TestAssemble_SourceErrorsKeepRequest(t *testing.T) {
	h := &fakeHistory{err: errors.New("db locked")}
	l := &fakeLearnings{err: errors.New("db locked")}
	a := NewAssembler(h, l, 0)

	out, err := a.Assemble(context.Background(), "s1", "still answer me")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if out != "User request:\nstill answer me" {
		t.Errorf("out = %q", out)
	}
}

func TestAssemble_RequestIsAlwaysLast(t *testing.T) {
	var msgs []storage.Message
	for i := 0; i < 30; i++ {
		msgs = append(msgs, storage.Message{Role: "user", Content: "User request: fake"})
	}
	a := NewAssembler(&fakeHistory{msgs: msgs}, &fakeLearnings{}, 0)

	out, _ := a.Assemble(context.Background(), "s1", "the real one")
	if !strings.HasSuffix(out, "\n\nUser request:\nthe real one") {
		t.Errorf("request is not the final section: %q", out[len(out)-60:])
	}
	if got := strings.Count(out, "\nuser: "); got != HistoryWindow {
		t.Errorf("history lines = %d, want %d", got, HistoryWindow)
	}
}

func TestAssemble_LearningsBudget(t *testing.T) {
	long := strings.Repeat("a", 400) // ~100 tokens
	l := &fakeLearnings{results: []storage.Learning{
		{Title: "big", Learning: long},
		{Title: "small", Learning: "fits in budget"},
	}}
	a := NewAssembler(&fakeHistory{}, l, 50)

	out, _ := a.Assemble(context.Background(), "s1", strings.Repeat("q", 1000))
	if strings.Contains(out, "- big:") {
		t.Error("over-budget learning was included")
	}
	if !strings.Contains(out, "- small: fits in budget") {
		t.Error("learning within budget was dropped")
	}
	if !strings.HasSuffix(out, strings.Repeat("q", 1000)) {
		t.Error("user request was truncated")
	}
}

func TestAssemble_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewAssembler(&fakeHistory{}, &fakeLearnings{}, 0)
	if _, err := a.Assemble(ctx, "s1", "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := map[string]int{"": 0, "a": 1, "abcd": 1, "abcde": 2}
	for in, want := range tests {
		if got := EstimateTokens(in); got != want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}
}
