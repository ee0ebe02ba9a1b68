// Package composer builds the prompt text sent to the agent when no vector
// knowledge store is available.
package composer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/lore/internal/storage"
)

const defaultMaxContextTokens = 4000

// Window sizes pulled for each prompt.
const (
	HistoryWindow  = 12
	LearningWindow = 5
)

// Section labels, in output order.
const (
	LabelHistory   = "Recent conversation:"
	LabelLearnings = "Relevant prior learnings:"
	LabelRequest   = "User request:"
)

// HistorySource supplies recent conversation turns of a session, oldest first.
type HistorySource interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]storage.Message, error)
}

// LearningSource supplies learnings from the local store.
type LearningSource interface {
	VectorAvailable() bool
	SearchFallback(ctx context.Context, query string, limit int) ([]storage.Learning, error)
}

// Assembler composes recent history, matching learnings and the user
// request into one prompt.
type Assembler struct {
	history          HistorySource
	learnings        LearningSource
	MaxContextTokens int
	logger           *slog.Logger
}

// NewAssembler creates an Assembler. If maxContextTokens <= 0, the
// default (4000) is used as the learnings budget.
func NewAssembler(h HistorySource, l LearningSource, maxContextTokens int) *Assembler {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Assembler{
		history:          h,
		learnings:        l,
		MaxContextTokens: maxContextTokens,
		logger:           slog.Default().With("component", "composer"),
	}
}

// Assemble returns the prompt for userText within a session. userText must
// not be in the history yet. A failing source drops its section; the user
// request is always the last section.
func (a *Assembler) Assemble(ctx context.Context, sessionID, userText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var sections []string

	msgs, err := a.history.Recent(ctx, sessionID, HistoryWindow)
	if err != nil {
		a.logger.Warn("loading history for prompt", "error", err)
	}
	if s := formatHistory(msgs); s != "" {
		sections = append(sections, s)
	}

	if !a.learnings.VectorAvailable() {
		found, err := a.learnings.SearchFallback(ctx, userText, LearningWindow)
		if err != nil {
			a.logger.Warn("searching learnings for prompt", "error", err)
		}
		if s := a.formatLearnings(found); s != "" {
			sections = append(sections, s)
		}
	}

	sections = append(sections, LabelRequest+"\n"+userText)
	return strings.Join(sections, "\n\n"), nil
}

func formatHistory(msgs []storage.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(LabelHistory)
	for _, m := range msgs {
		fmt.Fprintf(&sb, "\n%s: %s", m.Role, m.Content)
	}
	return sb.String()
}

// formatLearnings lists learnings in the order given, skipping any entry
// that no longer fits the token budget.
func (a *Assembler) formatLearnings(ls []storage.Learning) string {
	remaining := a.MaxContextTokens - EstimateTokens(LabelLearnings)

	var entries []string
	for _, l := range ls {
		entry := formatLearning(l)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		entries = append(entries, entry)
		remaining -= tokens
	}
	if len(entries) == 0 {
		return ""
	}
	return LabelLearnings + "\n" + strings.Join(entries, "\n")
}

func formatLearning(l storage.Learning) string {
	if l.Context == "" {
		return fmt.Sprintf("- %s: %s", l.Title, l.Learning)
	}
	return fmt.Sprintf("- %s: %s (%s)", l.Title, l.Learning, l.Context)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
