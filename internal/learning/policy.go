package learning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/lore/internal/metrics"
	"github.com/kalambet/lore/internal/storage"
)

// MinLearningLength is the shortest accepted learning text, in characters,
// after trimming.
const MinLearningLength = 20

const (
	DefaultConfidence = "medium"
	DefaultType       = "rule"
)

// Rejection messages returned by Capture.
const (
	MsgTitleRequired    = "Cannot save: title is required"
	MsgLearningRequired = "Cannot save: learning content is required"
	MsgTooShort         = "Cannot save: learning is too short to be useful, be more specific."
)

var confidences = map[string]bool{"low": true, "medium": true, "high": true}

// CaptureInput is a proposed learning as received from a tool call.
type CaptureInput struct {
	Title      string `json:"title"`
	Context    string `json:"context"`
	Learning   string `json:"learning"`
	Confidence string `json:"confidence"`
	Type       string `json:"type"`
}

// Policy validates proposed learnings and routes them to a backend.
type Policy struct {
	mem     *Memory
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// NewPolicy creates a Policy writing through mem.
func NewPolicy(mem *Memory, m *metrics.Metrics) *Policy {
	return &Policy{
		mem:     mem,
		metrics: m,
		now:     time.Now,
		logger:  slog.Default().With("component", "capture"),
	}
}

// Validate returns the rejection message for in, or "" when it is acceptable.
func Validate(in CaptureInput) string {
	if strings.TrimSpace(in.Title) == "" {
		return MsgTitleRequired
	}
	text := strings.TrimSpace(in.Learning)
	if text == "" {
		return MsgLearningRequired
	}
	if utf8.RuneCountInString(text) < MinLearningLength {
		return MsgTooShort
	}
	return ""
}

// Normalize trims fields and fills defaults. Confidence outside
// low/medium/high becomes medium.
func Normalize(in CaptureInput, now time.Time) storage.Learning {
	confidence := strings.ToLower(strings.TrimSpace(in.Confidence))
	if !confidences[confidence] {
		confidence = DefaultConfidence
	}
	typ := strings.ToLower(strings.TrimSpace(in.Type))
	if typ == "" {
		typ = DefaultType
	}
	return storage.Learning{
		Title:      strings.TrimSpace(in.Title),
		Context:    strings.TrimSpace(in.Context),
		Learning:   strings.TrimSpace(in.Learning),
		Confidence: confidence,
		Type:       typ,
		CreatedAt:  now.UTC().Truncate(time.Second),
	}
}

// Capture validates, normalizes and persists a learning and returns a
// confirmation for the agent. Failures are reported in the returned text,
// never as an error.
func (p *Policy) Capture(ctx context.Context, in CaptureInput) string {
	if msg := Validate(in); msg != "" {
		p.metrics.RecordCapture("rejected")
		return msg
	}
	l := Normalize(in, p.now())

	if p.mem.VectorAvailable() {
		out, err := p.mem.Put(ctx, l)
		if err == nil {
			if out.Skipped {
				p.metrics.RecordCapture("skipped")
				return fmt.Sprintf("Learning already saved in vector store (%s): '%s'", out.Backend, l.Title)
			}
			p.metrics.RecordCapture("vector")
			return fmt.Sprintf("Learning saved to vector store (%s): '%s'", out.Backend, l.Title)
		}
		p.logger.Warn("vector store write failed, using fallback", "title", l.Title, "error", err)
		p.metrics.RecordVectorFallback()
	}

	out, err := p.mem.PutFallback(ctx, l)
	if err != nil {
		p.logger.Error("saving learning failed", "title", l.Title, "error", err)
		p.metrics.RecordCapture("failed")
		return fmt.Sprintf("Failed to save learning: %v", err)
	}
	if out.Skipped {
		p.metrics.RecordCapture("skipped")
		return fmt.Sprintf("Learning already saved in fallback store (%s): '%s'", FallbackBackend, l.Title)
	}
	p.metrics.RecordCapture("fallback")
	return fmt.Sprintf("Learning saved to fallback store (%s): '%s'", FallbackBackend, l.Title)
}

// IsRejection reports whether a Capture result means nothing was stored.
func IsRejection(msg string) bool {
	return strings.HasPrefix(msg, "Cannot save:") || strings.HasPrefix(msg, "Failed to save learning:")
}
