package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/lore/internal/learning"
)

// Tool names exposed to the model.
const (
	ToolRecordLearning  = "record_learning"
	ToolSearchKnowledge = "search_knowledge"
)

// RecordLearningTool exposes the capture policy. Validation problems come
// back as the tool result so the model can correct itself.
func RecordLearningTool(p *learning.Policy) Tool {
	return Tool{
		Name:        ToolRecordLearning,
		Description: "Save a reusable learning to the knowledge base. Call only after the user approved the proposed learning.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":      map[string]any{"type": "string", "description": "Short unique title"},
				"context":    map[string]any{"type": "string", "description": "When this learning applies"},
				"learning":   map[string]any{"type": "string", "description": "The insight itself, at least 20 characters"},
				"confidence": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
				"type":       map[string]any{"type": "string", "description": "Kind of learning, e.g. rule"},
			},
			"required": []string{"title", "learning"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in learning.CaptureInput
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("decoding record_learning arguments: %w", err)
			}
			return p.Capture(ctx, in), nil
		},
	}
}

// SearchKnowledgeTool exposes ranked learning retrieval.
func SearchKnowledgeTool(m *learning.Memory) Tool {
	return Tool{
		Name:        ToolSearchKnowledge,
		Description: "Search previously saved learnings relevant to a query.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 20},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", fmt.Errorf("decoding search_knowledge arguments: %w", err)
			}
			results, err := m.Search(ctx, in.Query, in.Limit)
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "No relevant learnings found.", nil
			}
			var sb strings.Builder
			for i, l := range results {
				fmt.Fprintf(&sb, "%d. %s [%s, %s]\n   %s\n", i+1, l.Title, l.Type, l.Confidence, l.Learning)
				if l.Context != "" {
					fmt.Fprintf(&sb, "   Context: %s\n", l.Context)
				}
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}
