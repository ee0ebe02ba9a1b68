package learning

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/lore/internal/storage"
)

// payload is the JSON document stored as the vector entry text.
type payload struct {
	Title      string `json:"title"`
	Context    string `json:"context"`
	Learning   string `json:"learning"`
	Confidence string `json:"confidence"`
	Type       string `json:"type"`
	CreatedAt  string `json:"created_at"`
}

// encodePayload renders l as the vector document body.
func encodePayload(l storage.Learning) (string, error) {
	b, err := json.MarshalIndent(payload{
		Title:      l.Title,
		Context:    l.Context,
		Learning:   l.Learning,
		Confidence: l.Confidence,
		Type:       l.Type,
		CreatedAt:  l.CreatedAt.UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding learning payload: %w", err)
	}
	return string(b), nil
}

// decodePayload parses a vector document body back into a Learning.
func decodePayload(text string) (storage.Learning, error) {
	var p payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return storage.Learning{}, fmt.Errorf("decoding learning payload: %w", err)
	}
	l := storage.Learning{
		Title:      p.Title,
		Context:    p.Context,
		Learning:   p.Learning,
		Confidence: p.Confidence,
		Type:       p.Type,
	}
	if t, err := time.Parse(time.RFC3339, p.CreatedAt); err == nil {
		l.CreatedAt = t
	}
	return l, nil
}
