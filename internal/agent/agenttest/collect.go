// Package agenttest provides helpers for tests that consume agent chunk
// streams.
package agenttest

import "github.com/kalambet/lore/internal/agent"

// Collect drains a chunk stream into the concatenated text. It returns the
// message of an ErrorChunk as an error.
func Collect(ch <-chan agent.Chunk) (string, error) {
	var text []byte
	var streamErr error
	for c := range ch {
		switch c := c.(type) {
		case agent.TextChunk:
			text = append(text, c.Content...)
		case agent.ErrorChunk:
			streamErr = &StreamError{Message: c.Message}
		}
	}
	return string(text), streamErr
}

// StreamError is the error form of an ErrorChunk.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}
