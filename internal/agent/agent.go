// Package agent defines the contract between the chat service and the LLM
// agent runtime: a request carrying role, instructions and tools, answered
// with a stream of tagged chunks.
package agent

import (
	"context"
	"encoding/json"
)

// Chunk is one element of an agent response stream. It is exactly one of
// TextChunk, ErrorChunk or EndOfStream.
type Chunk interface {
	isChunk()
}

// TextChunk carries a fragment of assistant text.
type TextChunk struct {
	Content string
}

// ErrorChunk reports a failure. It is the last chunk before the channel closes.
type ErrorChunk struct {
	Message string
}

// EndOfStream marks a successful end of the response.
type EndOfStream struct{}

func (TextChunk) isChunk()   {}
func (ErrorChunk) isChunk()  {}
func (EndOfStream) isChunk() {}

// ToolHandler executes a tool call. args is the raw JSON object produced by
// the model; the returned text is handed back to the model as the result.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a function the agent may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
	Handler     ToolHandler
}

// Message is a prior conversation turn given to the agent as history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one agent run.
type Request struct {
	Role         string
	Instructions string
	Input        string
	SessionID    string
	History      []Message
	Tools        []Tool

	// KnowledgeSearch tells the orchestrator that relevant knowledge is
	// reachable through a tool rather than already inlined in Input.
	KnowledgeSearch bool
}

// Orchestrator runs agent requests. The returned channel yields chunks
// until a terminal ErrorChunk or EndOfStream, then closes. Cancelling ctx
// stops the run; the channel still closes.
type Orchestrator interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
