package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/lore/internal/agent"
	"github.com/kalambet/lore/internal/metrics"
)

// DefaultMaxToolRounds bounds how many times the model may call tools in
// a single run before the run is aborted.
const DefaultMaxToolRounds = 4

const maxSSELine = 1 << 20

// ErrTooManyToolRounds is reported when the model keeps calling tools.
var ErrTooManyToolRounds = errors.New("agent exceeded tool call limit")

// Orchestrator implements agent.Orchestrator over the OpenRouter
// chat-completions API with streaming and function calling.
type Orchestrator struct {
	client        *Client
	model         string
	maxToolRounds int
	now           func() time.Time
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

var _ agent.Orchestrator = (*Orchestrator)(nil)

// NewOrchestrator creates an orchestrator that sends requests for model
// through c. m may be nil.
func NewOrchestrator(c *Client, model string, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		client:        c,
		model:         model,
		maxToolRounds: DefaultMaxToolRounds,
		now:           time.Now,
		metrics:       m,
		logger:        slog.Default().With("component", "orchestrator"),
	}
}

// Stream starts one agent run. The first request is issued before Stream
// returns so that configuration errors surface synchronously.
func (o *Orchestrator) Stream(ctx context.Context, req agent.Request) (<-chan agent.Chunk, error) {
	msgs := o.buildMessages(req)
	tools := make(map[string]agent.Tool, len(req.Tools))
	for _, t := range req.Tools {
		tools[t.Name] = t
	}

	body, err := o.send(ctx, msgs, req.Tools)
	if err != nil {
		return nil, err
	}

	out := make(chan agent.Chunk, 16)
	go func() {
		defer close(out)
		o.run(ctx, body, msgs, req.Tools, tools, out)
	}()
	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, body io.ReadCloser, msgs []chatMessage, defs []agent.Tool, tools map[string]agent.Tool, out chan<- agent.Chunk) {
	emit := func(c agent.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		o.logger.Warn("agent run failed", "error", err)
		emit(agent.ErrorChunk{Message: err.Error()})
	}

	for round := 0; ; round++ {
		text, calls, err := readStream(body, func(s string) bool {
			return emit(agent.TextChunk{Content: s})
		})
		body.Close()
		if err != nil {
			fail(err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if len(calls) == 0 {
			emit(agent.EndOfStream{})
			return
		}
		if round >= o.maxToolRounds {
			fail(ErrTooManyToolRounds)
			return
		}

		msgs = append(msgs, chatMessage{Role: "assistant", Content: text, ToolCalls: calls})
		for _, call := range calls {
			msgs = append(msgs, chatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    o.callTool(ctx, tools, call),
			})
		}

		body, err = o.send(ctx, msgs, defs)
		if err != nil {
			fail(err)
			return
		}
	}
}

// callTool runs one tool call. Failures are reported back to the model as
// the tool result.
func (o *Orchestrator) callTool(ctx context.Context, tools map[string]agent.Tool, call toolCall) string {
	o.metrics.RecordToolCall(call.Function.Name)
	t, ok := tools[call.Function.Name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Function.Name)
	}
	args := json.RawMessage(call.Function.Arguments)
	if strings.TrimSpace(call.Function.Arguments) == "" {
		args = json.RawMessage(`{}`)
	}
	result, err := t.Handler(ctx, args)
	if err != nil {
		o.logger.Warn("tool call failed", "tool", call.Function.Name, "error", err)
		return "Error: " + err.Error()
	}
	return result
}

func (o *Orchestrator) buildMessages(req agent.Request) []chatMessage {
	var sys strings.Builder
	if req.Role != "" {
		fmt.Fprintf(&sys, "You are a %s.\n\n", req.Role)
	}
	if req.Instructions != "" {
		sys.WriteString(strings.TrimSpace(req.Instructions))
		sys.WriteString("\n\n")
	}
	if req.KnowledgeSearch {
		fmt.Fprintf(&sys, "Use the %s tool to look up prior learnings before answering.\n\n", agent.ToolSearchKnowledge)
	}
	fmt.Fprintf(&sys, "Current date and time (UTC): %s", o.now().UTC().Format(time.RFC3339))

	msgs := make([]chatMessage, 0, len(req.History)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: sys.String()})
	for _, h := range req.History {
		msgs = append(msgs, chatMessage{Role: h.Role, Content: h.Content})
	}
	return append(msgs, chatMessage{Role: "user", Content: req.Input})
}

func (o *Orchestrator) send(ctx context.Context, msgs []chatMessage, tools []agent.Tool) (io.ReadCloser, error) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("marshaling messages: %w", err)
	}
	req := ChatRequest{Model: o.model, Messages: raw, Stream: true}
	if len(tools) > 0 {
		defs := make([]toolDef, 0, len(tools))
		for _, t := range tools {
			defs = append(defs, toolDef{
				Type:     "function",
				Function: functionDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
			})
		}
		b, err := json.Marshal(defs)
		if err != nil {
			return nil, fmt.Errorf("marshaling tools: %w", err)
		}
		req.Extra = map[string]json.RawMessage{"tools": b}
	}
	return o.client.Chat(ctx, req)
}

// readStream consumes one SSE response. Text deltas are passed to onText
// as they arrive; tool call fragments are merged by index. onText returning
// false stops reading.
func readStream(r io.Reader, onText func(string) bool) (string, []toolCall, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxSSELine)

	var text strings.Builder
	calls := map[int]*toolCall{}

	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			// blank separators, ": OPENROUTER PROCESSING" comments, event: lines
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return "", nil, fmt.Errorf("decoding stream event: %w", err)
		}
		if ev.Error != nil {
			return "", nil, fmt.Errorf("provider error: %s", ev.Error.Message)
		}
		for _, ch := range ev.Choices {
			if ch.Delta.Content != "" {
				text.WriteString(ch.Delta.Content)
				if !onText(ch.Delta.Content) {
					return text.String(), nil, nil
				}
			}
			for _, d := range ch.Delta.ToolCalls {
				c, ok := calls[d.Index]
				if !ok {
					c = &toolCall{Type: "function"}
					calls[d.Index] = c
				}
				if d.ID != "" {
					c.ID = d.ID
				}
				if d.Function.Name != "" {
					c.Function.Name = d.Function.Name
				}
				c.Function.Arguments += d.Function.Arguments
			}
		}
	}
	if err := sc.Err(); err != nil {
		return "", nil, fmt.Errorf("reading stream: %w", err)
	}

	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]toolCall, 0, len(idx))
	for _, i := range idx {
		c := *calls[i]
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d", i)
		}
		out = append(out, c)
	}
	return text.String(), out, nil
}
