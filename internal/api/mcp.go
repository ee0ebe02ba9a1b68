package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/lore/internal/learning"
	"github.com/kalambet/lore/internal/storage"
)

// MCPHistory reads the conversation log for the MCP layer.
type MCPHistory interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]storage.Message, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Capturer Capturer
	Searcher Searcher
	History  MCPHistory
}

const (
	mcpRecentLimit   = 12
	mcpPreviewRunes  = 200
	mcpMaxSearchHits = 20
)

// NewMCPServer creates an MCP server with the learning tools and the recent
// history resource registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"lore",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("lore: shared memory of learnings captured from successful agent runs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("record_learning",
			mcp.WithDescription("Save a reusable learning. Only call after the user approved it."),
			mcp.WithString("title", mcp.Description("Short unique title"), mcp.Required()),
			mcp.WithString("learning", mcp.Description("The insight, at least 20 characters"), mcp.Required()),
			mcp.WithString("context", mcp.Description("When this learning applies")),
			mcp.WithString("confidence", mcp.Description("low, medium or high"), mcp.Enum("low", "medium", "high")),
			mcp.WithString("type", mcp.Description("Kind of learning (default rule)")),
		),
		mcpRecordLearning(deps),
	)

	s.AddTool(
		mcp.NewTool("search_learnings",
			mcp.WithDescription("Search saved learnings relevant to a query."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchLearnings(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"history://recent",
			"Recent Conversation",
			mcp.WithResourceDescription("Most recent chat messages, oldest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpRecordLearning(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in := learning.CaptureInput{
			Title:      req.GetString("title", ""),
			Context:    req.GetString("context", ""),
			Learning:   req.GetString("learning", ""),
			Confidence: req.GetString("confidence", ""),
			Type:       req.GetString("type", ""),
		}
		msg := deps.Capturer.Capture(ctx, in)
		if learning.IsRejection(msg) {
			return mcpError(msg), nil
		}
		return mcpText(msg), nil
	}
}

func mcpSearchLearnings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", learning.DefaultSearchLimit)
		if limit <= 0 {
			limit = learning.DefaultSearchLimit
		}
		if limit > mcpMaxSearchHits {
			limit = mcpMaxSearchHits
		}

		results, err := deps.Searcher.Search(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if results == nil {
			results = []storage.Learning{}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		msgs, err := deps.History.Recent(ctx, "", mcpRecentLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent messages: %w", err)
		}

		type messagePreview struct {
			SessionID string `json:"session_id"`
			Role      string `json:"role"`
			Content   string `json:"content"`
			CreatedAt string `json:"created_at"`
		}

		previews := make([]messagePreview, len(msgs))
		for i, m := range msgs {
			content := m.Content
			if utf8.RuneCountInString(content) > mcpPreviewRunes {
				content = string([]rune(content)[:mcpPreviewRunes]) + "..."
			}
			previews[i] = messagePreview{
				SessionID: m.SessionID,
				Role:      m.Role,
				Content:   content,
				CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(previews)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal messages: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
