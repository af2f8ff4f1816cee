package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mkovalev/birdlens/internal/dispatch"
	"github.com/mkovalev/birdlens/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store      *storage.Store
	Dispatcher *dispatch.Dispatcher
	Configured bool
}

// NewMCPServer creates an MCP server exposing the gateway's operations as
// tools: run an analytics query, draft a tweet reply, and check on an async
// request.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"birdlens",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("birdlens — gateway to the tweet-analytics service: run queries, draft replies, track async requests."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("analyze_tweets",
			mcp.WithDescription("Run a natural-language query against the tweet-analytics service and return the answer."),
			mcp.WithString("query", mcp.Description("The question to analyze"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("How many tweets to consider (default 5)")),
			mcp.WithBoolean("async", mcp.Description("Submit for background processing and return a request ID instead of waiting")),
		),
		mcpAnalyzeTweets(deps),
	)

	s.AddTool(
		mcp.NewTool("draft_reply",
			mcp.WithDescription("Generate a reply for a tweet."),
			mcp.WithString("tweet", mcp.Description("The tweet text to reply to"), mcp.Required()),
		),
		mcpDraftReply(deps),
	)

	s.AddTool(
		mcp.NewTool("check_request",
			mcp.WithDescription("Check the status of a previously submitted async request."),
			mcp.WithString("request_id", mcp.Description("The request identifier returned on submission"), mcp.Required()),
		),
		mcpCheckRequest(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"requests://recent",
			"Recent Requests",
			mcp.WithResourceDescription("Last 10 staged request records (status and truncated payload)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAnalyzeTweets(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		if !deps.Configured {
			return mcpError("analytics service not configured: set the API base URL and key"), nil
		}

		topK := req.GetInt("top_k", 5)
		if topK <= 0 {
			topK = 5
		}

		work := dispatch.Work{Kind: dispatch.KindQuery, Query: query, TopK: topK}

		if req.GetBool("async", false) {
			requestID, err := deps.Dispatcher.Submit(work)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to submit request: %v", err)), nil
			}
			return mcpText(fmt.Sprintf("Request %s accepted; use check_request to retrieve the result.", requestID)), nil
		}

		result, err := deps.Dispatcher.Sync(ctx, work)
		if err != nil {
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}
		return mcpText(result), nil
	}
}

func mcpDraftReply(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tweet, err := req.RequireString("tweet")
		if err != nil {
			return mcpError("tweet is required"), nil
		}

		result, err := deps.Dispatcher.Sync(ctx, dispatch.Work{Kind: dispatch.KindReply, Tweet: tweet})
		if err != nil {
			return mcpError(fmt.Sprintf("reply generation failed: %v", err)), nil
		}
		return mcpText(result), nil
	}
}

func mcpCheckRequest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		requestID, err := req.RequireString("request_id")
		if err != nil {
			return mcpError("request_id is required"), nil
		}

		rec, err := deps.Store.GetResult(requestID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpText(fmt.Sprintf("Request %s is still being processed.", requestID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read request record: %v", err)), nil
		}

		switch rec.Status {
		case storage.StatusPending:
			return mcpText(fmt.Sprintf("Request %s is still being processed.", requestID)), nil
		case storage.StatusError:
			return mcpError(fmt.Sprintf("Request %s failed: %s", requestID, rec.Error)), nil
		default:
			return mcpText(rec.Payload), nil
		}
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records, err := deps.Store.ListRecentResults(10)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent requests: %w", err)
		}

		type requestSummary struct {
			RequestID string `json:"request_id"`
			Kind      string `json:"kind"`
			Status    string `json:"status"`
			Payload   string `json:"payload,omitempty"`
			Error     string `json:"error,omitempty"`
			UpdatedAt string `json:"updated_at"`
		}

		summaries := make([]requestSummary, len(records))
		for i, rec := range records {
			payload := rec.Payload
			if utf8.RuneCountInString(payload) > 200 {
				runes := []rune(payload)
				payload = string(runes[:200]) + "..."
			}
			summaries[i] = requestSummary{
				RequestID: rec.RequestID,
				Kind:      rec.Kind,
				Status:    string(rec.Status),
				Payload:   payload,
				Error:     rec.Error,
				UpdatedAt: rec.UpdatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request summaries: %w", err)
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
