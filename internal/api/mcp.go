package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/commander/internal/pipeline"
	"github.com/kalambet/commander/internal/retrieval"
	"github.com/kalambet/commander/internal/storage"
)

const pendingURI = "commander://pending"

// MCPDeps holds dependencies for the MCP server. Every call acts for Owner.
type MCPDeps struct {
	Owner    string
	Pipeline Ingester
	Contexts ContextSearcher
	Actions  ActionManager
}

// NewMCPServer creates an MCP server with the triage tools and the pending
// actions resource registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"commander",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("commander triages inbound email, chat, meetings and calendar events into proposed actions awaiting approval."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_actions",
			mcp.WithDescription("List proposed actions, newest first."),
			mcp.WithString("status", mcp.Description("pending, executed, skipped or error (default pending)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of actions (default 20)")),
		),
		mcpListActions(deps),
	)

	s.AddTool(
		mcp.NewTool("approve_action",
			mcp.WithDescription("Approve a pending or failed action and execute it."),
			mcp.WithNumber("id", mcp.Description("Action id"), mcp.Required()),
		),
		mcpApproveAction(deps),
	)

	s.AddTool(
		mcp.NewTool("skip_action",
			mcp.WithDescription("Skip a pending or failed action without executing it."),
			mcp.WithNumber("id", mcp.Description("Action id"), mcp.Required()),
		),
		mcpSkipAction(deps),
	)

	s.AddTool(
		mcp.NewTool("search_contexts",
			mcp.WithDescription("Semantically search stored contexts."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("source_type", mcp.Description("Restrict to one source type")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchContexts(deps),
	)

	s.AddTool(
		mcp.NewTool("ingest_context",
			mcp.WithDescription("Ingest one context and return the actions proposed for it."),
			mcp.WithString("source_type", mcp.Description("email, slack, meeting_transcript or calendar_event"), mcp.Required()),
			mcp.WithString("source_id", mcp.Description("Id of the record in its source system"), mcp.Required()),
			mcp.WithString("context_text", mcp.Description("Rendered text the decision is made on"), mcp.Required()),
			mcp.WithString("sender", mcp.Description("Sender or author")),
			mcp.WithString("summary", mcp.Description("One-line summary")),
			mcp.WithString("timestamp", mcp.Description("RFC3339 time of the event (default now)")),
			mcp.WithBoolean("async", mcp.Description("Queue instead of deciding inline")),
		),
		mcpIngestContext(deps),
	)

	s.AddResource(
		mcp.NewResource(
			pendingURI,
			"Pending Actions",
			mcp.WithResourceDescription("Proposed actions awaiting approval"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePending(deps),
	)

	return s
}

func mcpListActions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := storage.ActionStatus(req.GetString("status", string(storage.StatusPending)))
		if !status.Valid() {
			return mcpError(fmt.Sprintf("unknown status %q", status)), nil
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 200 {
			limit = 20
		}

		list, err := deps.Actions.List(ctx, deps.Owner, storage.ActionFilter{Status: status, Limit: limit})
		if err != nil {
			return mcpError(fmt.Sprintf("listing actions failed: %v", err)), nil
		}
		if list == nil {
			list = []storage.ProposedAction{}
		}
		return mcpJSON(list)
	}
}

func mcpApproveAction(deps MCPDeps) server.ToolHandlerFunc {
	return mcpTransition(deps.Actions.Approve, deps.Owner, "approve")
}

func mcpSkipAction(deps MCPDeps) server.ToolHandlerFunc {
	return mcpTransition(deps.Actions.Skip, deps.Owner, "skip")
}

func mcpTransition(fn func(context.Context, string, int64) (storage.ProposedAction, error), owner, verb string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireInt("id")
		if err != nil || id <= 0 {
			return mcpError("id is required"), nil
		}
		a, err := fn(ctx, owner, int64(id))
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("action %d not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("%s failed: %v", verb, err)), nil
		}
		return mcpJSON(a)
	}
}

func mcpSearchContexts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		st := storage.SourceType(req.GetString("source_type", ""))
		if st != "" && !st.Valid() {
			return mcpError(fmt.Sprintf("unknown source_type %q", st)), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		found, err := deps.Contexts.Search(ctx, deps.Owner, query, retrieval.SearchOptions{Limit: limit, SourceType: st})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type hit struct {
			ID         string             `json:"id"`
			SourceType storage.SourceType `json:"source_type"`
			Sender     string             `json:"sender,omitempty"`
			Summary    string             `json:"summary,omitempty"`
			Timestamp  string             `json:"timestamp"`
			Score      float32            `json:"score"`
		}
		hits := make([]hit, len(found))
		for i, sc := range found {
			hits[i] = hit{
				ID:         sc.Context.ID,
				SourceType: sc.Context.SourceType,
				Sender:     sc.Context.Sender,
				Summary:    sc.Context.Summary,
				Timestamp:  sc.Context.Timestamp.Format(time.RFC3339),
				Score:      sc.Score,
			}
		}
		return mcpJSON(hits)
	}
}

func mcpIngestContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := req.RequireString("source_type")
		if err != nil {
			return mcpError("source_type is required"), nil
		}
		sourceID, err := req.RequireString("source_id")
		if err != nil {
			return mcpError("source_id is required"), nil
		}
		text, err := req.RequireString("context_text")
		if err != nil {
			return mcpError("context_text is required"), nil
		}

		item := storage.ContextItem{
			SourceType:  storage.SourceType(st),
			SourceID:    sourceID,
			ContextText: text,
			Sender:      req.GetString("sender", ""),
			Summary:     req.GetString("summary", ""),
		}
		if ts := req.GetString("timestamp", ""); ts != "" {
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid timestamp: %v", err)), nil
			}
			item.Timestamp = t
		}

		var res pipeline.Result
		if req.GetBool("async", false) {
			res, err = deps.Pipeline.Enqueue(ctx, deps.Owner, item)
		} else {
			res, err = deps.Pipeline.Ingest(ctx, deps.Owner, item)
		}
		if err != nil && res.Status == "" {
			return mcpError(fmt.Sprintf("ingest failed: %v", err)), nil
		}
		if res.Actions == nil {
			res.Actions = []storage.ProposedAction{}
		}
		return mcpJSON(res)
	}
}

func mcpResourcePending(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Actions.List(ctx, deps.Owner, storage.ActionFilter{Status: storage.StatusPending, Limit: 100})
		if err != nil {
			return nil, fmt.Errorf("failed to list pending actions: %w", err)
		}
		if list == nil {
			list = []storage.ProposedAction{}
		}

		b, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal actions: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
