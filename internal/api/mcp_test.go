package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/commander/internal/history"
	"github.com/kalambet/commander/internal/lifecycle"
	"github.com/kalambet/commander/internal/pipeline"
	"github.com/kalambet/commander/internal/retrieval"
	"github.com/kalambet/commander/internal/storage"
)

// --- helpers ---

type mcpFixture struct {
	deps     MCPDeps
	store    *storage.Store
	embedder *stubEmbedder
	exec     *stubExecutor
}

func newTestMCPDeps(t *testing.T) *mcpFixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &mcpFixture{store: store, embedder: &stubEmbedder{}, exec: &stubExecutor{}}
	contexts := retrieval.NewContextStore(store.DB())
	f.deps = MCPDeps{
		Owner: "u1",
		Pipeline: pipeline.New(pipeline.Deps{
			Contexts:  contexts,
			Embedder:  f.embedder,
			History:   history.NewAssembler(contexts, store),
			Decider:   stubDecider{},
			Decisions: store,
			Jobs:      &stubJobs{},
		}, 5, 5),
		Contexts: searcher{store: contexts, embedder: f.embedder},
		Actions:  lifecycle.NewManager(store, f.exec),
	}
	return f
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func ingestArgs(sourceID string) map[string]interface{} {
	return map[string]interface{}{
		"source_type":  "email",
		"source_id":    sourceID,
		"context_text": "[EMAIL]\nFrom: bob@example.com\nSubject: Lunch?",
		"sender":       "bob@example.com",
		"timestamp":    "2024-06-01T09:00:00Z",
	}
}

// ingest runs ingest_context and returns the decoded result.
func (f *mcpFixture) ingest(t *testing.T, sourceID string) pipeline.Result {
	t.Helper()
	result, err := mcpIngestContext(f.deps)(context.Background(), makeCallToolRequest("ingest_context", ingestArgs(sourceID)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var res pipeline.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	return res
}

// --- tests ---

func TestMCPTool_IngestContext(t *testing.T) {
	f := newTestMCPDeps(t)

	res := f.ingest(t, "m1")
	if res.Status != pipeline.StatusProcessed || len(res.Actions) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Actions[0].Owner != "u1" {
		t.Errorf("owner = %q, want u1", res.Actions[0].Owner)
	}

	again := f.ingest(t, "m1")
	if again.Status != pipeline.StatusDuplicate {
		t.Errorf("second ingest status = %q, want duplicate", again.Status)
	}
}

func TestMCPTool_IngestContext_Invalid(t *testing.T) {
	f := newTestMCPDeps(t)

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing source_id", map[string]interface{}{"source_type": "email", "context_text": "x"}, "source_id is required"},
		{"unknown source type", map[string]interface{}{"source_type": "fax", "source_id": "1", "context_text": "x"}, "ingest failed"},
		{"bad timestamp", map[string]interface{}{"source_type": "email", "source_id": "1", "context_text": "x", "timestamp": "yesterday"}, "invalid timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := mcpIngestContext(f.deps)(context.Background(), makeCallToolRequest("ingest_context", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Fatal("expected tool error")
			}
			if text := toolText(t, result); !strings.Contains(text, tt.want) {
				t.Errorf("text = %q, want it to contain %q", text, tt.want)
			}
		})
	}
}

func TestMCPTool_IngestContext_UpstreamQueues(t *testing.T) {
	f := newTestMCPDeps(t)
	f.embedder.err = errors.New("connection refused")

	res := f.ingest(t, "m1")
	if res.Status != pipeline.StatusQueued {
		t.Errorf("status = %q, want queued", res.Status)
	}
}

func TestMCPTool_ListApproveSkip(t *testing.T) {
	f := newTestMCPDeps(t)
	first := f.ingest(t, "m1").Actions[0].ID
	second := f.ingest(t, "m2").Actions[0].ID
	ctx := context.Background()

	result, err := mcpListActions(f.deps)(ctx, makeCallToolRequest("list_actions", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var pending []storage.ProposedAction
	if err := json.Unmarshal([]byte(toolText(t, result)), &pending); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	result, _ = mcpApproveAction(f.deps)(ctx, makeCallToolRequest("approve_action", map[string]interface{}{"id": float64(first)}))
	if result.IsError {
		t.Fatalf("approve: %s", toolText(t, result))
	}
	var approved storage.ProposedAction
	json.Unmarshal([]byte(toolText(t, result)), &approved)
	if approved.Status != storage.StatusExecuted {
		t.Errorf("approved status = %q", approved.Status)
	}

	result, _ = mcpSkipAction(f.deps)(ctx, makeCallToolRequest("skip_action", map[string]interface{}{"id": float64(second)}))
	if result.IsError {
		t.Fatalf("skip: %s", toolText(t, result))
	}
	if f.exec.calls.Load() != 1 {
		t.Errorf("executor calls = %d, want 1", f.exec.calls.Load())
	}

	result, _ = mcpListActions(f.deps)(ctx, makeCallToolRequest("list_actions", nil))
	if text := toolText(t, result); text != "[]" {
		t.Errorf("pending after approve and skip = %s", text)
	}
}

func TestMCPTool_ApproveUnknown(t *testing.T) {
	f := newTestMCPDeps(t)

	result, err := mcpApproveAction(f.deps)(context.Background(), makeCallToolRequest("approve_action", map[string]interface{}{"id": float64(404)}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("result = %+v", result)
	}
}

func TestMCPTool_ListActions_BadStatus(t *testing.T) {
	f := newTestMCPDeps(t)

	result, _ := mcpListActions(f.deps)(context.Background(), makeCallToolRequest("list_actions", map[string]interface{}{"status": "done"}))
	if !result.IsError {
		t.Error("expected tool error for unknown status")
	}
}

func TestMCPTool_SearchContexts(t *testing.T) {
	f := newTestMCPDeps(t)
	f.ingest(t, "m1")

	result, err := mcpSearchContexts(f.deps)(context.Background(), makeCallToolRequest("search_contexts", map[string]interface{}{
		"query": "lunch",
		"limit": float64(3),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	var hits []struct {
		ID     string  `json:"id"`
		Sender string  `json:"sender"`
		Score  float32 `json:"score"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != pipeline.ContextID("u1", storage.SourceEmail, "m1") {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Sender != "bob@example.com" {
		t.Errorf("sender = %q", hits[0].Sender)
	}
}

func TestMCPTool_SearchContexts_MissingQuery(t *testing.T) {
	f := newTestMCPDeps(t)

	result, _ := mcpSearchContexts(f.deps)(context.Background(), makeCallToolRequest("search_contexts", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected tool error")
	}
}

func TestMCPResource_Pending(t *testing.T) {
	f := newTestMCPDeps(t)
	f.ingest(t, "m1")

	contents, err := mcpResourcePending(f.deps)(context.Background(), makeReadResourceRequest(pendingURI))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var list []storage.ProposedAction
	if err := json.Unmarshal([]byte(tc.Text), &list); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(list) != 1 || list[0].Status != storage.StatusPending {
		t.Errorf("pending = %+v", list)
	}
}

func TestNewMCPServer_Registers(t *testing.T) {
	f := newTestMCPDeps(t)
	if s := NewMCPServer(f.deps, "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
