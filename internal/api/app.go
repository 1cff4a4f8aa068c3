package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/commander/internal/pipeline"
	"github.com/kalambet/commander/internal/profile"
	"github.com/kalambet/commander/internal/retrieval"
	"github.com/kalambet/commander/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// errBadRequest marks request validation failures detected in this package.
var errBadRequest = errors.New("bad request")

// Ingester runs or defers the triage pipeline for one context.
type Ingester interface {
	Ingest(ctx context.Context, owner string, item storage.ContextItem) (pipeline.Result, error)
	Enqueue(ctx context.Context, owner string, item storage.ContextItem) (pipeline.Result, error)
}

// ContextSearcher lists and searches stored contexts.
type ContextSearcher interface {
	Recent(ctx context.Context, owner string, limit int, sourceType storage.SourceType, processed *bool) ([]storage.ContextItem, error)
	Search(ctx context.Context, owner, query string, opts retrieval.SearchOptions) ([]retrieval.ScoredContext, error)
}

// ActionManager drives the proposed-action lifecycle.
type ActionManager interface {
	Get(ctx context.Context, owner string, id int64) (storage.ProposedAction, error)
	List(ctx context.Context, owner string, f storage.ActionFilter) ([]storage.ProposedAction, error)
	Approve(ctx context.Context, owner string, id int64) (storage.ProposedAction, error)
	Skip(ctx context.Context, owner string, id int64) (storage.ProposedAction, error)
	Edit(ctx context.Context, owner string, id int64, payload map[string]any) (storage.ProposedAction, error)
	Delete(ctx context.Context, owner string, ids []int64) (int, error)
}

type TodoLister interface {
	ListTodos(ctx context.Context, owner string, includeDone bool) ([]storage.Todo, error)
}

type AppDeps struct {
	Pipeline Ingester
	Contexts ContextSearcher
	Actions  ActionManager
	Todos    TodoLister
	Profile  *profile.Manager
	Tokens   TokenResolver
}

// NewAppHandler returns the authenticated management API. /health is the only
// route reachable without a token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Tokens))

		r.Post("/ingest", handleIngest(deps))
		r.Get("/contexts", handleListContexts(deps))
		r.Post("/contexts/similar", handleSimilarContexts(deps))

		r.Get("/actions", handleListActions(deps))
		r.Post("/actions/delete", handleDeleteActions(deps))
		r.Get("/actions/{id}", handleGetAction(deps))
		r.Patch("/actions/{id}", handleEditAction(deps))
		r.Post("/actions/{id}/approve", handleApproveAction(deps))
		r.Post("/actions/{id}/skip", handleSkipAction(deps))

		r.Get("/todos", handleListTodos(deps))
		r.Get("/profile", handleGetProfile(deps))
		r.Patch("/profile", handlePatchProfile(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListContexts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		st := storage.SourceType(q.Get("source_type"))
		if st != "" && !st.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown source_type %q", st)
			return
		}
		var processed *bool
		if s := q.Get("processed"); s != "" {
			v, err := strconv.ParseBool(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "processed must be true or false")
				return
			}
			processed = &v
		}
		limit := parseIntParam(r, "limit", 20, 100)

		items, err := deps.Contexts.Recent(r.Context(), OwnerFrom(r.Context()), limit, st, processed)
		if err != nil {
			writeErr(w, err, "listing contexts")
			return
		}
		if items == nil {
			items = []storage.ContextItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

type similarRequest struct {
	Query          string             `json:"query"`
	Limit          int                `json:"limit"`
	ScoreThreshold *float32           `json:"score_threshold"`
	SourceType     storage.SourceType `json:"source_type"`
}

type scoredContext struct {
	Context storage.ContextItem `json:"context"`
	Score   float32             `json:"score"`
}

func handleSimilarContexts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req similarRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if req.SourceType != "" && !req.SourceType.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown source_type %q", req.SourceType)
			return
		}
		if req.Limit <= 0 {
			req.Limit = 5
		}
		if req.Limit > 50 {
			req.Limit = 50
		}

		found, err := deps.Contexts.Search(r.Context(), OwnerFrom(r.Context()), req.Query, retrieval.SearchOptions{
			Limit:          req.Limit,
			ScoreThreshold: req.ScoreThreshold,
			SourceType:     req.SourceType,
		})
		if err != nil {
			writeErr(w, err, "searching contexts")
			return
		}
		out := make([]scoredContext, len(found))
		for i, sc := range found {
			out[i] = scoredContext{Context: sc.Context, Score: sc.Score}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListActions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := storage.ActionStatus(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}
		f := storage.ActionFilter{
			Status: status,
			Limit:  parseIntParam(r, "limit", 50, 200),
			Offset: parseIntParam(r, "offset", 0, 0),
		}

		list, err := deps.Actions.List(r.Context(), OwnerFrom(r.Context()), f)
		if err != nil {
			writeErr(w, err, "listing actions")
			return
		}
		if list == nil {
			list = []storage.ProposedAction{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetAction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := actionID(w, r)
		if !ok {
			return
		}
		a, err := deps.Actions.Get(r.Context(), OwnerFrom(r.Context()), id)
		if err != nil {
			writeErr(w, err, "getting action")
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleApproveAction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := actionID(w, r)
		if !ok {
			return
		}
		a, err := deps.Actions.Approve(r.Context(), OwnerFrom(r.Context()), id)
		if err != nil {
			writeErr(w, err, "approving action")
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleSkipAction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := actionID(w, r)
		if !ok {
			return
		}
		a, err := deps.Actions.Skip(r.Context(), OwnerFrom(r.Context()), id)
		if err != nil {
			writeErr(w, err, "skipping action")
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleEditAction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := actionID(w, r)
		if !ok {
			return
		}
		var req struct {
			Payload map[string]any `json:"payload"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Payload == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "payload is required")
			return
		}
		if _, ok := req.Payload["confidence"]; ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "confidence is not part of the payload")
			return
		}

		a, err := deps.Actions.Edit(r.Context(), OwnerFrom(r.Context()), id, req.Payload)
		if err != nil {
			writeErr(w, err, "editing action")
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleDeleteActions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []int64 `json:"ids"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.IDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ids is required")
			return
		}
		n, err := deps.Actions.Delete(r.Context(), OwnerFrom(r.Context()), req.IDs)
		if err != nil {
			writeErr(w, err, "deleting actions")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func handleListTodos(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeDone, _ := strconv.ParseBool(r.URL.Query().Get("include_done"))
		todos, err := deps.Todos.ListTodos(r.Context(), OwnerFrom(r.Context()), includeDone)
		if err != nil {
			writeErr(w, err, "listing todos")
			return
		}
		if todos == nil {
			todos = []storage.Todo{}
		}
		writeJSON(w, http.StatusOK, todos)
	}
}

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Profile.GetProfile(r.Context(), OwnerFrom(r.Context()))
		if err != nil {
			writeErr(w, err, "getting profile")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handlePatchProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]any
		if !decodeBody(w, r, &fields) {
			return
		}
		for key := range fields {
			if !profile.KnownKey(key) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown profile key %q", key)
				return
			}
		}

		owner := OwnerFrom(r.Context())
		for key, value := range fields {
			if err := deps.Profile.SetField(r.Context(), owner, key, value); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to set field %q: %v", key, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func actionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid action id %q", chi.URLParam(r, "id"))
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	return decodeBodyLimit(w, r, maxRequestBodySize, v)
}

func decodeBodyLimit(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// writeErr maps domain errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error, op string) {
	var upstream *pipeline.UpstreamError
	var search *retrieval.SearchError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s: %v", op, err)
	case errors.Is(err, pipeline.ErrInvalid), errors.Is(err, errBadRequest):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", op, err)
	case errors.Is(err, storage.ErrConflict):
		httpError(w, http.StatusConflict, "conflict_error", "%s: %v", op, err)
	case errors.As(err, &upstream), errors.As(err, &search):
		httpError(w, http.StatusServiceUnavailable, "upstream_error", "%s: %v", op, err)
	default:
		slog.Error("request failed", "op", op, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", op, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
