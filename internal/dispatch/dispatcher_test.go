package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/commander/internal/actions"
	"github.com/kalambet/commander/internal/storage"
)

func allExecutors(fn ExecutorFunc) map[storage.ActionType]Executor {
	m := make(map[storage.ActionType]Executor)
	for _, typ := range actions.Types() {
		m[typ] = fn
	}
	return m
}

func returning(out any, err error) ExecutorFunc {
	return func(context.Context, storage.ProposedAction) (any, error) { return out, err }
}

func TestNew_RequiresEveryKind(t *testing.T) {
	execs := allExecutors(returning("ok", nil))
	delete(execs, actions.SlackAddReaction)
	if _, err := New(execs); err == nil || !strings.Contains(err.Error(), "slack_add_reaction") {
		t.Fatalf("err = %v, want missing executor error", err)
	}

	execs = allExecutors(returning("ok", nil))
	execs["no_action"] = returning("ok", nil)
	if _, err := New(execs); err == nil {
		t.Fatal("expected error for executor bound to unregistered type")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		out     any
		success bool
		want    map[string]any
	}{
		{
			name:    "explicit success passes through",
			out:     map[string]any{"success": true, "message_id": "<x@y>"},
			success: true,
			want:    map[string]any{"success": true, "message_id": "<x@y>"},
		},
		{
			name:    "explicit failure passes through",
			out:     map[string]any{"success": false, "error": "mailbox full"},
			success: false,
			want:    map[string]any{"success": false, "error": "mailbox full"},
		},
		{
			name:    "foreign error shape",
			out:     map[string]any{"ok": false, "error": "channel_not_found"},
			success: false,
			want:    map[string]any{"success": false, "error": "channel_not_found"},
		},
		{
			name:    "foreign error object",
			out:     map[string]any{"error": map[string]any{"message": "bad credentials"}},
			success: false,
			want:    map[string]any{"success": false, "error": "bad credentials"},
		},
		{
			name:    "foreign success shape",
			out:     map[string]any{"ok": true, "ts": "1.2"},
			success: true,
			want:    map[string]any{"success": true, "output": map[string]any{"ok": true, "ts": "1.2"}},
		},
		{
			name:    "bare string",
			out:     "Draft saved to Drafts",
			success: true,
			want:    map[string]any{"success": true, "output": "Draft saved to Drafts"},
		},
		{
			name:    "unrecognized map",
			out:     map[string]any{"foo": "bar"},
			success: false,
			want:    map[string]any{"success": false, "error": "unrecognized executor result shape"},
		},
		{
			name:    "non-bool success flag",
			out:     map[string]any{"success": "yes"},
			success: false,
			want:    map[string]any{"success": false, "error": "executor success flag has type string"},
		},
		{
			name:    "other type",
			out:     42,
			success: false,
			want:    map[string]any{"success": false, "error": "unrecognized executor result of type int"},
		},
		{
			name:    "nil",
			out:     nil,
			success: false,
			want:    map[string]any{"success": false, "error": "executor returned no result"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.out)
			if got.Success != tt.success {
				t.Errorf("Success = %v, want %v", got.Success, tt.success)
			}
			if diff := cmp.Diff(tt.want, got.Envelope); diff != "" {
				t.Errorf("envelope (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExecute_ErrorBecomesEnvelope(t *testing.T) {
	d, err := New(allExecutors(returning(nil, errors.New("smtp is not configured"))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := d.Execute(context.Background(), storage.ProposedAction{ID: 1, Type: actions.SendEmail})
	if res.Success || res.Status() != storage.StatusError {
		t.Fatalf("res = %+v, want failure", res)
	}
	if res.ErrorMessage() != "smtp is not configured" {
		t.Errorf("error = %q", res.ErrorMessage())
	}
}

func TestExecute_PanicIsRecovered(t *testing.T) {
	d, err := New(allExecutors(func(context.Context, storage.ProposedAction) (any, error) {
		panic("nil map write")
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := d.Execute(context.Background(), storage.ProposedAction{ID: 2, Type: actions.CreateTodo})
	if res.Success {
		t.Fatal("panicking executor reported success")
	}
	if !strings.Contains(res.ErrorMessage(), "nil map write") {
		t.Errorf("error = %q", res.ErrorMessage())
	}
}

func TestExecute_UnknownType(t *testing.T) {
	d, err := New(allExecutors(returning("ok", nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := d.Execute(context.Background(), storage.ProposedAction{ID: 3, Type: "legacy_kind"})
	if res.Success || res.ErrorMessage() != "unknown action type: legacy_kind" {
		t.Errorf("res = %+v", res)
	}
}

func TestExecute_PassesActionAndTimeout(t *testing.T) {
	var got storage.ProposedAction
	var hasDeadline bool
	d, err := New(allExecutors(func(ctx context.Context, a storage.ProposedAction) (any, error) {
		got = a
		_, hasDeadline = ctx.Deadline()
		return map[string]any{"success": true}, nil
	}), WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	action := storage.ProposedAction{ID: 7, Owner: "u1", Type: actions.CreateIssue, Payload: map[string]any{"title": "x"}}
	res := d.Execute(context.Background(), action)
	if !res.Success || res.Status() != storage.StatusExecuted {
		t.Fatalf("res = %+v", res)
	}
	if diff := cmp.Diff(action, got); diff != "" {
		t.Errorf("action (-want +got):\n%s", diff)
	}
	if !hasDeadline {
		t.Error("executor context has no deadline")
	}
}
