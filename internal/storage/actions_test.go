package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRecordDecision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertContext(t, s, "c1", "alice")

	created, err := s.RecordDecision(ctx, "alice", "c1", "gpt-4o-mini", []NewAction{
		{Type: "gmail_send_email", Payload: map[string]any{"to_email": "bob@example.com"}, Confidence: 0.9},
		{Type: "create_todo", Payload: map[string]any{"title": "Follow up"}, Confidence: 0.7},
	})
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d actions, want 2", len(created))
	}
	for _, a := range created {
		if a.Status != StatusPending {
			t.Errorf("action %d status = %q, want pending", a.ID, a.Status)
		}
		if a.SourceType != SourceEmail || a.Sender != "alice@example.com" || a.Summary != "Hello" {
			t.Errorf("action %d source fields not copied: %+v", a.ID, a)
		}
	}
	if created[0].ID >= created[1].ID {
		t.Errorf("ids not increasing: %d, %d", created[0].ID, created[1].ID)
	}

	var processed int
	if err := s.db.QueryRow(`SELECT processed FROM contexts WHERE id = 'c1'`).Scan(&processed); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}

	n, err := s.CountDecisions(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("CountDecisions: %v", err)
	}
	if n != 1 {
		t.Errorf("decisions = %d, want 1", n)
	}

	got, err := s.GetAction(ctx, "alice", created[0].ID)
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"to_email": "bob@example.com"}, got.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordDecision_EmptyStillMarksProcessed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertContext(t, s, "c1", "alice")

	created, err := s.RecordDecision(ctx, "alice", "c1", "m", nil)
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("created = %d, want 0", len(created))
	}

	var processed int
	if err := s.db.QueryRow(`SELECT processed FROM contexts WHERE id = 'c1'`).Scan(&processed); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
}

func TestRecordDecision_WrongOwnerIsNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertContext(t, s, "c1", "alice")

	_, err := s.RecordDecision(ctx, "bob", "c1", "m", []NewAction{{Type: "create_todo"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	list, err := s.ListActions(ctx, "alice", ActionFilter{})
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no actions written, got %d", len(list))
	}
}

func TestGetAction_CrossOwnerIsNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertContext(t, s, "c1", "alice")

	created, err := s.RecordDecision(ctx, "alice", "c1", "m", []NewAction{{Type: "create_todo"}})
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if _, err := s.GetAction(ctx, "bob", created[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetAction(ctx, "alice", 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionAction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertContext(t, s, "c1", "alice")

	created, err := s.RecordDecision(ctx, "alice", "c1", "m", []NewAction{{Type: "create_todo"}})
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	id := created[0].ID

	got, err := s.TransitionAction(ctx, "alice", id, []ActionStatus{StatusPending, StatusError}, StatusExecuted,
		map[string]any{"success": true})
	if err != nil {
		t.Fatalf("TransitionAction: %v", err)
	}
	if got.Status != StatusExecuted {
		t.Errorf("status = %q, want executed", got.Status)
	}
	if got.Result["success"] != true {
		t.Errorf("result = %v", got.Result)
	}

	again, err := s.TransitionAction(ctx, "alice", id, []ActionStatus{StatusPending, StatusError}, StatusSkipped, nil)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second transition err = %v, want ErrConflict", err)
	}
	if again.Status != StatusExecuted {
		t.Errorf("conflict should return current record, got status %q", again.Status)
	}

	if _, err := s.TransitionAction(ctx, "bob", id, []ActionStatus{StatusExecuted}, StatusSkipped, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-owner transition err = %v, want ErrNotFound", err)
	}
}

func TestUpdateActionPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertContext(t, s, "c1", "alice")

	created, err := s.RecordDecision(ctx, "alice", "c1", "m", []NewAction{
		{Type: "create_todo", Payload: map[string]any{"title": "old"}},
	})
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	id := created[0].ID

	got, err := s.UpdateActionPayload(ctx, "alice", id, map[string]any{"title": "new"})
	if err != nil {
		t.Fatalf("UpdateActionPayload: %v", err)
	}
	if got.Payload["title"] != "new" {
		t.Errorf("payload = %v", got.Payload)
	}

	if _, err := s.TransitionAction(ctx, "alice", id, []ActionStatus{StatusPending}, StatusSkipped, nil); err != nil {
		t.Fatalf("TransitionAction: %v", err)
	}
	if _, err := s.UpdateActionPayload(ctx, "alice", id, map[string]any{"title": "late"}); !errors.Is(err, ErrConflict) {
		t.Errorf("edit after skip err = %v, want ErrConflict", err)
	}
}

func TestListAndDeleteActions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertContext(t, s, "c1", "alice")
	insertContext(t, s, "c2", "bob")

	aliceActions, err := s.RecordDecision(ctx, "alice", "c1", "m", []NewAction{
		{Type: "create_todo"}, {Type: "gmail_send_email"}, {Type: "slack_post_message"},
	})
	if err != nil {
		t.Fatalf("RecordDecision alice: %v", err)
	}
	bobActions, err := s.RecordDecision(ctx, "bob", "c2", "m", []NewAction{{Type: "create_todo"}})
	if err != nil {
		t.Fatalf("RecordDecision bob: %v", err)
	}
	if _, err := s.TransitionAction(ctx, "alice", aliceActions[0].ID, []ActionStatus{StatusPending}, StatusSkipped, nil); err != nil {
		t.Fatalf("TransitionAction: %v", err)
	}

	pending, err := s.ListActions(ctx, "alice", ActionFilter{Status: StatusPending})
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	var ids []int64
	for _, a := range pending {
		ids = append(ids, a.ID)
	}
	want := []int64{aliceActions[2].ID, aliceActions[1].ID}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("pending ids mismatch (-want +got):\n%s", diff)
	}

	byContext, err := s.ActionsForContexts(ctx, "alice", []string{"c1", "c2"})
	if err != nil {
		t.Fatalf("ActionsForContexts: %v", err)
	}
	if len(byContext["c1"]) != 3 || len(byContext["c2"]) != 0 {
		t.Errorf("ActionsForContexts = %d for c1, %d for c2", len(byContext["c1"]), len(byContext["c2"]))
	}

	n, err := s.DeleteActions(ctx, "alice", []int64{aliceActions[0].ID, aliceActions[1].ID, bobActions[0].ID})
	if err != nil {
		t.Fatalf("DeleteActions: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if _, err := s.GetAction(ctx, "bob", bobActions[0].ID); err != nil {
		t.Errorf("bob's action should survive: %v", err)
	}
}

func TestRecordDecision_AlreadyProcessedIsConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertContext(t, s, "c1", "alice")

	if _, err := s.RecordDecision(ctx, "alice", "c1", "m", []NewAction{{Type: "create_todo"}}); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	_, err := s.RecordDecision(ctx, "alice", "c1", "m", []NewAction{{Type: "create_todo"}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second RecordDecision err = %v, want ErrConflict", err)
	}

	list, err := s.ListActions(ctx, "alice", ActionFilter{})
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("actions = %d, want 1", len(list))
	}
}

func TestClaimAction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertContext(t, s, "c1", "alice")
	created, err := s.RecordDecision(ctx, "alice", "c1", "m", []NewAction{{Type: "create_todo"}})
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	id := created[0].ID
	actionable := []ActionStatus{StatusPending, StatusError}

	a, stale, err := s.ClaimAction(ctx, "alice", id, actionable, time.Hour)
	if err != nil {
		t.Fatalf("ClaimAction: %v", err)
	}
	if !a.Executing {
		t.Error("claimed action not marked executing")
	}

	if _, _, err := s.ClaimAction(ctx, "alice", id, actionable, time.Hour); !errors.Is(err, ErrConflict) {
		t.Errorf("second claim err = %v, want ErrConflict", err)
	}
	if _, _, err := s.ClaimAction(ctx, "bob", id, actionable, time.Hour); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-owner claim err = %v, want ErrNotFound", err)
	}

	// A claim older than the lease is taken over.
	time.Sleep(2 * time.Millisecond)
	_, claim, err := s.ClaimAction(ctx, "alice", id, actionable, time.Millisecond)
	if err != nil {
		t.Fatalf("takeover claim: %v", err)
	}

	if _, err := s.CompleteAction(ctx, "alice", id, stale, StatusExecuted, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("complete with lost claim err = %v, want ErrConflict", err)
	}
	done, err := s.CompleteAction(ctx, "alice", id, claim, StatusExecuted, map[string]any{"success": true})
	if err != nil {
		t.Fatalf("CompleteAction: %v", err)
	}
	if done.Status != StatusExecuted || done.Executing || done.Result["success"] != true {
		t.Errorf("completed action = %+v", done)
	}

	if _, _, err := s.ClaimAction(ctx, "alice", id, actionable, time.Hour); !errors.Is(err, ErrConflict) {
		t.Errorf("claim of executed action err = %v, want ErrConflict", err)
	}
}
