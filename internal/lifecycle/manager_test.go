package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/commander/internal/dispatch"
	"github.com/kalambet/commander/internal/retrieval"
	"github.com/kalambet/commander/internal/storage"
)

type fakeExecutor struct {
	calls atomic.Int32
	fn    func(a storage.ProposedAction) dispatch.Result
}

func (f *fakeExecutor) Execute(_ context.Context, a storage.ProposedAction) dispatch.Result {
	f.calls.Add(1)
	return f.fn(a)
}

func succeed(storage.ProposedAction) dispatch.Result {
	return dispatch.Normalize(map[string]any{"success": true, "message_id": "<x@y>"})
}

func fail(msg string) func(storage.ProposedAction) dispatch.Result {
	return func(storage.ProposedAction) dispatch.Result {
		return dispatch.Normalize(map[string]any{"ok": false, "error": msg})
	}
}

// setup stores one context for u1 with a single pending action and returns
// the store and the action id.
func setup(t *testing.T) (*storage.Store, int64) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	item := storage.ContextItem{
		ID: "ctx-1", Owner: "u1", SourceType: storage.SourceEmail, SourceID: "m1",
		Timestamp: time.Now(), ContextText: "[EMAIL] hi",
	}
	if err := retrieval.NewContextStore(s.DB()).Upsert(ctx, "u1", item, []float32{1, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	created, err := s.RecordDecision(ctx, "u1", "ctx-1", "m", []storage.NewAction{{
		Type: "gmail_send_email", Payload: map[string]any{"to_email": "bob@example.com"}, Confidence: 0.9,
	}})
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	return s, created[0].ID
}

func TestApprove_SuccessIsIdempotent(t *testing.T) {
	s, id := setup(t)
	exec := &fakeExecutor{fn: succeed}
	m := NewManager(s, exec)
	ctx := context.Background()

	a, err := m.Approve(ctx, "u1", id)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if a.Status != storage.StatusExecuted {
		t.Errorf("status = %s, want executed", a.Status)
	}
	if a.Result["message_id"] != "<x@y>" {
		t.Errorf("result = %v", a.Result)
	}

	again, err := m.Approve(ctx, "u1", id)
	if err != nil {
		t.Fatalf("second Approve: %v", err)
	}
	if exec.calls.Load() != 1 {
		t.Errorf("executor called %d times, want 1", exec.calls.Load())
	}
	if again.Status != storage.StatusExecuted || !again.UpdatedAt.Equal(a.UpdatedAt) {
		t.Errorf("second approve changed the record: %+v", again)
	}
}

func TestApprove_ErrorIsRetryable(t *testing.T) {
	s, id := setup(t)
	exec := &fakeExecutor{fn: fail("channel_not_found")}
	m := NewManager(s, exec)
	ctx := context.Background()

	a, err := m.Approve(ctx, "u1", id)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if a.Status != storage.StatusError {
		t.Fatalf("status = %s, want error", a.Status)
	}
	if a.Result["error"] != "channel_not_found" || a.Result["success"] != false {
		t.Errorf("result = %v", a.Result)
	}

	exec.fn = succeed
	a, err = m.Approve(ctx, "u1", id)
	if err != nil {
		t.Fatalf("re-Approve: %v", err)
	}
	if exec.calls.Load() != 2 {
		t.Errorf("executor called %d times, want 2", exec.calls.Load())
	}
	if a.Status != storage.StatusExecuted {
		t.Errorf("status = %s, want executed", a.Status)
	}
}

func TestSkip_NeverExecutes(t *testing.T) {
	s, id := setup(t)
	exec := &fakeExecutor{fn: succeed}
	m := NewManager(s, exec)
	ctx := context.Background()

	a, err := m.Skip(ctx, "u1", id)
	if err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if a.Status != storage.StatusSkipped {
		t.Errorf("status = %s, want skipped", a.Status)
	}

	a, err = m.Approve(ctx, "u1", id)
	if err != nil {
		t.Fatalf("Approve after skip: %v", err)
	}
	if a.Status != storage.StatusSkipped {
		t.Errorf("status = %s, want skipped", a.Status)
	}
	if exec.calls.Load() != 0 {
		t.Errorf("executor called %d times, want 0", exec.calls.Load())
	}
}

func TestSkip_FromErrorKeepsDetail(t *testing.T) {
	s, id := setup(t)
	m := NewManager(s, &fakeExecutor{fn: fail("timeout")})
	ctx := context.Background()

	if _, err := m.Approve(ctx, "u1", id); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	a, err := m.Skip(ctx, "u1", id)
	if err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if a.Status != storage.StatusSkipped || a.Result["error"] != "timeout" {
		t.Errorf("action = %+v", a)
	}
}

func TestOwnerIsolation(t *testing.T) {
	s, id := setup(t)
	exec := &fakeExecutor{fn: succeed}
	m := NewManager(s, exec)
	ctx := context.Background()

	calls := map[string]func() error{
		"get":     func() error { _, err := m.Get(ctx, "u2", id); return err },
		"approve": func() error { _, err := m.Approve(ctx, "u2", id); return err },
		"skip":    func() error { _, err := m.Skip(ctx, "u2", id); return err },
		"edit":    func() error { _, err := m.Edit(ctx, "u2", id, map[string]any{}); return err },
		"missing": func() error { _, err := m.Get(ctx, "u1", id+100); return err },
	}
	for name, call := range calls {
		if err := call(); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", name, err)
		}
	}
	if exec.calls.Load() != 0 {
		t.Error("executor ran for another owner's action")
	}

	n, err := m.Delete(ctx, "u2", []int64{id})
	if err != nil || n != 0 {
		t.Errorf("Delete by other owner = %d, %v", n, err)
	}
	a, _ := m.Get(ctx, "u1", id)
	if a.Status != storage.StatusPending {
		t.Errorf("status = %s after other owner's calls", a.Status)
	}
}

func TestEdit(t *testing.T) {
	s, id := setup(t)
	m := NewManager(s, &fakeExecutor{fn: succeed})
	ctx := context.Background()

	a, err := m.Edit(ctx, "u1", id, map[string]any{"to_email": "carol@example.com"})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if a.Payload["to_email"] != "carol@example.com" {
		t.Errorf("payload = %v", a.Payload)
	}

	if _, err := m.Edit(ctx, "u1", id, map[string]any{"confidence": 0.3}); err == nil {
		t.Error("expected error editing confidence into payload")
	}

	if _, err := m.Approve(ctx, "u1", id); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := m.Edit(ctx, "u1", id, map[string]any{"to_email": "x"}); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("edit executed action: err = %v, want ErrConflict", err)
	}
}

func TestList_RejectsUnknownStatus(t *testing.T) {
	s, _ := setup(t)
	m := NewManager(s, &fakeExecutor{fn: succeed})
	if _, err := m.List(context.Background(), "u1", storage.ActionFilter{Status: "done"}); err == nil {
		t.Error("expected error for unknown status")
	}
	list, err := m.List(context.Background(), "u1", storage.ActionFilter{Status: storage.StatusPending})
	if err != nil || len(list) != 1 {
		t.Errorf("List = %d, %v", len(list), err)
	}
}

func TestApprove_ConcurrentCallsExecuteOnce(t *testing.T) {
	s, id := setup(t)
	exec := &fakeExecutor{fn: func(a storage.ProposedAction) dispatch.Result {
		time.Sleep(10 * time.Millisecond)
		return succeed(a)
	}}
	m := NewManager(s, exec)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Approve(context.Background(), "u1", id); err != nil {
				t.Errorf("Approve: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := exec.calls.Load(); got != 1 {
		t.Errorf("executor called %d times, want 1", got)
	}
	if len(m.locks.locks) != 0 {
		t.Errorf("%d lock entries left behind", len(m.locks.locks))
	}
}

func TestApprove_ManagersSharingStoreExecuteOnce(t *testing.T) {
	s, id := setup(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(a storage.ProposedAction) dispatch.Result {
		close(entered)
		<-release
		return succeed(a)
	}}
	first := NewManager(s, exec)
	second := NewManager(s, exec)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := first.Approve(ctx, "u1", id)
		done <- err
	}()
	<-entered

	if _, err := second.Approve(ctx, "u1", id); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("approve while executing: err = %v, want ErrConflict", err)
	}
	if _, err := second.Skip(ctx, "u1", id); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("skip while executing: err = %v, want ErrConflict", err)
	}
	if _, err := second.Edit(ctx, "u1", id, map[string]any{"to_email": "x"}); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("edit while executing: err = %v, want ErrConflict", err)
	}
	if a, _ := second.Get(ctx, "u1", id); !a.Executing || a.Status != storage.StatusPending {
		t.Errorf("action while executing = %+v", a)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Approve: %v", err)
	}

	a, err := second.Approve(ctx, "u1", id)
	if err != nil {
		t.Fatalf("second Approve after completion: %v", err)
	}
	if a.Status != storage.StatusExecuted || a.Executing {
		t.Errorf("action = %+v, want executed and released", a)
	}
	if got := exec.calls.Load(); got != 1 {
		t.Errorf("executor called %d times, want 1", got)
	}
}
