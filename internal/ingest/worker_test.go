package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kalambet/commander/internal/pipeline"
	"github.com/kalambet/commander/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockProcessor struct {
	mu        sync.Mutex
	processed []string
	fn        func(ctx context.Context, owner string, item storage.ContextItem) (pipeline.Result, error)
}

func (m *mockProcessor) Process(ctx context.Context, owner string, item storage.ContextItem) (pipeline.Result, error) {
	if m.fn != nil {
		return m.fn(ctx, owner, item)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, owner+"/"+item.SourceID)
	return pipeline.Result{ContextID: item.ID, Status: pipeline.StatusProcessed}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, store *storage.Store, owner, sourceID string) string {
	t.Helper()
	payload, _ := json.Marshal(pipeline.JobPayload{
		Owner: owner,
		Item: storage.ContextItem{
			SourceType:  storage.SourceEmail,
			SourceID:    sourceID,
			ContextText: "[EMAIL] " + sourceID,
		},
	})
	job := storage.Job{
		ID:          "job-" + owner + "-" + sourceID,
		Type:        pipeline.JobType,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job.ID
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, storage.FormatTime(time.Now()), jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, jobID string) storage.Job {
	t.Helper()
	j, err := store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "u1", "m1")

	proc := &mockProcessor{}
	w := NewWorker(store, proc, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(proc.processed) != 1 || proc.processed[0] != "u1/m1" {
		t.Errorf("processed = %v", proc.processed)
	}
	if j := jobStatus(t, store, id); j.Status != "completed" {
		t.Errorf("status = %q, want completed", j.Status)
	}

	didWork, err = w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("empty queue: didWork=%v err=%v", didWork, err)
	}
}

func TestWorker_DuplicateCompletes(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "u1", "m1")

	w := NewWorker(store, &mockProcessor{
		fn: func(context.Context, string, storage.ContextItem) (pipeline.Result, error) {
			return pipeline.Result{Status: pipeline.StatusDuplicate}, pipeline.ErrDuplicate
		},
	}, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if j := jobStatus(t, store, id); j.Status != "completed" || j.Attempts != 0 {
		t.Errorf("job = %+v, want completed without a failed attempt", j)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "u1", "m-r")

	var calls atomic.Int32
	w := NewWorker(store, &mockProcessor{
		fn: func(_ context.Context, _ string, item storage.ContextItem) (pipeline.Result, error) {
			n := calls.Add(1)
			if n <= 2 {
				return pipeline.Result{}, &pipeline.UpstreamError{Stage: "embed", Err: fmt.Errorf("transient error %d", n)}
			}
			return pipeline.Result{ContextID: item.ID, Status: pipeline.StatusProcessed}, nil
		},
	}, 0)

	ctx := context.Background()

	// 1st attempt fails
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	j := jobStatus(t, store, id)
	if j.Status != "pending" || j.Attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", j.Status, j.Attempts)
	}
	if j.LastError != "embed: transient error 1" {
		t.Errorf("last_error = %q", j.LastError)
	}

	// Backed off, so nothing is claimable yet.
	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Error("claimed a job inside its backoff window")
	}

	resetRunAfter(t, store, id)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}
	if j := jobStatus(t, store, id); j.Attempts != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", j.Attempts)
	}

	resetRunAfter(t, store, id)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 3 error: %v", err)
	}
	if j := jobStatus(t, store, id); j.Status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", j.Status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "u1", "m-m")

	w := NewWorker(store, &mockProcessor{
		fn: func(context.Context, string, storage.ContextItem) (pipeline.Result, error) {
			return pipeline.Result{}, fmt.Errorf("permanent error")
		},
	}, 0)

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, id)
		}
	}

	if j := jobStatus(t, store, id); j.Status != "failed" {
		t.Errorf("final status = %q, want failed", j.Status)
	}
}

func TestWorker_BadPayloadFails(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(context.Background(), storage.Job{ID: "bad", Type: pipeline.JobType, PayloadJSON: "{"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	proc := &mockProcessor{}
	w := NewWorker(store, proc, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(proc.processed) != 0 {
		t.Error("processor called for unparseable payload")
	}
	if j := jobStatus(t, store, "bad"); j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
}

func TestWorker_ConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)

	const goroutines = 5
	const jobsPerGoroutine = 10
	const total = goroutines * jobsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < jobsPerGoroutine; j++ {
				payload, _ := json.Marshal(pipeline.JobPayload{
					Owner: fmt.Sprintf("u%d", g),
					Item:  storage.ContextItem{SourceType: storage.SourceSlack, SourceID: fmt.Sprintf("ts-%d", j), ContextText: "x"},
				})
				job := storage.Job{
					ID:          fmt.Sprintf("job-%d-%d", g, j),
					Type:        pipeline.JobType,
					PayloadJSON: string(payload),
				}
				if err := store.EnqueueJob(context.Background(), job); err != nil {
					t.Errorf("EnqueueJob %s: %v", job.ID, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	proc := &mockProcessor{}
	w := NewWorker(store, proc, 0)

	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if didWork {
			processed++
		}
	}

	counts, err := store.JobCounts(ctx)
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts["completed"] != total {
		t.Errorf("completed = %d, want %d", counts["completed"], total)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, "u1", "m1")

	proc := &mockProcessor{}
	w := NewWorker(store, proc, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		proc.mu.Lock()
		n := len(proc.processed)
		proc.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job not processed by Run")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
