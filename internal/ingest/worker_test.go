package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/cuc/internal/storage"
)

type mockSourceIndexer struct {
	mu      sync.Mutex
	indexed []ReferenceSource
	indexFn func(ctx context.Context, src ReferenceSource) (int, error)
}

func (m *mockSourceIndexer) IndexSource(ctx context.Context, src ReferenceSource) (int, error) {
	if m.indexFn != nil {
		if n, err := m.indexFn(ctx, src); err != nil {
			return n, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexed = append(m.indexed, src)
	return 1, nil
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

func enqueueTestJob(t *testing.T, store *storage.Store, url string) string {
	t.Helper()
	id, err := EnqueueIndexURL(context.Background(), store, url, "")
	if err != nil {
		t.Fatalf("EnqueueIndexURL: %v", err)
	}
	return id
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, id string) storage.Job {
	t.Helper()
	job, err := store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob %s: %v", id, err)
	}
	return job
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "https://cloud.ibm.com/docs/cli")

	indexer := &mockSourceIndexer{}
	w := NewWorker(store, indexer, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	if len(indexer.indexed) != 1 {
		t.Fatalf("indexed %d sources, want 1", len(indexer.indexed))
	}
	src := indexer.indexed[0]
	if src.URL != "https://cloud.ibm.com/docs/cli" || src.Name != src.URL {
		t.Errorf("source = %+v", src)
	}
	if got := jobStatus(t, store, id).Status; got != storage.JobCompleted {
		t.Errorf("status = %q, want completed", got)
	}
}

func TestWorker_NoJobs(t *testing.T) {
	w := NewWorker(openTestStore(t), &mockSourceIndexer{}, 0)
	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("RunOnce = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "https://example.com/flaky")

	var calls atomic.Int32
	w := NewWorker(store, &mockSourceIndexer{
		indexFn: func(_ context.Context, _ ReferenceSource) (int, error) {
			n := calls.Add(1)
			if n <= 2 {
				return 0, fmt.Errorf("transient error %d", n)
			}
			return 0, nil
		},
	}, 0)
	ctx := context.Background()

	// 1st attempt fails and is rescheduled.
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 1 = %v, %v", didWork, err)
	}
	job := jobStatus(t, store, id)
	if job.Status != storage.JobPending || job.Attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", job.Status, job.Attempts)
	}
	if job.LastError != "transient error 1" {
		t.Errorf("last_error = %q", job.LastError)
	}

	// Backoff keeps the job out of reach until run_after passes.
	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Fatal("job was claimable during backoff")
	}

	resetRunAfter(t, store, id)
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2 = %v, %v", didWork, err)
	}
	if got := jobStatus(t, store, id).Attempts; got != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", got)
	}

	resetRunAfter(t, store, id)
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3 = %v, %v", didWork, err)
	}
	if got := jobStatus(t, store, id).Status; got != storage.JobCompleted {
		t.Errorf("after 3rd attempt: status=%q, want completed", got)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, "https://example.com/broken")

	w := NewWorker(store, &mockSourceIndexer{
		indexFn: func(_ context.Context, _ ReferenceSource) (int, error) {
			return 0, fmt.Errorf("permanent error")
		},
	}, 0)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil || !didWork {
			t.Fatalf("RunOnce %d = %v, %v", i, didWork, err)
		}
		if i < 3 {
			resetRunAfter(t, store, id)
		}
	}

	if got := jobStatus(t, store, id).Status; got != storage.JobFailed {
		t.Errorf("final status = %q, want failed", got)
	}
}

func TestWorker_BadPayloadFails(t *testing.T) {
	store := openTestStore(t)
	err := store.EnqueueJob(context.Background(), storage.Job{ID: "bad", Type: JobIndexURL, PayloadJSON: `{"name":"no url"}`, MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}

	indexer := &mockSourceIndexer{}
	w := NewWorker(store, indexer, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := jobStatus(t, store, "bad").Status; got != storage.JobFailed {
		t.Errorf("status = %q, want failed", got)
	}
	if len(indexer.indexed) != 0 {
		t.Error("indexer should not be called for a bad payload")
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
				url := fmt.Sprintf("https://example.com/%d/%d", g, j)
				if _, err := EnqueueIndexURL(context.Background(), store, url, ""); err != nil {
					t.Errorf("EnqueueIndexURL %s: %v", url, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	indexer := &mockSourceIndexer{}
	w := NewWorker(store, indexer, 0)

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

	seen := make(map[string]bool)
	for _, src := range indexer.indexed {
		seen[src.URL] = true
	}
	if len(seen) != total {
		t.Errorf("indexed %d distinct urls, want %d", len(seen), total)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	w := NewWorker(openTestStore(t), &mockSourceIndexer{}, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEnqueueIndexURL_RequiresURL(t *testing.T) {
	if _, err := EnqueueIndexURL(context.Background(), openTestStore(t), "", "x"); err == nil {
		t.Error("expected error for empty url")
	}
}
