package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	if _, err := os.Stat(filepath.Join(dir, DBFileName)); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	if v, err := parseMigrationVersion("007_add_index.sql"); err != nil || v != 7 {
		t.Errorf("parseMigrationVersion = %d, %v; want 7", v, err)
	}
	if _, err := parseMigrationVersion("init.sql"); err == nil {
		t.Error("expected error for unnumbered file")
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_documents_seq", "idx_documents_source", "idx_jobs_claim"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestDocumentsTableExists(t *testing.T) {
	s := openTestStore(t)

	_, err := s.DB().Exec(`INSERT INTO documents (id, seq, content, source, embedding, created_at)
		VALUES ('d1', 1, 'hello world', 'doc1', X'00000000', '2025-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("INSERT into documents: %v", err)
	}

	var content, metadata string
	err = s.DB().QueryRow(`SELECT content, metadata_json FROM documents WHERE id = 'd1'`).Scan(&content, &metadata)
	if err != nil {
		t.Fatalf("SELECT from documents: %v", err)
	}
	if content != "hello world" || metadata != "{}" {
		t.Errorf("round-trip mismatch: content=%q metadata=%q", content, metadata)
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	job := Job{ID: "j-claim-1", Type: "index_url", PayloadJSON: `{"url":"https://example.com"}`}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"index_url"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "j-claim-1" || got.Type != "index_url" {
		t.Errorf("job = %+v", got)
	}
	if got.PayloadJSON != `{"url":"https://example.com"}` {
		t.Errorf("PayloadJSON = %q", got.PayloadJSON)
	}
	if got.Status != JobRunning {
		t.Errorf("Status = %q, want %q", got.Status, JobRunning)
	}
	if got.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got.MaxAttempts)
	}
}

func TestEnqueueJob_RequiresIDAndType(t *testing.T) {
	s := openTestStore(t)
	if err := s.EnqueueJob(context.Background(), Job{Type: "x"}); err == nil {
		t.Error("expected error for missing id")
	}
	if err := s.EnqueueJob(context.Background(), Job{ID: "x"}); err == nil {
		t.Error("expected error for missing type")
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob(context.Background(), []string{"index_url"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
	if got, _ := s.ClaimNextJob(context.Background(), nil); got != nil {
		t.Errorf("expected nil for no types, got %+v", got)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	job := Job{ID: "j-future", Type: "x", PayloadJSON: `{}`, RunAfter: time.Now().UTC().Add(time.Hour)}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for future run_after, got %+v", got)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.EnqueueJob(ctx, Job{ID: "j-a", Type: "a", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob a: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "j-b", Type: "b", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob b: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"b"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil || got.Type != "b" {
		t.Fatalf("claimed %+v, want type b", got)
	}
}

func TestClaimNextJob_SkipsRunning(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.EnqueueJob(ctx, Job{ID: "j-first", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob first: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob first: %v", err)
	}
	if err := s.EnqueueJob(ctx, Job{ID: "j-second", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob second: %v", err)
	}

	got, err := s.ClaimNextJob(ctx, []string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob second: %v", err)
	}
	if got == nil || got.ID != "j-second" {
		t.Fatalf("claimed %+v, want j-second", got)
	}
}

func TestCompleteJob(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.EnqueueJob(ctx, Job{ID: "j-complete", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob(ctx, "j-complete"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	job, err := s.GetJob(ctx, "j-complete")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != JobCompleted {
		t.Errorf("status = %q, want %q", job.Status, JobCompleted)
	}

	if err := s.CompleteJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestFailJob_IncrementsAttemptsAndBacksOff(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail", Type: "x", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	before := time.Now().UTC().Truncate(time.Second)
	if err := s.FailJob(ctx, "j-fail", "something broke"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	job, err := s.GetJob(ctx, "j-fail")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Attempts != 1 || job.Status != JobPending || job.LastError != "something broke" {
		t.Errorf("job = %+v", job)
	}
	if !job.RunAfter.After(before) {
		t.Errorf("run_after %v should be after %v", job.RunAfter, before)
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.EnqueueJob(ctx, Job{ID: "j-fail-max", Type: "x", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob(ctx, []string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob(ctx, "j-fail-max", "fatal"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	job, _ := s.GetJob(ctx, "j-fail-max")
	if job.Status != JobFailed {
		t.Errorf("status = %q, want %q", job.Status, JobFailed)
	}
	if err := s.FailJob(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestJobCounts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.EnqueueJob(ctx, Job{ID: id, Type: "x", PayloadJSON: `{}`}); err != nil {
			t.Fatal(err)
		}
	}
	claimed, err := s.ClaimNextJob(ctx, []string{"x"})
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNextJob = %v, %v", claimed, err)
	}
	if err := s.CompleteJob(ctx, claimed.ID); err != nil {
		t.Fatal(err)
	}

	counts, err := s.JobCounts(ctx)
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts[JobPending] != 2 || counts[JobCompleted] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetJob(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
