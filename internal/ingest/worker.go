package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/cuc/internal/storage"
)

// JobIndexURL is the job type for background page indexing.
const JobIndexURL = "index_url"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// SourceIndexer indexes one reference source.
type SourceIndexer interface {
	IndexSource(ctx context.Context, src ReferenceSource) (int, error)
}

type indexURLPayload struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// EnqueueIndexURL queues url for background indexing and returns the job ID.
func EnqueueIndexURL(ctx context.Context, jobs JobStore, url, name string) (string, error) {
	if url == "" {
		return "", errors.New("url is required")
	}
	payload, err := json.Marshal(indexURLPayload{URL: url, Name: name})
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	if err := jobs.EnqueueJob(ctx, storage.Job{ID: id, Type: JobIndexURL, PayloadJSON: string(payload)}); err != nil {
		return "", err
	}
	return id, nil
}

// Worker processes index_url jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	indexer SourceIndexer
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, indexer SourceIndexer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		indexer: indexer,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// SetLogger overrides the default logger.
func (w *Worker) SetLogger(l *slog.Logger) { w.logger = l }

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single index_url job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobIndexURL})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload indexURLPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.URL == "" {
		return errors.New("payload has no url")
	}

	name := payload.Name
	if name == "" {
		name = payload.URL
	}
	n, err := w.indexer.IndexSource(ctx, ReferenceSource{Name: name, URL: payload.URL, SourceType: SourceDocumentation})
	if err != nil {
		return err
	}
	w.logger.Info("indexed url", "job_id", job.ID, "url", payload.URL, "chunks", n)
	return nil
}
