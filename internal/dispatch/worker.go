package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkovalev/birdlens/internal/analytics"
	"github.com/mkovalev/birdlens/internal/storage"
)

const (
	defaultSubPollInterval = 2 * time.Second
	defaultSubPollAttempts = 120
)

// WorkerStore is the storage surface the background worker needs.
type WorkerStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	PutResult(rec storage.ResultRecord) error
}

// Worker drains dispatch jobs from the queue, runs the external computation
// detached from any request, and stages exactly one terminal result record
// per request identifier. Nothing a job does — upstream errors, malformed
// payloads, panics in normalization — escapes the worker loop.
type Worker struct {
	store    WorkerStore
	analyzer Analyzer
	replier  Replier
	poll     time.Duration

	// Sub-polling against the external service's own async job API.
	subPollInterval time.Duration
	subPollAttempts int

	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store WorkerStore, analyzer Analyzer, replier Replier, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:           store,
		analyzer:        analyzer,
		replier:         replier,
		poll:            pollInterval,
		subPollInterval: defaultSubPollInterval,
		subPollAttempts: defaultSubPollAttempts,
		logger:          slog.Default(),
	}
}

// SetSubPolling overrides the sub-polling cadence and attempt ceiling.
func (w *Worker) SetSubPolling(interval time.Duration, maxAttempts int) {
	if interval > 0 {
		w.subPollInterval = interval
	}
	if maxAttempts > 0 {
		w.subPollAttempts = maxAttempts
	}
}

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

// RunOnce claims and processes a single dispatch job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{jobTypeDispatch})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("dispatch job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processJob resolves one unit of work and stages its terminal record. An
// error return means the terminal record could not be written; execution
// failures themselves become error records and report success here, so the
// queue never re-runs work that already produced a terminal state.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.RequestID == "" {
		return fmt.Errorf("job %s has no request identifier", job.ID)
	}

	result, execErr := w.executeSafely(ctx, payload)

	rec := storage.ResultRecord{
		RequestID: payload.RequestID,
		Kind:      string(payload.Kind),
	}
	if execErr != nil {
		rec.Status = storage.StatusError
		rec.Error = execErr.Error()
		w.logger.Warn("work unit failed", "request_id", payload.RequestID, "error", execErr)
	} else {
		rec.Status = storage.StatusCompleted
		rec.Payload = result
	}

	if err := w.store.PutResult(rec); err != nil {
		return fmt.Errorf("staging terminal record for %s: %w", payload.RequestID, err)
	}
	return nil
}

// executeSafely converts a panic during work execution into an ordinary
// execution error, so a bad job stages an error record instead of taking
// down the loop.
func (w *Worker) executeSafely(ctx context.Context, payload jobPayload) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work unit panicked: %v", r)
		}
	}()
	return w.execute(ctx, payload)
}

func (w *Worker) execute(ctx context.Context, payload jobPayload) (string, error) {
	switch payload.Kind {
	case KindReply:
		return w.replier.Reply(ctx, payload.Tweet)
	case KindQuery:
		if w.analyzer == nil {
			return "", fmt.Errorf("analysis service not configured")
		}
		resp, err := w.analyzer.Analyze(ctx, payload.Query, payload.TopK)
		if err != nil {
			return "", err
		}
		if resp.RequestID == "" {
			return analytics.Normalize(resp.Raw), nil
		}
		// The service runs its own async job; poll its status endpoint.
		return w.subPoll(ctx, resp.RequestID)
	default:
		return "", fmt.Errorf("unknown work kind %q", payload.Kind)
	}
}

// subPoll checks the external service's job status at a fixed interval until
// completion or the attempt ceiling. A failed status check is logged and
// retried; only the ceiling or context cancellation ends the loop early.
func (w *Worker) subPoll(ctx context.Context, upstreamID string) (string, error) {
	for attempt := 1; attempt <= w.subPollAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		status, err := w.analyzer.CheckJob(ctx, upstreamID)
		if err != nil {
			w.logger.Debug("status check failed, retrying", "upstream_id", upstreamID, "attempt", attempt, "error", err)
		} else if status.Completed {
			return analytics.Normalize(status.Response), nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(w.subPollInterval):
		}
	}

	return "", fmt.Errorf("analysis request timed out after %d polling attempts", w.subPollAttempts)
}
