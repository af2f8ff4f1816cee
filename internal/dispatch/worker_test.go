package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkovalev/birdlens/internal/analytics"
	"github.com/mkovalev/birdlens/internal/storage"
)

type fakeAnalyzer struct {
	analyzeFn  func(ctx context.Context, query string, topK int) (analytics.AnalyzeResponse, error)
	checkJobFn func(ctx context.Context, requestID string) (analytics.JobStatus, error)
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, query string, topK int) (analytics.AnalyzeResponse, error) {
	return f.analyzeFn(ctx, query, topK)
}

func (f *fakeAnalyzer) CheckJob(ctx context.Context, requestID string) (analytics.JobStatus, error) {
	if f.checkJobFn == nil {
		return analytics.JobStatus{}, errors.New("unexpected CheckJob call")
	}
	return f.checkJobFn(ctx, requestID)
}

type fakeReplier struct {
	replyFn func(ctx context.Context, tweet string) (string, error)
}

func (f *fakeReplier) Reply(ctx context.Context, tweet string) (string, error) {
	return f.replyFn(ctx, tweet)
}

// countingStore wraps a real store and counts terminal puts per request ID.
type countingStore struct {
	*storage.Store
	mu           sync.Mutex
	terminalPuts map[string]int
}

func newCountingStore(t *testing.T) *countingStore {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &countingStore{Store: s, terminalPuts: make(map[string]int)}
}

func (c *countingStore) PutResult(rec storage.ResultRecord) error {
	if rec.Status.Terminal() {
		c.mu.Lock()
		c.terminalPuts[rec.RequestID]++
		c.mu.Unlock()
	}
	return c.Store.PutResult(rec)
}

func (c *countingStore) terminalCount(requestID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalPuts[requestID]
}

func newTestWorker(store *countingStore, analyzer Analyzer, replier Replier) *Worker {
	w := NewWorker(store, analyzer, replier, 10*time.Millisecond)
	w.SetSubPolling(time.Millisecond, 5)
	return w
}

func submitWork(t *testing.T, store *countingStore, analyzer Analyzer, replier Replier, work Work) string {
	t.Helper()
	d := NewDispatcher(store, analyzer, replier)
	id, err := d.Submit(work)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

func runOneJob(t *testing.T, w *Worker) {
	t.Helper()
	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce claimed no job")
	}
}

func TestSubmitStagesPendingRecord(t *testing.T) {
	store := newCountingStore(t)
	d := NewDispatcher(store, &fakeAnalyzer{}, &fakeReplier{})

	id, err := d.Submit(Work{Kind: KindQuery, Query: "q", TopK: 5})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == "" {
		t.Fatal("Submit returned an empty request identifier")
	}

	rec, err := store.GetResult(id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if rec.Status != storage.StatusPending {
		t.Errorf("Status = %q, want pending", rec.Status)
	}
	if rec.Message != PendingMessage {
		t.Errorf("Message = %q, want %q", rec.Message, PendingMessage)
	}

	// Distinct submissions get distinct identifiers.
	id2, err := d.Submit(Work{Kind: KindQuery, Query: "q", TopK: 5})
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if id2 == id {
		t.Error("two submissions shared a request identifier")
	}
}

func TestWorkerImmediateCompletion(t *testing.T) {
	store := newCountingStore(t)
	analyzer := &fakeAnalyzer{
		analyzeFn: func(ctx context.Context, query string, topK int) (analytics.AnalyzeResponse, error) {
			return analytics.AnalyzeResponse{Raw: json.RawMessage(`{"response":"hello"}`)}, nil
		},
	}
	id := submitWork(t, store, analyzer, &fakeReplier{}, Work{Kind: KindQuery, Query: "q", TopK: 5})

	runOneJob(t, newTestWorker(store, analyzer, &fakeReplier{}))

	rec, err := store.GetResult(id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if rec.Status != storage.StatusCompleted {
		t.Errorf("Status = %q, want completed", rec.Status)
	}
	if rec.Payload != "hello" {
		t.Errorf("Payload = %q, want hello", rec.Payload)
	}
	if n := store.terminalCount(id); n != 1 {
		t.Errorf("terminal puts = %d, want 1", n)
	}
}

func TestWorkerSubPollingSuccess(t *testing.T) {
	store := newCountingStore(t)
	var checks atomic.Int32
	analyzer := &fakeAnalyzer{
		analyzeFn: func(ctx context.Context, query string, topK int) (analytics.AnalyzeResponse, error) {
			return analytics.AnalyzeResponse{RequestID: "upstream-7"}, nil
		},
		checkJobFn: func(ctx context.Context, requestID string) (analytics.JobStatus, error) {
			switch checks.Add(1) {
			case 1:
				// A transport failure must not abort the loop.
				return analytics.JobStatus{}, errors.New("connection reset")
			case 2:
				return analytics.JobStatus{Completed: false}, nil
			default:
				return analytics.JobStatus{
					Completed: true,
					Response:  json.RawMessage(`{"completed":true,"results":["a","b"]}`),
				}, nil
			}
		},
	}
	id := submitWork(t, store, analyzer, &fakeReplier{}, Work{Kind: KindQuery, Query: "q", TopK: 5})

	runOneJob(t, newTestWorker(store, analyzer, &fakeReplier{}))

	rec, err := store.GetResult(id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if rec.Status != storage.StatusCompleted {
		t.Fatalf("Status = %q, want completed (error: %q)", rec.Status, rec.Error)
	}
	if rec.Payload != `["a","b"]` {
		t.Errorf("Payload = %q, want stringified results", rec.Payload)
	}
	if n := store.terminalCount(id); n != 1 {
		t.Errorf("terminal puts = %d, want 1", n)
	}
}

func TestWorkerSubPollingTimeout(t *testing.T) {
	store := newCountingStore(t)
	analyzer := &fakeAnalyzer{
		analyzeFn: func(ctx context.Context, query string, topK int) (analytics.AnalyzeResponse, error) {
			return analytics.AnalyzeResponse{RequestID: "upstream-8"}, nil
		},
		checkJobFn: func(ctx context.Context, requestID string) (analytics.JobStatus, error) {
			return analytics.JobStatus{Completed: false}, nil
		},
	}
	id := submitWork(t, store, analyzer, &fakeReplier{}, Work{Kind: KindQuery, Query: "q", TopK: 5})

	runOneJob(t, newTestWorker(store, analyzer, &fakeReplier{}))

	rec, err := store.GetResult(id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if rec.Status != storage.StatusError {
		t.Fatalf("Status = %q, want error", rec.Status)
	}
	if !strings.Contains(rec.Error, "timed out") {
		t.Errorf("Error = %q, want a message containing %q", rec.Error, "timed out")
	}
	if n := store.terminalCount(id); n != 1 {
		t.Errorf("terminal puts = %d, want 1", n)
	}
}

func TestWorkerUpstreamError(t *testing.T) {
	store := newCountingStore(t)
	analyzer := &fakeAnalyzer{
		analyzeFn: func(ctx context.Context, query string, topK int) (analytics.AnalyzeResponse, error) {
			return analytics.AnalyzeResponse{}, &analytics.UpstreamError{Status: 502, Detail: "backend melted"}
		},
	}
	id := submitWork(t, store, analyzer, &fakeReplier{}, Work{Kind: KindQuery, Query: "q", TopK: 5})

	runOneJob(t, newTestWorker(store, analyzer, &fakeReplier{}))

	rec, err := store.GetResult(id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if rec.Status != storage.StatusError {
		t.Fatalf("Status = %q, want error", rec.Status)
	}
	if !strings.Contains(rec.Error, "backend melted") {
		t.Errorf("Error = %q, want upstream detail", rec.Error)
	}
}

// TestWorkerPanicStagesErrorRecord verifies a panic during execution stays
// inside the worker: the request gets a terminal error record and the loop
// keeps going.
func TestWorkerPanicStagesErrorRecord(t *testing.T) {
	store := newCountingStore(t)
	analyzer := &fakeAnalyzer{
		analyzeFn: func(ctx context.Context, query string, topK int) (analytics.AnalyzeResponse, error) {
			panic("normalization blew up")
		},
	}
	id := submitWork(t, store, analyzer, &fakeReplier{}, Work{Kind: KindQuery, Query: "q", TopK: 5})

	runOneJob(t, newTestWorker(store, analyzer, &fakeReplier{}))

	rec, err := store.GetResult(id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if rec.Status != storage.StatusError {
		t.Fatalf("Status = %q, want error", rec.Status)
	}
	if !strings.Contains(rec.Error, "panicked") || !strings.Contains(rec.Error, "normalization blew up") {
		t.Errorf("Error = %q, want panic message", rec.Error)
	}
	if n := store.terminalCount(id); n != 1 {
		t.Errorf("terminal puts = %d, want 1", n)
	}
}

// TestWorkerMissingAnalyzer covers a query job left in the durable queue
// being drained by a server restarted without upstream credentials.
func TestWorkerMissingAnalyzer(t *testing.T) {
	store := newCountingStore(t)
	analyzer := &fakeAnalyzer{
		analyzeFn: func(ctx context.Context, query string, topK int) (analytics.AnalyzeResponse, error) {
			return analytics.AnalyzeResponse{Raw: json.RawMessage(`"ok"`)}, nil
		},
	}
	id := submitWork(t, store, analyzer, &fakeReplier{}, Work{Kind: KindQuery, Query: "q", TopK: 5})

	runOneJob(t, newTestWorker(store, nil, &fakeReplier{}))

	rec, err := store.GetResult(id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if rec.Status != storage.StatusError {
		t.Fatalf("Status = %q, want error", rec.Status)
	}
	if !strings.Contains(rec.Error, "not configured") {
		t.Errorf("Error = %q, want configuration error", rec.Error)
	}
}

func TestWorkerReplyWork(t *testing.T) {
	store := newCountingStore(t)
	replier := &fakeReplier{
		replyFn: func(ctx context.Context, tweet string) (string, error) {
			return "generated: " + tweet, nil
		},
	}
	id := submitWork(t, store, &fakeAnalyzer{}, replier, Work{Kind: KindReply, Tweet: "gm"})

	runOneJob(t, newTestWorker(store, &fakeAnalyzer{}, replier))

	rec, err := store.GetResult(id)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if rec.Status != storage.StatusCompleted {
		t.Fatalf("Status = %q, want completed", rec.Status)
	}
	if rec.Payload != "generated: gm" {
		t.Errorf("Payload = %q", rec.Payload)
	}
	if rec.Kind != string(KindReply) {
		t.Errorf("Kind = %q, want reply", rec.Kind)
	}
}

func TestDispatcherSync(t *testing.T) {
	analyzer := &fakeAnalyzer{
		analyzeFn: func(ctx context.Context, query string, topK int) (analytics.AnalyzeResponse, error) {
			return analytics.AnalyzeResponse{Raw: json.RawMessage(`{"response":"hello"}`)}, nil
		},
	}
	replier := &fakeReplier{
		replyFn: func(ctx context.Context, tweet string) (string, error) {
			return "ack", nil
		},
	}
	d := NewDispatcher(newCountingStore(t), analyzer, replier)

	got, err := d.Sync(context.Background(), Work{Kind: KindQuery, Query: "q", TopK: 5})
	if err != nil {
		t.Fatalf("Sync query: %v", err)
	}
	if got != "hello" {
		t.Errorf("Sync query = %q, want hello", got)
	}

	got, err = d.Sync(context.Background(), Work{Kind: KindReply, Tweet: "t"})
	if err != nil {
		t.Fatalf("Sync reply: %v", err)
	}
	if got != "ack" {
		t.Errorf("Sync reply = %q, want ack", got)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	store := newCountingStore(t)
	w := newTestWorker(store, &fakeAnalyzer{}, &fakeReplier{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}
