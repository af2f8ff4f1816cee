// Package dispatch orchestrates long-running computation requests: it hands
// out opaque request identifiers, runs the external calls detached from the
// originating HTTP request, and publishes exactly one terminal result record
// per identifier into the staging store.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mkovalev/birdlens/internal/analytics"
	"github.com/mkovalev/birdlens/internal/storage"
)

// WorkKind discriminates the two units of work the gateway accepts.
type WorkKind string

const (
	KindQuery WorkKind = "query"
	KindReply WorkKind = "reply"
)

// Work is one unit of computation: a natural-language analytics query or a
// tweet to generate a reply for.
type Work struct {
	Kind  WorkKind
	Query string
	TopK  int
	Tweet string
}

// Analyzer is the external computation service surface the dispatcher needs.
type Analyzer interface {
	Analyze(ctx context.Context, query string, topK int) (analytics.AnalyzeResponse, error)
	CheckJob(ctx context.Context, requestID string) (analytics.JobStatus, error)
}

// Replier produces reply text for a tweet.
type Replier interface {
	Reply(ctx context.Context, tweet string) (string, error)
}

// SubmitStore is the staging surface used on the submission path.
type SubmitStore interface {
	PutResult(rec storage.ResultRecord) error
	EnqueueJob(job storage.Job) error
}

// PendingMessage is staged alongside a freshly issued request identifier.
const PendingMessage = "Request accepted for processing"

// jobTypeDispatch is the queue type claimed by the dispatch worker.
const jobTypeDispatch = "dispatch"

// jobPayload is the queued form of a submitted unit of work.
type jobPayload struct {
	RequestID string   `json:"request_id"`
	Kind      WorkKind `json:"kind"`
	Query     string   `json:"query,omitempty"`
	TopK      int      `json:"top_k,omitempty"`
	Tweet     string   `json:"tweet,omitempty"`
}

// Dispatcher accepts units of work either synchronously (one passthrough
// call) or asynchronously (staged behind a request identifier and executed
// by the Worker).
type Dispatcher struct {
	store    SubmitStore
	analyzer Analyzer
	replier  Replier
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher over the staging store and the two
// computation backends.
func NewDispatcher(store SubmitStore, analyzer Analyzer, replier Replier) *Dispatcher {
	return &Dispatcher{
		store:    store,
		analyzer: analyzer,
		replier:  replier,
		logger:   slog.Default(),
	}
}

// Sync runs one unit of work to completion within the caller's request and
// returns the normalized payload. Upstream failures surface as
// *analytics.UpstreamError so callers can propagate the status code.
func (d *Dispatcher) Sync(ctx context.Context, work Work) (string, error) {
	switch work.Kind {
	case KindReply:
		return d.replier.Reply(ctx, work.Tweet)
	case KindQuery:
		resp, err := d.analyzer.Analyze(ctx, work.Query, work.TopK)
		if err != nil {
			return "", err
		}
		return analytics.Normalize(resp.Raw), nil
	default:
		return "", fmt.Errorf("unknown work kind %q", work.Kind)
	}
}

// Submit stages a unit of work for background execution and returns a fresh
// request identifier immediately. A pending result record exists by the time
// this returns, so pollers observe "pending" rather than "not found".
func (d *Dispatcher) Submit(work Work) (string, error) {
	requestID := uuid.New().String()

	rec := storage.ResultRecord{
		RequestID: requestID,
		Kind:      string(work.Kind),
		Status:    storage.StatusPending,
		Message:   PendingMessage,
	}
	if err := d.store.PutResult(rec); err != nil {
		return "", fmt.Errorf("staging pending record: %w", err)
	}

	payload, err := json.Marshal(jobPayload{
		RequestID: requestID,
		Kind:      work.Kind,
		Query:     work.Query,
		TopK:      work.TopK,
		Tweet:     work.Tweet,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}

	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        jobTypeDispatch,
		PayloadJSON: string(payload),
	}
	if err := d.store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing dispatch job: %w", err)
	}

	d.logger.Debug("work submitted", "request_id", requestID, "kind", work.Kind)
	return requestID, nil
}
