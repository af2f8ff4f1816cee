package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ResultStatus is the lifecycle state of a dispatched request.
type ResultStatus string

const (
	StatusPending   ResultStatus = "pending"
	StatusCompleted ResultStatus = "completed"
	StatusError     ResultStatus = "error"
)

// Terminal reports whether the status can no longer change.
func (s ResultStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ResultRecord is the staged outcome of one dispatched unit of work, keyed
// by its opaque request identifier. Once the status reaches a terminal state
// the record is immutable; while pending the payload and message may still
// be rewritten (progress updates).
type ResultRecord struct {
	RequestID string
	Kind      string // "query" or "reply"
	Status    ResultStatus
	Payload   string // result text when completed
	Error     string // human-readable description when status = error
	Message   string // progress message while pending
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Job is a unit of background dispatch work claimed by the worker loop.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
