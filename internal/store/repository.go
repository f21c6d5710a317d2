package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the suggestion id is absent from the store.
	ErrNotFound = errors.New("store: suggestion not found")
	// ErrInvalidTransition indicates a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("store: invalid status transition")
	// ErrNotConfigured indicates the backing pool was not initialised.
	ErrNotConfigured = errors.New("store: not configured")
)

// Repository provides durable CRUD plus status transitions over the suggestion
// collection, with FIFO semantics for pending work, and per-job run markers.
//
// Implementations serialise all mutation through a load-mutate-save cycle; a
// single active writer is assumed (see the scoped locks in each backend).
type Repository interface {
	// Enqueue assigns id and timestamp, sets status pending, and persists the
	// candidate. Duplicate policy is deliberately not applied here; the
	// analysis gate owns it.
	Enqueue(ctx context.Context, candidate Candidate) (Suggestion, error)

	// NextPending returns the oldest pending suggestion in insertion order,
	// or nil when the queue is empty.
	NextPending(ctx context.Context) (*Suggestion, error)

	// SetStatus applies a lifecycle transition. Unknown ids yield ErrNotFound,
	// forbidden transitions ErrInvalidTransition. Transitions into a terminal
	// state stamp the completion timestamp exactly once and record the outcome.
	SetStatus(ctx context.Context, id string, status Status, outcome *Outcome) error

	// Remove deletes a suggestion entirely, reporting whether it existed.
	Remove(ctx context.Context, id string) (bool, error)

	ListAll(ctx context.Context) ([]Suggestion, error)
	ListPending(ctx context.Context) ([]Suggestion, error)
	Stats(ctx context.Context) (Stats, error)

	// IsQueued reports whether the address matches a pending suggestion,
	// compared case-insensitively. Processing and terminal records never match.
	IsQueued(ctx context.Context, address string) (bool, error)

	// ReclaimProcessing moves processing records whose last update is older
	// than the cutoff back to pending, returning how many were reclaimed.
	ReclaimProcessing(ctx context.Context, olderThan time.Time) (int, error)

	// LastRun returns the run marker for a job, or nil when never recorded.
	LastRun(ctx context.Context, job string) (*time.Time, error)
	// MarkRun creates or overwrites the run marker for a job.
	MarkRun(ctx context.Context, job string, t time.Time) error
}

// canTransition encodes the suggestion state machine.
//
//	pending --> processing --> completed
//	                       \-> failed --> processing (manual retry)
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusProcessing
	default:
		return false
	}
}
