package store

import (
	"context"

	"github.com/ripforge/ripforge/internal/model"
)

// ProgressCommitDelta is the minimum forward progress required before
// UpdateProgress writes to the database, per spec.md §4.2.
const ProgressCommitDelta = 5.0

// ProgressCommitInterval is the maximum time a progress update may be
// withheld regardless of delta.
const ProgressCommitInterval = 10 // seconds

// MaxListLimit is the hard cap on a single List page.
const MaxListLimit = 500

// Store defines the persistence and queue-discipline interface the
// worker and control plane drive jobs through. Implementations must be
// safe for concurrent use.
type Store interface {
	// Insert records a newly admitted job and assigns it an ID.
	Insert(ctx context.Context, job *model.Job) (int64, error)

	// ClaimNext atomically selects the oldest PENDING job (by created_at,
	// then id), marks it RUNNING with started_at = now, and returns it.
	// Returns (nil, nil) if no PENDING job exists.
	ClaimNext(ctx context.Context) (*model.Job, error)

	// UpdateProgress applies the rate limit from spec.md §4.2 before
	// writing: accepted only if progress >= last committed + 5.0,
	// progress == 100, or >=10s have elapsed since the last commit for
	// this job. A rejected update is a silent no-op, not an error.
	UpdateProgress(ctx context.Context, id int64, progress float64) error

	// Finish transitions a job to a terminal status, recording an
	// optional error kind/message and output path.
	Finish(ctx context.Context, id int64, status model.Status, errorKind model.ErrorKind, errMsg string, outputPath string) error

	// Requeue transitions a FAILED job back to PENDING, provided
	// retry_count < maxRetryCount. Increments retry_count and clears the
	// error. Returns false (no error) if the job was not eligible.
	Requeue(ctx context.Context, id int64, maxRetryCount int) (bool, error)

	// Get fetches a single job by ID. Returns nil, nil if not found.
	Get(ctx context.Context, id int64) (*model.Job, error)

	// List returns jobs, optionally filtered by status, newest first.
	// limit is clamped to MaxListLimit.
	List(ctx context.Context, status model.Status, limit, offset int) ([]*model.Job, error)

	// Stats computes per-status counts across the whole table.
	Stats(ctx context.Context) (Stats, error)

	// RecoverOrphans transitions every RUNNING job to PENDING with
	// error_kind=interrupted. Called once at startup before the worker
	// or HTTP listener starts.
	RecoverOrphans(ctx context.Context) (int, error)

	// ResetToPending persists a single job back to PENDING with the
	// given error kind, without touching retry_count. Used by the
	// worker's graceful-shutdown path (error_kind=shutdown), distinct
	// from Requeue which is the control-plane retry operation.
	ResetToPending(ctx context.Context, id int64, errorKind model.ErrorKind) error

	// Delete permanently removes a job row. Callers must reject this for
	// a RUNNING job before calling it; Delete itself does not check status.
	Delete(ctx context.Context, id int64) error

	// Close releases the underlying database handle.
	Close() error
}

// Stats holds queue statistics for the /stats endpoint.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}
