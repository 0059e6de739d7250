// Package history defines the durable history-store interface the core
// consumes to persist run/attempt and per-job status, and to answer resume
// queries. Grounded on spec section 4.2 and the teacher's
// pkg/storage/interface.go (JobStore/ExecutionStore shape); operation names
// follow original_source/jobs/execution_history_manager.py and
// jobs/state_manager.py.
package history

import (
	"context"
	"time"

	"pipelex/pkg/models"
)

// Store is the narrow interface the engine's core reads and writes through.
// Every operation is durable and atomic per call; concurrent writers are
// serialized by the implementation (see pkg/history/sqlite for the
// busy-timeout based default).
type Store interface {
	// AllocateRunID returns the next integer greater than any run_id ever
	// issued by this store (global monotone, per spec's Open Question
	// resolution in DESIGN.md).
	AllocateRunID(ctx context.Context) (int64, error)

	// NextAttemptID returns max(attempt_id)+1 for runID, or 1 if none exist.
	NextAttemptID(ctx context.Context, runID int64) (int64, error)

	// OpenRun creates the run_summary row for a new attempt.
	OpenRun(ctx context.Context, run models.Run) error

	// CloseRun finalizes a run_summary row with terminal counts and status.
	CloseRun(ctx context.Context, runID, attemptID int64, endTime time.Time, status models.RunStatus, completed, failed, skipped, exitCode int) error

	// RecordJob upserts a JobAttempt's terminal (or in-flight) status.
	RecordJob(ctx context.Context, attempt models.JobAttempt) error

	// RecordRetry appends a retry record and updates the job's current
	// status/reason mid-flight, before a terminal state is reached.
	RecordRetry(ctx context.Context, runID, attemptID int64, jobID string, retryCount int, history models.RetryHistory, status models.JobStatus, reason string) error

	// GetPreviousStatuses returns the cumulative latest status per job id
	// across every attempt of runID.
	GetPreviousStatuses(ctx context.Context, runID int64) (map[string]models.JobStatus, error)

	// GetLatestExitCode returns the exit code recorded for one job attempt.
	GetLatestExitCode(ctx context.Context, runID, attemptID int64, jobID string) (int, error)

	// MarkJobsSuccessful force-marks the given jobs SUCCESS for manual
	// remediation (e.g. an operator confirms a side effect already landed).
	MarkJobsSuccessful(ctx context.Context, runID int64, jobIDs []string) error

	// GetRun returns the latest attempt's run_summary row for runID plus
	// every job_history row recorded under that attempt, for the admin
	// read-only surface.
	GetRun(ctx context.Context, runID int64) (*models.Run, []models.JobAttempt, error)

	// Close releases any resources held by the store.
	Close() error
}
