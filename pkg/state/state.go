// Package state owns run lifecycle and resume setup: allocating/reusing
// run_id and attempt_id, opening and closing the run summary, and computing
// which jobs a resume should skip. Grounded on
// original_source/jobs/state_manager.py (StateManager), generalized from a
// Python object holding ad hoc fields into a Go struct over pkg/models
// types, talking to pkg/history instead of direct SQL (mirroring the
// teacher's indirection through storage.ExecutionStore).
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pipelex/pkg/coordination"
	"pipelex/pkg/history"
	"pipelex/pkg/models"
)

// Manager owns one run attempt's lifecycle.
type Manager struct {
	store           history.Store
	applicationName string
	totalJobs       int
	coordinator     coordination.Coordinator
	resumeLock      coordination.Lock

	// mu guards Interrupted and ExitCode against concurrent access from the
	// parallel orchestrator's worker goroutines; every other field is only
	// ever touched from the orchestrator's single control loop.
	mu sync.Mutex

	RunID     int64
	AttemptID int64
	StartTime time.Time
	EndTime   time.Time
	ExitCode  int

	ContinueOnError bool
	DryRun          bool
	Interrupted     bool

	ResumeRunID        int64
	ResumeFailedOnly   bool
	PreviousStatuses   map[string]models.JobStatus
}

// New builds a Manager bound to a history store for one application's run.
func New(store history.Store, applicationName string, totalJobs int) *Manager {
	return &Manager{store: store, applicationName: applicationName, totalJobs: totalJobs}
}

// SetCoordinator wires an advisory-lock coordinator used to guard resumes of
// the same run_id from two concurrent invocations. A nil coordinator (the
// zero value) disables locking entirely.
func (m *Manager) SetCoordinator(c coordination.Coordinator) { m.coordinator = c }

// InitializeRun allocates a fresh run_id (or, when set up for resume, reuses
// ResumeRunID) and always allocates a fresh attempt_id under it.
func (m *Manager) InitializeRun(ctx context.Context) (int64, error) {
	if m.ResumeRunID != 0 {
		m.RunID = m.ResumeRunID
	} else {
		id, err := m.store.AllocateRunID(ctx)
		if err != nil {
			return 0, err
		}
		m.RunID = id
	}
	attemptID, err := m.store.NextAttemptID(ctx, m.RunID)
	if err != nil {
		return 0, err
	}
	m.AttemptID = attemptID
	return m.RunID, nil
}

// StartExecution records the start time and opens the run summary (skipped
// entirely for dry runs, which write nothing to the store).
func (m *Manager) StartExecution(ctx context.Context, continueOnError, dryRun bool, workingDir string) error {
	m.ContinueOnError = continueOnError
	m.DryRun = dryRun
	m.StartTime = time.Now()
	m.ExitCode = 0
	m.Interrupted = false

	if dryRun {
		return nil
	}
	return m.store.OpenRun(ctx, models.Run{
		RunID:           m.RunID,
		AttemptID:       m.AttemptID,
		ApplicationName: m.applicationName,
		StartTime:       m.StartTime,
		Status:          models.RunRunning,
		TotalJobs:       m.totalJobs,
		WorkingDir:      workingDir,
	})
}

// FinishExecution records the end time and closes the run summary. Any job
// not accounted for in completed/failed/skipped forces a FAILED status and
// exit code 1, per spec section 4.5.
func (m *Manager) FinishExecution(ctx context.Context, allJobIDs, completed, failed, skipped []string) error {
	m.EndTime = time.Now()

	status := models.RunSuccess
	if m.ExitCode != 0 {
		status = models.RunFailed
	}

	processed := map[string]bool{}
	for _, id := range completed {
		processed[id] = true
	}
	for _, id := range failed {
		processed[id] = true
	}
	for _, id := range skipped {
		processed[id] = true
	}
	for _, id := range allJobIDs {
		if !processed[id] {
			m.ExitCode = 1
			status = models.RunFailed
			break
		}
	}

	if m.resumeLock != nil {
		_ = m.resumeLock.Unlock(ctx)
		m.resumeLock = nil
	}

	if m.DryRun {
		return nil
	}
	return m.store.CloseRun(ctx, m.RunID, m.AttemptID, m.EndTime, status, len(completed), len(failed), len(skipped), m.ExitCode)
}

// SetupResume acquires the resume advisory lock for resumeRunID (if a
// coordinator is wired), then loads the previous run's cumulative job
// statuses so DetermineJobsToSkip can compute the skip set. The lock is
// held until FinishExecution releases it, so a second `pipelexd resume`
// against the same run_id blocks in Lock rather than racing this one.
func (m *Manager) SetupResume(ctx context.Context, resumeRunID int64, resumeFailedOnly bool) (map[string]models.JobStatus, error) {
	if m.coordinator != nil {
		lock, err := m.coordinator.Lock(ctx, fmt.Sprintf("run-%d", resumeRunID))
		if err != nil {
			return nil, fmt.Errorf("state: acquire resume lock for run %d: %w", resumeRunID, err)
		}
		m.resumeLock = lock
	}

	m.ResumeRunID = resumeRunID
	m.ResumeFailedOnly = resumeFailedOnly

	statuses, err := m.store.GetPreviousStatuses(ctx, resumeRunID)
	if err != nil {
		return nil, err
	}
	m.PreviousStatuses = statuses
	return statuses, nil
}

// DetermineJobsToSkip applies the exact three-branch rule from spec section
// 4.5 / original_source state_manager.py:determine_jobs_to_skip:
//   - previous status SUCCESS -> always skip
//   - resume_failed_only and previous status in {FAILED,ERROR,TIMEOUT} -> re-run
//   - not resume_failed_only and previous status NOT in {FAILED,ERROR,TIMEOUT} -> skip
func (m *Manager) DetermineJobsToSkip(validJobIDs map[string]struct{}) map[string]struct{} {
	toSkip := map[string]struct{}{}
	for jobID, status := range m.PreviousStatuses {
		if _, known := validJobIDs[jobID]; !known {
			continue
		}
		switch {
		case status == models.StatusSuccess:
			toSkip[jobID] = struct{}{}
		case m.ResumeFailedOnly && status.IsFailureLike():
			// re-run: do not add to skip set
		case !m.ResumeFailedOnly && !status.IsFailureLike():
			toSkip[jobID] = struct{}{}
		}
	}
	return toSkip
}

// MarkInterrupted flags the run as user-interrupted.
func (m *Manager) MarkInterrupted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Interrupted = true
}

// IsInterrupted reports the interrupted flag under lock, for callers racing
// against MarkInterrupted from another goroutine (the parallel orchestrator's
// signal handler).
func (m *Manager) IsInterrupted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Interrupted
}

// SetExitCode sets the run's exit code under lock.
func (m *Manager) SetExitCode(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExitCode = code
}

// GetExitCode reads the run's exit code under lock.
func (m *Manager) GetExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ExitCode
}

// Duration returns the elapsed wall-clock time once both timestamps are set.
func (m *Manager) Duration() time.Duration {
	if m.StartTime.IsZero() || m.EndTime.IsZero() {
		return 0
	}
	return m.EndTime.Sub(m.StartTime)
}

// Status returns SUCCESS if ExitCode is 0, FAILED otherwise.
func (m *Manager) Status() models.RunStatus {
	if m.ExitCode == 0 {
		return models.RunSuccess
	}
	return models.RunFailed
}
