package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"pipelex/pkg/checks"
	"pipelex/pkg/env"
	"pipelex/pkg/models"
	"pipelex/pkg/runner"
	"pipelex/pkg/security"
	"pipelex/pkg/state"
)

// fakeStore is a minimal in-memory history.Store for orchestrator tests.
type fakeStore struct {
	mu       sync.Mutex
	nextRun  int64
	attempts map[int64]int64
	jobs     []models.JobAttempt
	statuses map[int64]map[string]models.JobStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		attempts: map[int64]int64{},
		statuses: map[int64]map[string]models.JobStatus{},
	}
}

func (f *fakeStore) AllocateRunID(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRun++
	return f.nextRun, nil
}

func (f *fakeStore) NextAttemptID(ctx context.Context, runID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[runID]++
	return f.attempts[runID], nil
}

func (f *fakeStore) OpenRun(ctx context.Context, run models.Run) error { return nil }

func (f *fakeStore) CloseRun(ctx context.Context, runID, attemptID int64, endTime time.Time, status models.RunStatus, completed, failed, skipped, exitCode int) error {
	return nil
}

func (f *fakeStore) RecordJob(ctx context.Context, attempt models.JobAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, attempt)
	return nil
}

func (f *fakeStore) RecordRetry(ctx context.Context, runID, attemptID int64, jobID string, retryCount int, history models.RetryHistory, status models.JobStatus, reason string) error {
	return nil
}

func (f *fakeStore) GetPreviousStatuses(ctx context.Context, runID int64) (map[string]models.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[runID], nil
}

func (f *fakeStore) GetLatestExitCode(ctx context.Context, runID, attemptID int64, jobID string) (int, error) {
	return 0, nil
}

func (f *fakeStore) MarkJobsSuccessful(ctx context.Context, runID int64, jobIDs []string) error {
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, runID int64) (*models.Run, []models.JobAttempt, error) {
	return nil, nil, nil
}

func (f *fakeStore) Close() error { return nil }

func newTestOrchestrator(t *testing.T, pipeline models.Pipeline) *Orchestrator {
	t.Helper()
	store := newFakeStore()
	r := runner.New(checks.NewRegistry(), security.Config{
		Policy: models.SecurityPolicyWarn,
		Level:  models.SecurityLevelLow,
	}, true)
	resolver := env.NewResolver(false, pipeline.AppEnv)
	mgr := state.New(store, pipeline.ApplicationName, len(pipeline.Jobs))

	return New(Config{
		Pipeline:    pipeline,
		Runner:      r,
		EnvResolver: resolver,
		History:     store,
		State:       mgr,
		Logger:      zap.NewNop(),
	})
}

func job(id, command string, deps ...string) models.Job {
	return models.Job{
		ID:           id,
		Command:      command,
		Dependencies: deps,
		RetryPolicy:  models.RetryPolicy{}.Normalize(),
	}
}

func TestRunSequentialLinearSuccess(t *testing.T) {
	pipeline := models.Pipeline{
		ApplicationName: "test",
		Jobs: []models.Job{
			job("A", "true"),
			job("B", "true", "A"),
		},
	}
	o := newTestOrchestrator(t, pipeline)

	result, err := o.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if len(result.Completed) != 2 {
		t.Errorf("completed = %v, want 2 jobs", result.Completed)
	}
}

func TestRunSequentialFailFastStopsDependents(t *testing.T) {
	pipeline := models.Pipeline{
		ApplicationName: "test",
		Jobs: []models.Job{
			job("A", "false"),
			job("B", "true", "A"),
		},
	}
	o := newTestOrchestrator(t, pipeline)

	result, err := o.Run(context.Background(), RunOptions{ContinueOnError: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode == 0 {
		t.Error("exit code = 0, want non-zero")
	}
	wantFailed := map[string]bool{"A": false, "B": false}
	for _, f := range result.Failed {
		if _, ok := wantFailed[f]; ok {
			wantFailed[f] = true
		}
	}
	for id, found := range wantFailed {
		if !found {
			t.Errorf("failed = %v, want to contain %s", result.Failed, id)
		}
	}
	for _, c := range result.Completed {
		if c == "B" {
			t.Error("B should never have run since its dependency A failed")
		}
	}
}

func TestRunSequentialContinueOnErrorRunsIndependentJobs(t *testing.T) {
	pipeline := models.Pipeline{
		ApplicationName: "test",
		Jobs: []models.Job{
			job("A", "false"),
			job("B", "true"),
		},
	}
	o := newTestOrchestrator(t, pipeline)

	result, err := o.Run(context.Background(), RunOptions{ContinueOnError: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	foundB := false
	for _, c := range result.Completed {
		if c == "B" {
			foundB = true
		}
	}
	if !foundB {
		t.Errorf("completed = %v, want to contain B (independent of failed A)", result.Completed)
	}
}

func TestRunParallelExecutesIndependentJobs(t *testing.T) {
	pipeline := models.Pipeline{
		ApplicationName: "test",
		Parallel:        true,
		MaxWorkers:      2,
		Jobs: []models.Job{
			job("A", "true"),
			job("B", "true"),
			job("C", "true", "A", "B"),
		},
	}
	o := newTestOrchestrator(t, pipeline)

	result, err := o.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if len(result.Completed) != 3 {
		t.Errorf("completed = %v, want 3 jobs", result.Completed)
	}
}

func TestRunDryNeverExecutesCommands(t *testing.T) {
	pipeline := models.Pipeline{
		ApplicationName: "test",
		Jobs: []models.Job{
			job("A", "exit 77"),
		},
	}
	o := newTestOrchestrator(t, pipeline)

	result, err := o.RunDry(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("dry run exit code = %d, want 0", result.ExitCode)
	}
	if len(o.history.(*fakeStore).jobs) != 0 {
		t.Error("dry run must not record any job history rows")
	}
}

func TestRunResumeSkipsPreviouslySuccessfulJob(t *testing.T) {
	pipeline := models.Pipeline{
		ApplicationName: "test",
		Jobs: []models.Job{
			job("A", "true"),
			job("B", "true", "A"),
		},
	}
	o := newTestOrchestrator(t, pipeline)
	store := o.history.(*fakeStore)
	store.statuses[5] = map[string]models.JobStatus{"A": models.StatusSuccess}

	result, err := o.Run(context.Background(), RunOptions{ResumeRunID: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RunID != 5 {
		t.Errorf("run id = %d, want 5 (reused)", result.RunID)
	}
	skippedA := false
	for _, s := range result.Skipped {
		if s == "A" {
			skippedA = true
		}
	}
	if !skippedA {
		t.Errorf("skipped = %v, want to contain A", result.Skipped)
	}
	completedB := false
	for _, c := range result.Completed {
		if c == "B" {
			completedB = true
		}
	}
	if !completedB {
		t.Errorf("completed = %v, want to contain B (dependency A satisfied via skip)", result.Completed)
	}
}
