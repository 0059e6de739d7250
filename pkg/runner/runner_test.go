package runner

import (
	"bytes"
	"context"
	"testing"
	"time"

	"pipelex/pkg/checks"
	"pipelex/pkg/models"
	"pipelex/pkg/security"
)

func newTestRunner() *Runner {
	return New(checks.NewRegistry(), security.Config{
		Policy: models.SecurityPolicyWarn,
		Level:  models.SecurityLevelLow,
	}, true)
}

func TestEmptyCommandIsImmediateSuccess(t *testing.T) {
	r := newTestRunner()
	job := models.Job{ID: "noop", Command: "", RetryPolicy: models.RetryPolicy{}.Normalize()}
	out := r.Run(context.Background(), job, nil, nil, RetryContext{})
	if out.Status != models.StatusSuccess {
		t.Fatalf("status = %v, want SUCCESS", out.Status)
	}
	if out.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", out.RetryCount)
	}
}

func TestSuccessfulCommandStreamsOutput(t *testing.T) {
	r := newTestRunner()
	job := models.Job{ID: "echo", Command: "echo hello", RetryPolicy: models.RetryPolicy{}.Normalize()}
	var buf bytes.Buffer
	out := r.Run(context.Background(), job, nil, &buf, RetryContext{})
	if out.Status != models.StatusSuccess {
		t.Fatalf("status = %v, want SUCCESS", out.Status)
	}
	if buf.String() != "hello\n" {
		t.Errorf("captured output = %q, want \"hello\\n\"", buf.String())
	}
}

func TestFailedCommandRecordsExitCode(t *testing.T) {
	r := newTestRunner()
	job := models.Job{ID: "fail", Command: "false", RetryPolicy: models.RetryPolicy{}.Normalize()}
	out := r.Run(context.Background(), job, nil, nil, RetryContext{})
	if out.Status != models.StatusFailed {
		t.Fatalf("status = %v, want FAILED", out.Status)
	}
	if out.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", out.ExitCode)
	}
}

func TestTimeoutTerminatesProcess(t *testing.T) {
	r := newTestRunner()
	job := models.Job{
		ID:             "slow",
		Command:        "sleep 30",
		TimeoutSeconds: 1,
		RetryPolicy:    models.RetryPolicy{}.Normalize(),
	}
	start := time.Now()
	out := r.Run(context.Background(), job, nil, nil, RetryContext{})
	elapsed := time.Since(start)
	if out.Status != models.StatusTimeout {
		t.Fatalf("status = %v, want TIMEOUT", out.Status)
	}
	if elapsed > 5*time.Second {
		t.Errorf("took %s, expected termination well under 5s", elapsed)
	}
}

func TestRetryExhaustionRecordsHistory(t *testing.T) {
	r := newTestRunner()
	job := models.Job{
		ID:      "always-fails",
		Command: "false",
		RetryPolicy: models.RetryPolicy{
			MaxRetries:       2,
			InitialDelaySec:  0.01,
			BackoffFactor:    1,
			JitterFraction:   0,
			MaxTotalRetrySec: 10,
			RetryOnExitCodes: []int{1},
		}.Normalize(),
	}
	out := r.Run(context.Background(), job, nil, nil, RetryContext{})
	if out.Status != models.StatusFailed {
		t.Fatalf("status = %v, want FAILED", out.Status)
	}
	if out.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2 (max_retries exhausted)", out.RetryCount)
	}
	if len(out.History) != 3 {
		t.Errorf("history length = %d, want 3 (1 initial + 2 retries)", len(out.History))
	}
}

func TestNotRetryEligibleStatusStopsImmediately(t *testing.T) {
	r := newTestRunner()
	job := models.Job{
		ID:      "unknown-precheck",
		Command: "true",
		PreChecks: []models.CheckSpec{
			{Name: "does_not_exist"},
		},
		RetryPolicy: models.RetryPolicy{
			MaxRetries:       5,
			RetryOnExitCodes: []int{1},
		}.Normalize(),
	}
	out := r.Run(context.Background(), job, nil, nil, RetryContext{})
	if out.Status != models.StatusPrecheckFailed {
		t.Fatalf("status = %v, want PRECHECK_FAILED", out.Status)
	}
	if out.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 (PRECHECK_FAILED not in default retry_on_status)", out.RetryCount)
	}
}

type fakeRetrySink struct {
	calls []models.JobStatus
}

func (f *fakeRetrySink) RecordRetry(ctx context.Context, runID, attemptID int64, jobID string, retryCount int, history models.RetryHistory, status models.JobStatus, reason string) error {
	f.calls = append(f.calls, status)
	return nil
}

func TestRetryRecordsMidFlightHistoryBeforeFinalAttempt(t *testing.T) {
	r := newTestRunner()
	job := models.Job{
		ID:      "always-fails",
		Command: "false",
		RetryPolicy: models.RetryPolicy{
			MaxRetries:       2,
			InitialDelaySec:  0.01,
			BackoffFactor:    1,
			JitterFraction:   0,
			MaxTotalRetrySec: 10,
			RetryOnExitCodes: []int{1},
		}.Normalize(),
	}
	sink := &fakeRetrySink{}
	out := r.Run(context.Background(), job, nil, nil, RetryContext{Sink: sink, RunID: 1, AttemptID: 1})
	if out.Status != models.StatusFailed {
		t.Fatalf("status = %v, want FAILED", out.Status)
	}
	if len(sink.calls) != 2 {
		t.Errorf("RecordRetry calls = %d, want 2 (one per non-final attempt)", len(sink.calls))
	}
}

func TestBackoffDelayFormula(t *testing.T) {
	policy := models.RetryPolicy{InitialDelaySec: 1, BackoffFactor: 2, JitterFraction: 0}
	d0 := backoffDelay(policy, 0)
	d1 := backoffDelay(policy, 1)
	if d0 != time.Second {
		t.Errorf("delay(0) = %v, want 1s", d0)
	}
	if d1 != 2*time.Second {
		t.Errorf("delay(1) = %v, want 2s", d1)
	}
}

func TestShellSelectionBlocksWhenDisallowed(t *testing.T) {
	r := New(checks.NewRegistry(), security.Config{Policy: models.SecurityPolicyWarn}, false)
	job := models.Job{ID: "piped", Command: "echo a | grep a", RetryPolicy: models.RetryPolicy{}.Normalize()}
	out := r.Run(context.Background(), job, nil, nil, RetryContext{})
	if out.Status != models.StatusError {
		t.Fatalf("status = %v, want ERROR (shell required but disallowed)", out.Status)
	}
}
