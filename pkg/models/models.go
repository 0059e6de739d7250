// Package models holds the data model shared across the pipeline engine:
// pipeline/job definitions loaded from configuration, and the run/attempt
// records persisted to history.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JobStatus is the terminal (or in-flight) status of a single job attempt.
type JobStatus string

const (
	StatusPending         JobStatus = "PENDING"
	StatusQueued          JobStatus = "QUEUED"
	StatusActive          JobStatus = "ACTIVE"
	StatusSuccess         JobStatus = "SUCCESS"
	StatusFailed          JobStatus = "FAILED"
	StatusError           JobStatus = "ERROR"
	StatusTimeout         JobStatus = "TIMEOUT"
	StatusSkipped         JobStatus = "SKIPPED"
	StatusBlocked         JobStatus = "BLOCKED"
	StatusPrecheckFailed  JobStatus = "PRECHECK_FAILED"
	StatusPostcheckFailed JobStatus = "POSTCHECK_FAILED"
	StatusAbandoned       JobStatus = "ABANDONED"
)

// IsTerminal reports whether status is one of the eight terminal states
// enumerated in the job attempt model.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusError, StatusTimeout,
		StatusSkipped, StatusBlocked, StatusPrecheckFailed, StatusPostcheckFailed:
		return true
	default:
		return false
	}
}

// IsFailureLike reports membership in {FAILED, ERROR, TIMEOUT}, the set used
// by resume-skip and retry-eligibility decisions.
func (s JobStatus) IsFailureLike() bool {
	return s == StatusFailed || s == StatusError || s == StatusTimeout
}

// RunStatus is the terminal (or in-flight) status of a run summary.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// SecurityPolicy controls what happens when a command matches a blocked
// pattern that is not in the always-critical tier.
type SecurityPolicy string

const (
	SecurityPolicyWarn  SecurityPolicy = "warn"
	SecurityPolicyBlock SecurityPolicy = "block"
)

// SecurityLevel controls which pattern tiers are active.
type SecurityLevel string

const (
	SecurityLevelLow    SecurityLevel = "low"
	SecurityLevelMedium SecurityLevel = "medium"
	SecurityLevelHigh   SecurityLevel = "high"
)

// CheckSpec is a single named pre/post-check invocation with arbitrary
// parameters, dispatched through the pkg/checks registry.
type CheckSpec struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// RetryPolicy governs whether and how a failed job is retried.
type RetryPolicy struct {
	MaxRetries        int      `json:"max_retries"`
	InitialDelaySec   float64  `json:"initial_delay_s"`
	BackoffFactor     float64  `json:"backoff_factor"`
	JitterFraction    float64  `json:"jitter_fraction"`
	MaxTotalRetrySec  float64  `json:"max_total_retry_s"`
	RetryOnStatus     []string `json:"retry_on_status"`
	RetryOnExitCodes  []int    `json:"retry_on_exit_codes"`
}

// Normalize fills zero-valued fields with the engine defaults described in
// spec section 4.3/6, matching original_source/jobs/job_runner.py's fallback
// chain (job value -> app default -> hard-coded fallback).
func (r RetryPolicy) Normalize() RetryPolicy {
	if r.BackoffFactor < 1 {
		r.BackoffFactor = 1
	}
	if r.JitterFraction < 0 {
		r.JitterFraction = 0
	}
	if r.JitterFraction > 1 {
		r.JitterFraction = 1
	}
	if r.MaxTotalRetrySec <= 0 {
		r.MaxTotalRetrySec = 1800
	}
	if len(r.RetryOnStatus) == 0 {
		r.RetryOnStatus = []string{"ERROR", "FAILED", "TIMEOUT"}
	}
	if len(r.RetryOnExitCodes) == 0 {
		r.RetryOnExitCodes = []int{1}
	}
	return r
}

// RetryEligible reports whether a terminal status/exit-code pair qualifies
// for retry under this policy.
func (r RetryPolicy) RetryEligible(status JobStatus, exitCode int) bool {
	for _, s := range r.RetryOnStatus {
		if JobStatus(s) == status {
			return true
		}
	}
	for _, c := range r.RetryOnExitCodes {
		if c == exitCode {
			return true
		}
	}
	return false
}

// Scan implements sql.Scanner for storing RetryPolicy as a JSON column.
func (r *RetryPolicy) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		if value == nil {
			return nil
		}
		return errors.New("models: RetryPolicy.Scan: type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, r)
}

// Value implements driver.Valuer for storing RetryPolicy as a JSON column.
func (r RetryPolicy) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// RetryAttempt is one recorded try of a job, appended to a JobAttempt's
// retry_history on every restart from READY.
type RetryAttempt struct {
	Attempt  int       `json:"attempt"`
	At       time.Time `json:"at"`
	Duration float64   `json:"duration_s"`
	Success  bool      `json:"success"`
	ExitCode int       `json:"exit_code"`
}

// RetryHistory is the JSON-marshalled list of RetryAttempt stored per
// JobAttempt row.
type RetryHistory []RetryAttempt

func (h *RetryHistory) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		if value == nil {
			return nil
		}
		return errors.New("models: RetryHistory.Scan: type assertion to []byte failed")
	}
	if len(bytes) == 0 {
		*h = nil
		return nil
	}
	return json.Unmarshal(bytes, h)
}

func (h RetryHistory) Value() (driver.Value, error) {
	return json.Marshal(h)
}

// Job is an immutable-after-load node in the pipeline's dependency graph.
type Job struct {
	ID             string            `json:"id"`
	Command        string            `json:"command"`
	Description    string            `json:"description,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	PreChecks      []CheckSpec       `json:"pre_checks,omitempty"`
	PostChecks     []CheckSpec       `json:"post_checks,omitempty"`
	RetryPolicy    RetryPolicy       `json:"retry_policy"`
}

// Pipeline is the top-level declarative configuration for one execution.
type Pipeline struct {
	ApplicationName string            `json:"application_name"`
	Jobs            []Job             `json:"jobs"`
	AppEnv          map[string]string `json:"app_env,omitempty"`
	Defaults        Defaults          `json:"defaults"`
	Parallel        bool              `json:"parallel"`
	MaxWorkers      int               `json:"max_workers"`
	AllowShell      bool              `json:"allow_shell"`
	SecurityPolicy  SecurityPolicy    `json:"security_policy"`
	SecurityLevel   SecurityLevel     `json:"security_level"`

	CommandWhitelist         []string `json:"command_whitelist,omitempty"`
	WorkspacePaths           []string `json:"workspace_paths,omitempty"`
	CommandAllowlistPatterns []string `json:"command_allowlist_patterns,omitempty"`
	InheritShellEnv          any      `json:"inherit_shell_env,omitempty"`
}

// Defaults holds pipeline-wide fallback values applied to jobs that don't
// set their own timeout/retry fields.
type Defaults struct {
	TimeoutSeconds    int      `json:"default_timeout"`
	MaxRetries        int      `json:"default_max_retries"`
	RetryDelaySec     float64  `json:"default_retry_delay"`
	RetryBackoff      float64  `json:"default_retry_backoff"`
	RetryJitter       float64  `json:"default_retry_jitter"`
	MaxRetryTimeSec   float64  `json:"default_max_retry_time"`
	RetryOnExitCodes  []int    `json:"default_retry_on_exit_codes"`
}

// Run is one attempt's summary row.
type Run struct {
	RunID           int64      `json:"run_id"`
	AttemptID       int64      `json:"attempt_id"`
	ApplicationName string     `json:"application_name"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Status          RunStatus  `json:"status"`
	TotalJobs       int        `json:"total_jobs"`
	CompletedJobs   int        `json:"completed_jobs"`
	FailedJobs      int        `json:"failed_jobs"`
	SkippedJobs     int        `json:"skipped_jobs"`
	ExitCode        int        `json:"exit_code"`
	WorkingDir      string     `json:"working_dir,omitempty"`
}

// JobAttempt is the per-job-per-attempt history row.
type JobAttempt struct {
	RunID           int64        `json:"run_id"`
	AttemptID       int64        `json:"attempt_id"`
	JobID           string       `json:"id"`
	Description     string       `json:"description,omitempty"`
	Command         string       `json:"command"`
	Status          JobStatus    `json:"status"`
	ApplicationName string       `json:"application_name"`
	DurationSeconds float64      `json:"duration_seconds"`
	RetryCount      int          `json:"retry_count"`
	LastError       string       `json:"last_error,omitempty"`
	RetryHistory    RetryHistory `json:"retry_history,omitempty"`
	LastRunTime     time.Time    `json:"last_run"`
	LastExitCode    int          `json:"last_exit_code"`
	LogReference    string       `json:"log_reference,omitempty"`
}
