// Package orchestrator drives one pipeline run end to end: dependency
// validation, resume-skip application, and the sequential or parallel
// dispatch loop, finishing with history and notification bookkeeping.
// Grounded on original_source/jobs/execution_orchestrator.py
// (run_sequential, run_parallel, run_dry, _wait_for_remaining_jobs,
// setup_interrupt_handler), reworked from Python's ThreadPoolExecutor and
// threading.Condition into goroutines bounded by an active-job count, in
// the shape of the teacher's pkg/executor/core.go worker-pool semaphore and
// pkg/scheduler/core.go ticker-driven run loop.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pipelex/pkg/env"
	"pipelex/pkg/errs"
	"pipelex/pkg/graph"
	"pipelex/pkg/history"
	"pipelex/pkg/logsink"
	"pipelex/pkg/metrics"
	"pipelex/pkg/models"
	"pipelex/pkg/notify"
	"pipelex/pkg/queue"
	"pipelex/pkg/runner"
	"pipelex/pkg/security"
	"pipelex/pkg/state"
)

// shutdownDrainTimeout bounds how long the parallel loop waits for
// in-flight jobs after the run loop exits, matching
// _wait_for_remaining_jobs's max_wait_time.
const shutdownDrainTimeout = 30 * time.Second

// maxLoopIterations guards against a runaway loop, matching run_sequential
// and run_parallel's max_iter parameter.
const maxLoopIterations = 1000

// Config builds an Orchestrator for one pipeline definition.
type Config struct {
	Pipeline    models.Pipeline
	Runner      *runner.Runner
	EnvResolver *env.Resolver
	History     history.Store
	LogSink     logsink.Sink
	Notifier    notify.Notifier
	State       *state.Manager
	Logger      *zap.Logger
}

// Orchestrator owns one pipeline definition's dependency graph, job
// dispatch loops, and the collaborators each job dispatch touches.
type Orchestrator struct {
	applicationName string
	jobByID         map[string]models.Job
	order           []string

	graph *graph.Analyzer
	queue *queue.Manager

	runner      *runner.Runner
	envResolver *env.Resolver
	history     history.Store
	logSink     logsink.Sink
	notifier    notify.Notifier
	state       *state.Manager
	logger      *zap.Logger

	continueOnError bool
	parallel        bool
	maxWorkers      int
	allowShell      bool
	cliEnv          map[string]string
}

// New builds an Orchestrator from a loaded pipeline definition.
func New(cfg Config) *Orchestrator {
	order := make([]string, 0, len(cfg.Pipeline.Jobs))
	jobByID := make(map[string]models.Job, len(cfg.Pipeline.Jobs))
	deps := make(map[string][]string, len(cfg.Pipeline.Jobs))
	for _, job := range cfg.Pipeline.Jobs {
		order = append(order, job.ID)
		jobByID[job.ID] = job
		deps[job.ID] = job.Dependencies
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}

	return &Orchestrator{
		applicationName: cfg.Pipeline.ApplicationName,
		jobByID:         jobByID,
		order:           order,
		graph:           graph.New(order, deps),
		queue:           queue.New(deps),
		runner:          cfg.Runner,
		envResolver:     cfg.EnvResolver,
		history:         cfg.History,
		logSink:         cfg.LogSink,
		notifier:        notifier,
		state:           cfg.State,
		logger:          logger,
		parallel:        cfg.Pipeline.Parallel,
		maxWorkers:      cfg.Pipeline.MaxWorkers,
		allowShell:      cfg.Pipeline.AllowShell,
	}
}

// RunOptions parameterizes one invocation of Run or RunDry, mirroring the
// CLI contract flags spec section 6 names.
type RunOptions struct {
	ContinueOnError  bool
	Skip             []string
	ResumeRunID      int64
	ResumeFailedOnly bool
	CLIEnv           map[string]string
	WorkingDir       string
}

// Result summarizes one completed (or dry) run.
type Result struct {
	RunID     int64
	AttemptID int64
	ExitCode  int
	Completed []string
	Failed    []string
	Skipped   []string
	Duration  time.Duration
}

func (o *Orchestrator) validJobIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(o.order))
	for _, id := range o.order {
		out[id] = struct{}{}
	}
	return out
}

// resolveSkipSet applies resume-skip rules (if resuming) plus any
// explicitly-named --skip job ids, matching run_dry/run's shared setup path.
func (o *Orchestrator) resolveSkipSet(ctx context.Context, opts RunOptions) (map[string]struct{}, error) {
	skip := map[string]struct{}{}

	if opts.ResumeRunID != 0 {
		statuses, err := o.state.SetupResume(ctx, opts.ResumeRunID, opts.ResumeFailedOnly)
		if err != nil {
			return nil, errs.Store("setup resume", err)
		}
		if len(statuses) == 0 {
			o.logger.Error("no job history found for resume run id, showing full plan",
				zap.Int64("resume_run_id", opts.ResumeRunID))
		} else {
			mode := "all incomplete jobs"
			if opts.ResumeFailedOnly {
				mode = "failed jobs only"
			}
			o.logger.Info("resuming from previous run", zap.Int64("resume_run_id", opts.ResumeRunID), zap.String("mode", mode))
			skip = o.state.DetermineJobsToSkip(o.validJobIDs())
			for jobID, status := range statuses {
				if _, known := o.jobByID[jobID]; !known {
					continue
				}
				switch {
				case status == models.StatusSuccess:
					o.logger.Info("would skip previously successful job", zap.String("job_id", jobID))
				case opts.ResumeFailedOnly && status.IsFailureLike():
					o.logger.Info("would re-run previously failed job", zap.String("job_id", jobID))
				case !opts.ResumeFailedOnly && !status.IsFailureLike():
					o.logger.Info("would skip job with recorded status", zap.String("job_id", jobID), zap.String("status", string(status)))
				}
			}
		}
	}

	for _, id := range opts.Skip {
		skip[id] = struct{}{}
	}
	return skip, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RunDry validates the graph and prints the execution plan without
// executing any job, matching run_dry.
func (o *Orchestrator) RunDry(ctx context.Context, opts RunOptions) (*Result, error) {
	stop := o.installSignalHandler(true)
	defer stop()

	o.continueOnError = opts.ContinueOnError
	o.cliEnv = opts.CLIEnv
	o.state.ResumeRunID = opts.ResumeRunID

	if _, err := o.state.InitializeRun(ctx); err != nil {
		return nil, errs.Store("initialize run", err)
	}
	if err := o.state.StartExecution(ctx, opts.ContinueOnError, true, opts.WorkingDir); err != nil {
		return nil, errs.Store("start execution", err)
	}

	skip, err := o.resolveSkipSet(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err := o.graph.Validate(opts.ContinueOnError); err != nil {
		return nil, err
	}

	for id := range skip {
		o.queue.MarkSkipped(id)
	}
	o.queue.SeedInitial(o.order)

	o.displayExecutionPlan(skip)
	o.displayDryRunSummary(skip)

	return &Result{
		RunID:     o.state.RunID,
		AttemptID: o.state.AttemptID,
		ExitCode:  0,
		Skipped:   sortedKeys(skip),
	}, nil
}

func (o *Orchestrator) displayExecutionPlan(skip map[string]struct{}) {
	mode := "SEQUENTIAL"
	if o.parallel {
		mode = fmt.Sprintf("PARALLEL with %d workers", o.maxWorkers)
	}
	fmt.Printf("\nExecution mode: %s\n", mode)
	fmt.Println("\nJob execution order:")

	execOrder := o.graph.TopologicalOrder()
	for i, jobID := range execOrder {
		job := o.jobByID[jobID]
		deps := job.Dependencies
		depsInfo := "none"
		if len(deps) > 0 {
			depsInfo = fmt.Sprintf("%v", deps)
		}
		if _, skipped := skip[jobID]; skipped {
			fmt.Printf("%d. %s - %s [SKIPPED] [DEPS: %s]\n", i+1, jobID, job.Description, depsInfo)
			continue
		}
		preview := job.Command
		if len(preview) > 40 {
			preview = preview[:40] + "..."
		}
		if o.runner != nil {
			if allowed, reason := security.Validate(job.Command, o.runner.SecurityConfig); !allowed {
				fmt.Printf("%d. %s - %s - %s [BLOCKED: %s] [DEPS: %s]\n", i+1, jobID, job.Description, preview, reason, depsInfo)
				continue
			}
		}
		fmt.Printf("%d. %s - %s - %s [DEPS: %s]\n", i+1, jobID, job.Description, preview, depsInfo)
	}
}

func (o *Orchestrator) displayDryRunSummary(skip map[string]struct{}) {
	skipCount := len(skip)
	execCount := len(o.order) - skipCount
	divider := "========================================"
	fmt.Printf("\n%s\n", divider)
	fmt.Println("          DRY RUN EXECUTION SUMMARY")
	fmt.Println(divider)
	fmt.Printf("Application: %s\n", o.applicationName)
	fmt.Printf("Run ID: %d\n", o.state.RunID)
	fmt.Printf("Total Jobs: %d\n", len(o.order))
	fmt.Printf("Would Execute: %d\n", execCount)
	fmt.Printf("Would Skip: %d\n", skipCount)
	fmt.Println(divider)
}

// Run validates the graph, applies resume-skip, then dispatches every job
// to completion sequentially or in parallel per the pipeline's
// configuration, matching run_sequential/run_parallel's shared setup.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	stop := o.installSignalHandler(false)
	defer stop()

	o.continueOnError = opts.ContinueOnError
	o.cliEnv = opts.CLIEnv
	o.state.ResumeRunID = opts.ResumeRunID

	if _, err := o.state.InitializeRun(ctx); err != nil {
		return nil, errs.Store("initialize run", err)
	}
	if err := o.state.StartExecution(ctx, opts.ContinueOnError, false, opts.WorkingDir); err != nil {
		return nil, errs.Store("start execution", err)
	}

	skip, err := o.resolveSkipSet(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err := o.graph.Validate(opts.ContinueOnError); err != nil {
		o.state.SetExitCode(1)
		_ = o.state.FinishExecution(ctx, o.order, nil, nil, nil)
		return nil, err
	}

	for id := range skip {
		o.queue.MarkSkipped(id)
	}
	o.queue.SeedInitial(o.order)

	if o.parallel {
		o.runParallel(ctx)
	} else {
		o.runSequential(ctx)
	}

	snap := o.queue.Snapshot()
	if err := o.state.FinishExecution(ctx, o.order, snap.Completed, snap.Failed, snap.Skipped); err != nil {
		o.logger.Error("failed to finalize run summary", zap.Error(err))
	}
	metrics.RecordRun(string(o.state.Status()))

	result := &Result{
		RunID:     o.state.RunID,
		AttemptID: o.state.AttemptID,
		ExitCode:  o.state.GetExitCode(),
		Completed: snap.Completed,
		Failed:    snap.Failed,
		Skipped:   snap.Skipped,
		Duration:  o.state.Duration(),
	}

	notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary := notify.RunSummary{
		ApplicationName: o.applicationName,
		RunID:           result.RunID,
		AttemptID:       result.AttemptID,
		Success:         result.ExitCode == 0,
		Status:          string(o.state.Status()),
		TotalJobs:       len(o.order),
		CompletedJobs:   len(snap.Completed),
		FailedJobs:      len(snap.Failed),
		SkippedJobs:     len(snap.Skipped),
		Duration:        result.Duration.Seconds(),
		FinishedAt:      o.state.EndTime,
	}
	if err := o.notifier.Notify(notifyCtx, summary); err != nil {
		o.logger.Warn("run completion notification failed", zap.Error(err))
	}

	return result, nil
}

// runSequential pops and executes jobs one at a time until the ready queue
// drains, the iteration cap is hit, or the run is interrupted, matching
// run_sequential.
func (o *Orchestrator) runSequential(ctx context.Context) {
	iter := 0
	for !o.queue.IsEmpty() && iter < maxLoopIterations && !o.state.IsInterrupted() {
		iter++
		jobID, ok := o.queue.NextReady()
		if !ok {
			break
		}
		o.queue.MarkActive(jobID)

		success, reason := o.executeJob(ctx, jobID)

		if success {
			o.queue.MarkCompleted(jobID)
			if o.state.IsInterrupted() {
				o.logger.Info("execution interrupted, stopping gracefully")
				break
			}
			o.queue.EnqueueDependents(o.order, jobID, false)
			continue
		}

		o.queue.MarkFailed(jobID, reason)
		if o.state.IsInterrupted() {
			o.logger.Info("execution interrupted, stopping gracefully")
			break
		}
		if !o.continueOnError {
			o.state.SetExitCode(1)
			o.propagateFailFast(jobID, reason)
			break
		}
		o.logger.Warn("job failed but continuing", zap.String("job_id", jobID), zap.String("reason", reason))
	}
}

// propagateFailFast marks every transitive dependent of a failed job as
// failed without dispatch, so the run's failed-job accounting (and a
// resuming run's GetPreviousStatuses) reflects jobs that will never execute
// under fail-fast instead of leaving them silently pending forever.
func (o *Orchestrator) propagateFailFast(jobID, reason string) {
	for _, dep := range o.graph.TransitiveDependents(jobID) {
		o.queue.MarkFailedTransitiveIfPending(dep, fmt.Sprintf("dependency %s failed: %s", jobID, reason))
	}
}

// jobResult is one worker goroutine's report back to the parallel run loop.
type jobResult struct {
	jobID   string
	success bool
	reason  string
}

// runParallel dispatches ready jobs onto goroutines bounded by maxWorkers,
// reaping completions and queuing their dependents as they land, matching
// run_parallel's ThreadPoolExecutor + as_completed loop. resultsCh is sized
// to the whole job set so a goroutine started before an interrupt can
// always deliver its result without blocking, even after the main loop
// stops reading (see drainRemaining).
func (o *Orchestrator) runParallel(ctx context.Context) {
	maxWorkers := o.maxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	o.logger.Info("parallel execution starting", zap.Int("workers", maxWorkers))

	resultsCh := make(chan jobResult, len(o.order)+1)
	active := map[string]struct{}{}

	handle := func(res jobResult) {
		delete(active, res.jobID)
		if res.success {
			o.queue.MarkCompleted(res.jobID)
			o.queue.EnqueueDependents(o.order, res.jobID, false)
			return
		}
		o.queue.MarkFailed(res.jobID, res.reason)
		if !o.continueOnError {
			o.state.SetExitCode(1)
			o.state.MarkInterrupted()
			o.propagateFailFast(res.jobID, res.reason)
		} else {
			o.logger.Warn("job failed but continuing", zap.String("job_id", res.jobID), zap.String("reason", res.reason))
		}
	}

	spawn := func(jobID string) {
		o.queue.MarkActive(jobID)
		active[jobID] = struct{}{}
		metrics.ActiveWorkers.Inc()
		go func() {
			defer metrics.ActiveWorkers.Dec()
			success, reason := o.executeJob(ctx, jobID)
			resultsCh <- jobResult{jobID: jobID, success: success, reason: reason}
		}()
	}

	iter := 0
	for (!o.queue.IsEmpty() || len(active) > 0) && iter < maxLoopIterations && !o.state.IsInterrupted() {
		iter++

		drainedAny := false
	drain:
		for {
			select {
			case res := <-resultsCh:
				handle(res)
				drainedAny = true
			default:
				break drain
			}
		}

		dispatchedAny := false
		for len(active) < maxWorkers {
			jobID, ok := o.queue.NextReady()
			if !ok {
				break
			}
			spawn(jobID)
			dispatchedAny = true
		}
		metrics.QueueDepth.Set(float64(o.queue.QueueSize()))

		if !drainedAny && !dispatchedAny {
			select {
			case res := <-resultsCh:
				handle(res)
			case <-time.After(1 * time.Second):
			case <-ctx.Done():
				o.state.MarkInterrupted()
			}
		}
	}

	if len(active) > 0 {
		o.drainRemaining(active, resultsCh)
	}
	metrics.QueueDepth.Set(0)
}

// drainRemaining waits up to shutdownDrainTimeout for in-flight jobs to
// finish after the main loop exits (interrupted or queue drained with
// stragglers), then marks whatever is still outstanding failed in the queue
// with reason "abandoned during shutdown", counts it in
// metrics.JobsAbandoned, and returns without waiting further, matching
// _wait_for_remaining_jobs. The abandoned goroutines are not cancelled, and
// no ABANDONED status is written to history for them.
func (o *Orchestrator) drainRemaining(active map[string]struct{}, resultsCh chan jobResult) {
	o.logger.Info("waiting for active jobs to complete", zap.Int("count", len(active)))
	deadline := time.Now().Add(shutdownDrainTimeout)

	for len(active) > 0 && time.Now().Before(deadline) {
		wait := time.Until(deadline)
		if wait > time.Second {
			wait = time.Second
		}
		select {
		case res := <-resultsCh:
			delete(active, res.jobID)
			if res.success {
				o.queue.MarkCompleted(res.jobID)
			} else {
				o.queue.MarkFailed(res.jobID, res.reason)
			}
		case <-time.After(wait):
		}
	}

	if len(active) > 0 {
		o.logger.Warn("abandoning jobs after shutdown drain timeout", zap.Int("count", len(active)), zap.Duration("timeout", shutdownDrainTimeout))
		for jobID := range active {
			o.queue.MarkFailedTransitive(jobID, "abandoned during shutdown")
			metrics.JobsAbandoned.Inc()
			o.logger.Warn("job abandoned during shutdown", zap.String("job_id", jobID))
		}
	}
}

// executeJob runs one job to a terminal Outcome through the runner,
// persists its log and history row, and records metrics. It never returns
// an error directly: failures surface as a non-success Outcome recorded in
// history, matching the source's execute_job contract of (success, reason).
func (o *Orchestrator) executeJob(ctx context.Context, jobID string) (bool, string) {
	job := o.jobByID[jobID]

	resolvedEnv, warnings, err := o.envResolver.Resolve(job.Env, o.cliEnv)
	for _, w := range warnings {
		o.logger.Warn(w, zap.String("job_id", jobID))
	}
	if err != nil {
		o.logger.Error("environment resolution failed", zap.String("job_id", jobID), zap.Error(err))
		if o.history != nil {
			failed := models.JobAttempt{
				RunID: o.state.RunID, AttemptID: o.state.AttemptID, JobID: jobID,
				Description: job.Description, Command: job.Command, Status: models.StatusError,
				ApplicationName: o.applicationName, LastError: err.Error(),
				LastRunTime: time.Now(), LastExitCode: -1,
			}
			if rerr := o.history.RecordJob(ctx, failed); rerr != nil {
				o.logger.Error("failed to record job history", zap.String("job_id", jobID), zap.Error(rerr))
			}
		}
		return false, err.Error()
	}

	var buf bytes.Buffer
	start := time.Now()
	rc := runner.RetryContext{RunID: o.state.RunID, AttemptID: o.state.AttemptID}
	if o.history != nil {
		rc.Sink = o.history
	}
	outcome := o.runner.Run(ctx, job, resolvedEnv, &buf, rc)

	logRef := ""
	if o.logSink != nil {
		ref, err := o.logSink.Store(ctx, logsink.Key{RunID: o.state.RunID, AttemptID: o.state.AttemptID, JobID: jobID}, buf.Bytes())
		if err != nil {
			o.logger.Warn("failed to store job log", zap.String("job_id", jobID), zap.Error(err))
		} else {
			logRef = ref
		}
	}

	attempt := models.JobAttempt{
		RunID:           o.state.RunID,
		AttemptID:       o.state.AttemptID,
		JobID:           jobID,
		Description:     job.Description,
		Command:         job.Command,
		Status:          outcome.Status,
		ApplicationName: o.applicationName,
		DurationSeconds: outcome.Duration.Seconds(),
		RetryCount:      outcome.RetryCount,
		LastError:       outcome.Reason,
		RetryHistory:    outcome.History,
		LastRunTime:     start,
		LastExitCode:    outcome.ExitCode,
		LogReference:    logRef,
	}
	if o.history != nil {
		if err := o.history.RecordJob(ctx, attempt); err != nil {
			o.logger.Error("failed to record job history", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	metrics.RecordJob(jobID, string(outcome.Status), outcome.Duration.Seconds())
	if outcome.RetryCount > 0 {
		metrics.RetriesTotal.WithLabelValues(jobID).Add(float64(outcome.RetryCount))
	}

	return outcome.Status == models.StatusSuccess, outcome.Reason
}

// installSignalHandler marks the run interrupted on SIGINT/SIGTERM without
// cancelling ctx, so the current job (or in-flight parallel jobs) finish
// naturally rather than being killed mid-flight, matching
// setup_interrupt_handler's "stop after current job" semantics. The
// returned func stops the signal subscription and must be deferred by the
// caller.
func (o *Orchestrator) installSignalHandler(dryRun bool) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigCh:
			o.state.MarkInterrupted()
			if dryRun {
				o.logger.Info("interrupt received, stopping dry run cleanly")
			} else {
				o.logger.Info("interrupt received, will stop after current job completes")
			}
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
