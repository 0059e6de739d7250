// Package queue manages thread-safe job readiness state: mutually exclusive
// sets over job ids, a FIFO ready-queue, and a future-handle map for the
// parallel dispatch mode. Grounded on
// original_source/jobs/queue_manager.py (QueueManager), translated onto a
// single mutex + sync.Cond, mirroring the teacher's worker-pool idiom in
// pkg/executor/core.go for the parallel surface this feeds.
package queue

import (
	"sync"
)

// Manager owns all job-readiness bookkeeping for one run attempt.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	deps map[string][]string // job_id -> dependency ids, fixed for the run

	pending   map[string]struct{}
	queued    map[string]struct{}
	active    map[string]struct{}
	completed map[string]struct{}
	failed    map[string]struct{}
	skipped   map[string]struct{}

	failReasons map[string]string
	ready       []string
	futures     map[string]string // future handle -> job id
}

// New builds a Manager for the given job ids and their dependency lists.
// Every job starts in pending.
func New(deps map[string][]string) *Manager {
	m := &Manager{
		deps:        deps,
		pending:     map[string]struct{}{},
		queued:      map[string]struct{}{},
		active:      map[string]struct{}{},
		completed:   map[string]struct{}{},
		failed:      map[string]struct{}{},
		skipped:     map[string]struct{}{},
		failReasons: map[string]string{},
		futures:     map[string]string{},
	}
	m.cond = sync.NewCond(&m.mu)
	for id := range deps {
		m.pending[id] = struct{}{}
	}
	return m
}

// MarkSkipped moves a job straight to skipped, used when applying
// resume-skip before seeding.
func (m *Manager) MarkSkipped(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	m.skipped[id] = struct{}{}
}

// isReadyLocked reports whether every dependency of id is in
// completed/skipped and none are in failed. Caller must hold m.mu.
func (m *Manager) isReadyLocked(id string) bool {
	for _, dep := range m.deps[id] {
		if _, f := m.failed[dep]; f {
			return false
		}
		_, c := m.completed[dep]
		_, s := m.skipped[dep]
		if !c && !s {
			return false
		}
	}
	return true
}

func (m *Manager) processedLocked(id string) bool {
	if _, ok := m.queued[id]; ok {
		return true
	}
	if _, ok := m.active[id]; ok {
		return true
	}
	if _, ok := m.completed[id]; ok {
		return true
	}
	if _, ok := m.failed[id]; ok {
		return true
	}
	if _, ok := m.skipped[id]; ok {
		return true
	}
	return false
}

// SeedInitial enqueues every still-pending job whose dependencies are
// already satisfied (by completed or skipped, none failed) — used once
// after resume-skip has been applied.
func (m *Manager) SeedInitial(order []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range order {
		if _, p := m.pending[id]; !p {
			continue
		}
		if m.isReadyLocked(id) {
			m.enqueueLocked(id)
		}
	}
}

func (m *Manager) enqueueLocked(id string) {
	delete(m.pending, id)
	m.queued[id] = struct{}{}
	m.ready = append(m.ready, id)
}

// NextReady pops a job id from the ready-queue, or ("", false) if empty.
// Sequential and parallel orchestrator loops poll this with their own
// timeout/backoff; this call never blocks.
func (m *Manager) NextReady() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ready) == 0 {
		return "", false
	}
	id := m.ready[0]
	m.ready = m.ready[1:]
	return id, true
}

// IsEmpty reports whether the ready-queue currently has no entries.
func (m *Manager) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready) == 0
}

// MarkActive transitions a job from queued to active.
func (m *Manager) MarkActive(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queued, id)
	m.active[id] = struct{}{}
}

// MarkCompleted transitions a job to completed and wakes any orchestrator
// waiting on a completion event.
func (m *Manager) MarkCompleted(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.completed[id] = struct{}{}
	m.mu.Unlock()
	m.cond.Broadcast()
}

// MarkFailed transitions a job to failed with a reason and wakes waiters.
func (m *Manager) MarkFailed(id, reason string) {
	m.mu.Lock()
	delete(m.active, id)
	m.failed[id] = struct{}{}
	m.failReasons[id] = reason
	m.mu.Unlock()
	m.cond.Broadcast()
}

// MarkFailedTransitive marks id failed unconditionally, removing it from
// pending, queued and active, used for jobs abandoned after the
// shutdown-drain timeout: the caller already knows id is active (and
// nowhere else), so there is nothing to guard here.
func (m *Manager) MarkFailedTransitive(id, reason string) {
	m.mu.Lock()
	delete(m.pending, id)
	delete(m.queued, id)
	delete(m.active, id)
	m.failed[id] = struct{}{}
	m.failReasons[id] = reason
	m.mu.Unlock()
	m.cond.Broadcast()
}

// MarkFailedTransitiveIfPending marks id failed without dispatch only if it
// has not already reached a terminal state or started running, used to
// propagate a fail-fast failure down a dependent closure without clobbering
// a job that finished (or was skipped) on an independent path first.
func (m *Manager) MarkFailedTransitiveIfPending(id, reason string) {
	m.mu.Lock()
	if _, ok := m.pending[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, id)
	m.failed[id] = struct{}{}
	m.failReasons[id] = reason
	m.mu.Unlock()
	m.cond.Broadcast()
}

// RegisterFuture associates a future/worker handle with the job id it is
// running, for the parallel orchestrator's bookkeeping.
func (m *Manager) RegisterFuture(handle, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.futures[handle] = id
}

// UnregisterFuture removes a future handle, returning the job id it was
// tracking.
func (m *Manager) UnregisterFuture(handle string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.futures[handle]
	delete(m.futures, handle)
	return id, ok
}

// EnqueueDependents finds every job depending on completedID and, if it is
// still pending, not failed, and now ready, enqueues it. dryRun suppresses
// no behavior here (dry-run planning uses a separate read-only path in
// pkg/orchestrator) but is accepted to keep call sites symmetric with the
// source's queue_dependent_jobs signature.
func (m *Manager) EnqueueDependents(order []string, completedID string, _ bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Snapshot-style check per queue_manager.py:queue_dependent_jobs, to
	// avoid racing against concurrent mark* calls from other workers.
	var newlyReady []string
	for _, id := range order {
		if _, p := m.pending[id]; !p {
			continue
		}
		dependsOnCompleted := false
		for _, d := range m.deps[id] {
			if d == completedID {
				dependsOnCompleted = true
				break
			}
		}
		if !dependsOnCompleted {
			continue
		}
		if m.processedLocked(id) {
			continue
		}
		if m.isReadyLocked(id) {
			m.enqueueLocked(id)
			newlyReady = append(newlyReady, id)
		}
	}
	return newlyReady
}

// Wait blocks up to the caller-driven condition until Broadcast fires; used
// by the parallel orchestrator's idle wait. Callers pass a predicate that is
// re-checked after each wake; Wait returns once pred() is true or after a
// single wake (the orchestrator bounds total idle time itself via its own
// timer, matching spec section 4.6's "bounded wake, e.g. 1s").
func (m *Manager) Wait(pred func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !pred() {
		m.cond.Wait()
		break
	}
}

// Broadcast wakes any goroutine blocked in Wait; exported so the
// orchestrator's own timer-based idle loop can force a recheck.
func (m *Manager) Broadcast() {
	m.cond.Broadcast()
}

// Snapshot is a point-in-time copy of every state set, used for status
// reporting and dry-run summaries.
type Snapshot struct {
	Pending, Queued, Active, Completed, Failed, Skipped []string
	FailReasons                                         map[string]string
}

// Snapshot returns a copy of the current state; readers must use this
// instead of touching internal maps directly.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	copySet := func(s map[string]struct{}) []string {
		out := make([]string, 0, len(s))
		for k := range s {
			out = append(out, k)
		}
		return out
	}
	reasons := make(map[string]string, len(m.failReasons))
	for k, v := range m.failReasons {
		reasons[k] = v
	}
	return Snapshot{
		Pending:     copySet(m.pending),
		Queued:      copySet(m.queued),
		Active:      copySet(m.active),
		Completed:   copySet(m.completed),
		Failed:      copySet(m.failed),
		Skipped:     copySet(m.skipped),
		FailReasons: reasons,
	}
}

// QueueSize returns the number of jobs currently sitting in the ready-queue.
func (m *Manager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready)
}
