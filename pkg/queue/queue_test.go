package queue

import "testing"

func TestSeedInitialEnqueuesRootsOnly(t *testing.T) {
	m := New(map[string][]string{
		"A": nil,
		"B": {"A"},
	})
	m.SeedInitial([]string{"A", "B"})
	id, ok := m.NextReady()
	if !ok || id != "A" {
		t.Fatalf("expected A ready first, got %q ok=%v", id, ok)
	}
	if _, ok := m.NextReady(); ok {
		t.Fatal("expected B to not be ready yet")
	}
}

func TestEnqueueDependentsAfterCompletion(t *testing.T) {
	m := New(map[string][]string{
		"A": nil,
		"B": {"A"},
	})
	m.SeedInitial([]string{"A", "B"})
	id, _ := m.NextReady()
	m.MarkActive(id)
	m.MarkCompleted(id)

	newly := m.EnqueueDependents([]string{"A", "B"}, "A", false)
	if len(newly) != 1 || newly[0] != "B" {
		t.Fatalf("expected B to become ready, got %v", newly)
	}
	bID, ok := m.NextReady()
	if !ok || bID != "B" {
		t.Fatalf("expected B ready, got %q ok=%v", bID, ok)
	}
}

func TestMarkFailedBlocksDependentsViaReadiness(t *testing.T) {
	m := New(map[string][]string{
		"A": nil,
		"B": {"A"},
	})
	m.SeedInitial([]string{"A", "B"})
	id, _ := m.NextReady()
	m.MarkActive(id)
	m.MarkFailed(id, "boom")

	newly := m.EnqueueDependents([]string{"A", "B"}, "A", false)
	if len(newly) != 0 {
		t.Fatalf("expected no dependents enqueued after failure, got %v", newly)
	}
	if _, ok := m.NextReady(); ok {
		t.Fatal("B should never be dispatched after A failed")
	}
}

func TestMarkSkippedCountsAsSatisfyingDependency(t *testing.T) {
	m := New(map[string][]string{
		"A": nil,
		"B": {"A"},
	})
	m.MarkSkipped("A")
	m.SeedInitial([]string{"A", "B"})
	id, ok := m.NextReady()
	if !ok || id != "B" {
		t.Fatalf("expected B ready once A is skipped, got %q ok=%v", id, ok)
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	m := New(map[string][]string{"A": nil})
	m.SeedInitial([]string{"A"})
	id, _ := m.NextReady()
	m.MarkActive(id)
	snap := m.Snapshot()
	if len(snap.Active) != 1 || snap.Active[0] != "A" {
		t.Fatalf("expected A active in snapshot, got %v", snap.Active)
	}
}

func TestFutureRegistration(t *testing.T) {
	m := New(map[string][]string{"A": nil})
	m.RegisterFuture("h1", "A")
	id, ok := m.UnregisterFuture("h1")
	if !ok || id != "A" {
		t.Fatalf("expected to retrieve A, got %q ok=%v", id, ok)
	}
	if _, ok := m.UnregisterFuture("h1"); ok {
		t.Fatal("expected second unregister to miss")
	}
}
