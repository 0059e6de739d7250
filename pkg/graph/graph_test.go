package graph

import (
	"reflect"
	"testing"
)

func TestHasCyclesDetectsCycle(t *testing.T) {
	a := New([]string{"A", "B"}, map[string][]string{
		"A": {"B"},
		"B": {"A"},
	})
	cyc, path := a.HasCycles()
	if !cyc {
		t.Fatal("expected cycle to be detected")
	}
	if len(path) == 0 {
		t.Fatal("expected non-empty cycle path")
	}
}

func TestHasCyclesCleanDAG(t *testing.T) {
	a := New([]string{"A", "B", "C"}, map[string][]string{
		"A": nil,
		"B": {"A"},
		"C": {"B"},
	})
	if cyc, _ := a.HasCycles(); cyc {
		t.Fatal("did not expect a cycle")
	}
}

func TestMissingDependencies(t *testing.T) {
	a := New([]string{"A", "B"}, map[string][]string{
		"A": {"ghost"},
		"B": nil,
	})
	missing := a.MissingDependencies()
	if !reflect.DeepEqual(missing["A"], []string{"ghost"}) {
		t.Errorf("missing[A] = %v, want [ghost]", missing["A"])
	}
}

func TestTopologicalOrderLinear(t *testing.T) {
	a := New([]string{"A", "B", "C"}, map[string][]string{
		"A": nil,
		"B": {"A"},
		"C": {"B"},
	})
	order := a.TopologicalOrder()
	if !reflect.DeepEqual(order, []string{"A", "B", "C"}) {
		t.Errorf("order = %v, want [A B C]", order)
	}
}

func TestTopologicalOrderTieBreakByDeclaration(t *testing.T) {
	// B and C both depend only on A; declaration order is A, C, B so ties
	// should resolve C before B.
	a := New([]string{"A", "C", "B"}, map[string][]string{
		"A": nil,
		"C": {"A"},
		"B": {"A"},
	})
	order := a.TopologicalOrder()
	if !reflect.DeepEqual(order, []string{"A", "C", "B"}) {
		t.Errorf("order = %v, want [A C B]", order)
	}
}

func TestValidateFailsOnCycle(t *testing.T) {
	a := New([]string{"A", "B"}, map[string][]string{"A": {"B"}, "B": {"A"}})
	if err := a.Validate(false); err == nil {
		t.Fatal("expected graph error on cycle")
	}
}

func TestValidateContinueOnErrorToleratesMissingDeps(t *testing.T) {
	a := New([]string{"A"}, map[string][]string{"A": {"ghost"}})
	if err := a.Validate(true); err != nil {
		t.Errorf("expected no error with continue-on-error, got %v", err)
	}
	if err := a.Validate(false); err == nil {
		t.Error("expected error without continue-on-error")
	}
}
