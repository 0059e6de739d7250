package env

import "testing"

func TestMergePrecedence(t *testing.T) {
	inherited := map[string]string{"A": "inherited", "B": "inherited"}
	app := map[string]string{"A": "app"}
	job := map[string]string{"B": "job", "C": "job"}
	cli := map[string]string{"C": "cli"}

	got := Merge(inherited, app, job, cli)
	if got["A"] != "app" {
		t.Errorf("A = %q, want app", got["A"])
	}
	if got["B"] != "job" {
		t.Errorf("B = %q, want job", got["B"])
	}
	if got["C"] != "cli" {
		t.Errorf("C = %q, want cli", got["C"])
	}
}

func TestInterpolateFixedPoint(t *testing.T) {
	vars := map[string]string{
		"BASE": "/opt/app",
		"BIN":  "${BASE}/bin",
		"RUN":  "${BIN}/run.sh",
	}
	got := Interpolate(vars)
	if got["RUN"] != "/opt/app/bin/run.sh" {
		t.Errorf("RUN = %q, want /opt/app/bin/run.sh", got["RUN"])
	}
}

func TestInterpolateCycleLeavesLiteral(t *testing.T) {
	vars := map[string]string{
		"X": "${Y}",
		"Y": "${X}",
	}
	got := Interpolate(vars)
	if got["X"] != "${Y}" && got["Y"] != "${X}" {
		t.Fatalf("expected at least one token left literal on cycle, got X=%q Y=%q", got["X"], got["Y"])
	}
}

func TestInterpolateUndefinedLeftLiteral(t *testing.T) {
	vars := map[string]string{"A": "${UNDEFINED}"}
	got := Interpolate(vars)
	if got["A"] != "${UNDEFINED}" {
		t.Errorf("A = %q, want literal token preserved", got["A"])
	}
}

func TestValidateRejectsBadName(t *testing.T) {
	_, err := Validate(map[string]string{"1BAD": "x"})
	if err == nil {
		t.Fatal("expected error for invalid variable name")
	}
}

func TestValidateRejectsNUL(t *testing.T) {
	_, err := Validate(map[string]string{"A": "has\x00nul"})
	if err == nil {
		t.Fatal("expected error for NUL byte in value")
	}
}

func TestValidateRejectsOversizedValue(t *testing.T) {
	big := make([]byte, maxValueLen+1)
	_, err := Validate(map[string]string{"A": string(big)})
	if err == nil {
		t.Fatal("expected error for oversized value")
	}
}

func TestParseInheritModeShapes(t *testing.T) {
	if m := ParseInheritMode(true); !m.All {
		t.Error("true should parse to All")
	}
	if m := ParseInheritMode(false); !m.None {
		t.Error("false should parse to None")
	}
	if m := ParseInheritMode("default"); !m.Default {
		t.Error(`"default" should parse to Default`)
	}
	if m := ParseInheritMode([]string{"PATH"}); len(m.Names) != 1 {
		t.Error("list should parse to Names")
	}
}

func TestResolverResolve(t *testing.T) {
	r := NewResolver(false, map[string]string{"APP": "yes"})
	got, _, err := r.Resolve(map[string]string{"JOB": "${APP}-job"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["JOB"] != "yes-job" {
		t.Errorf("JOB = %q, want yes-job", got["JOB"])
	}
}
