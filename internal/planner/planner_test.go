package planner

import "testing"

func TestParseNeedsWriteNo(t *testing.T) {
	p := New()
	d := p.Parse("Looking at this, no changes are needed.\n```planning\nNEEDS_WRITE: NO\nWRITE_TARGETS: NONE\n```")
	if d.Kind != KindNone {
		t.Fatalf("Kind = %v, want KindNone", d.Kind)
	}
}

func TestParseWriteTargetsNumbers(t *testing.T) {
	p := New()
	d := p.Parse("```planning\nNEEDS_WRITE: YES\nWRITE_TARGETS: 1, 3\n```")
	if d.Kind != KindTargets {
		t.Fatalf("Kind = %v, want KindTargets", d.Kind)
	}
	if len(d.Targets) != 2 || d.Targets[0] != 1 || d.Targets[1] != 3 {
		t.Fatalf("Targets = %v, want [1 3]", d.Targets)
	}
}

func TestParseCurrent(t *testing.T) {
	p := New()
	d := p.Parse("```planning\nNEEDS_WRITE: YES\nWRITE_TARGETS: CURRENT\n```")
	if d.Kind != KindCurrent {
		t.Fatalf("Kind = %v, want KindCurrent", d.Kind)
	}
}

func TestParseAbsentBlockHeuristicTriggers(t *testing.T) {
	p := New()
	d := p.Parse("I will need to modify the handler to fix this bug.")
	if d.Kind != KindCurrent {
		t.Fatalf("Kind = %v, want KindCurrent (heuristic fallback)", d.Kind)
	}
}

func TestParseAbsentBlockHeuristicNoVerbs(t *testing.T) {
	p := New()
	d := p.Parse("This looks like a read-only question, no action needed.")
	if d.Kind != KindNone {
		t.Fatalf("Kind = %v, want KindNone", d.Kind)
	}
}

func TestResolveTargetsIgnoresUnknown(t *testing.T) {
	p := New()
	projects := []Project{{Path: "a"}, {Path: "b"}}
	resolved := p.ResolveTargets([]int{1, 99, 2}, projects)
	if len(resolved) != 2 || resolved[0].Path != "a" || resolved[1].Path != "b" {
		t.Fatalf("resolved = %+v", resolved)
	}
}
