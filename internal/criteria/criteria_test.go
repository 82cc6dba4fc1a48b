package criteria

import "testing"

func TestParseVerdictYes(t *testing.T) {
	done, reason, err := parseVerdict("CRITERIA_MET: YES all tests pass and the endpoint returns 200")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatalf("done = false, want true")
	}
	if reason == "" {
		t.Fatalf("expected non-empty reason")
	}
}

func TestParseVerdictNo(t *testing.T) {
	done, _, err := parseVerdict("Some preamble.\nCRITERIA_MET: NO the migration is still missing\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Fatalf("done = true, want false")
	}
}

func TestParseVerdictMissing(t *testing.T) {
	_, _, err := parseVerdict("I think we are done here.")
	if err == nil {
		t.Fatalf("expected error for missing verdict line")
	}
}

func TestParseVerdictMalformed(t *testing.T) {
	_, _, err := parseVerdict("CRITERIA_MET: MAYBE not sure")
	if err == nil {
		t.Fatalf("expected error for unrecognized verdict")
	}
}
