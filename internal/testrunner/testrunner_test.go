package testrunner

import (
	"context"
	"testing"
)

func TestRunPasses(t *testing.T) {
	r := New("exit 0", 0)
	passed, _, err := r.Run(context.Background(), ".")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !passed {
		t.Fatalf("passed = false, want true")
	}
}

func TestRunFails(t *testing.T) {
	r := New("exit 1", 0)
	passed, _, err := r.Run(context.Background(), ".")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if passed {
		t.Fatalf("passed = true, want false for nonzero exit")
	}
}

func TestRunEmptyCommandPassesTrivially(t *testing.T) {
	r := New("", 0)
	passed, _, err := r.Run(context.Background(), ".")
	if err != nil || !passed {
		t.Fatalf("passed=%v err=%v, want true/nil for unconfigured command", passed, err)
	}
}

func TestRunCapturesOutput(t *testing.T) {
	r := New("echo hello", 0)
	_, output, err := r.Run(context.Background(), ".")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output == "" {
		t.Fatalf("expected non-empty output")
	}
}
