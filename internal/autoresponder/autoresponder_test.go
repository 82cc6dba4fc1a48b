package autoresponder

import "testing"

func TestClassifyCompletion(t *testing.T) {
	if got := Classify("The implementation is complete and all tests pass."); got != CategoryCompletion {
		t.Fatalf("Classify = %v, want completion", got)
	}
}

func TestClassifyMultipleChoice(t *testing.T) {
	text := "Which approach should I take?\n1. Use a cache\n2. Query the DB directly\n3. Precompute at startup"
	if got := Classify(text); got != CategoryMultipleChoice {
		t.Fatalf("Classify = %v, want multiple_choice", got)
	}
}

func TestClassifyYesNo(t *testing.T) {
	if got := Classify("Should I also update the README?"); got != CategoryYesNoQuestion {
		t.Fatalf("Classify = %v, want yes_no_question", got)
	}
}

func TestClassifyError(t *testing.T) {
	if got := Classify("I ran the tests but got a panic: nil pointer dereference."); got != CategoryError {
		t.Fatalf("Classify = %v, want error", got)
	}
}

func TestClassifyOpenQuestion(t *testing.T) {
	if got := Classify("What naming convention does this codebase prefer for test helpers?"); got != CategoryOpenQuestion {
		t.Fatalf("Classify = %v, want open_question", got)
	}
}

func TestClassifyContinuation(t *testing.T) {
	if got := Classify("I've added the handler and wired it into the router."); got != CategoryContinuation {
		t.Fatalf("Classify = %v, want continuation", got)
	}
}

func TestRespondCompletionStops(t *testing.T) {
	_, cont := Respond("All tests pass. Task is complete.")
	if cont {
		t.Fatalf("expected shouldContinue=false on completion")
	}
}

func TestPickOptionMiddleForFour(t *testing.T) {
	text := "1. A\n2. B\n3. C\n4. D"
	reply := pickOption(text)
	if reply != "Let's go with: 3. C" {
		t.Fatalf("pickOption = %q, want the middle (third) of four options", reply)
	}
}

func TestShouldContinueRespectsIterationCap(t *testing.T) {
	if ShouldContinue("still working on it", 5, 5) {
		t.Fatalf("expected false once iteration reaches max_iterations")
	}
}
