// Package autoresponder implements the Auto-Responder (spec.md §4.G):
// given the Agent's last response, it classifies the response and either
// produces a continuation message or signals that the task should stop.
//
// Grounded on internal/executor/signal.go's regex-classification style,
// generalized from one fenced-block pattern into a small ordered bank of
// regexes that classify free-form prose into spec.md's six categories.
package autoresponder

import (
	"fmt"
	"regexp"
	"strings"
)

// Category is one of the six response classes of spec.md §4.G.
type Category string

const (
	CategoryMultipleChoice Category = "multiple_choice"
	CategoryYesNoQuestion  Category = "yes_no_question"
	CategoryOpenQuestion   Category = "open_question"
	CategoryError          Category = "error"
	CategoryCompletion     Category = "completion"
	CategoryContinuation   Category = "continuation"
)

var (
	// optionLineRegex matches enumerated option lines like "1. Do X" or "a) Do Y".
	optionLineRegex = regexp.MustCompile(`(?m)^\s*(?:[0-9]{1,2}|[a-dA-D])[.)]\s+\S`)

	yesNoRegex = regexp.MustCompile(`(?i)\b(should I|shall I|do you want|would you like|is that (ok|okay|correct|fine))\b.*\?`)

	questionRegex = regexp.MustCompile(`\?\s*$`)

	errorRegex = regexp.MustCompile(`(?i)\b(error|failed|exception|traceback|panic|cannot|unable to)\b`)

	completionRegex = regexp.MustCompile(`(?i)\b(done|completed|finished|all tests pass|implementation is complete|task is complete)\b`)
)

// Classify categorizes response text per the regex bank above. Ordering
// matters: error is checked first (an error report with numbered items is
// still an error), then multiple_choice and yes/no before the more general
// open_question. completion only applies when the text does not end in a
// question mark; a completion phrased as a question is an open_question.
func Classify(response string) Category {
	trimmed := strings.TrimSpace(response)

	if errorRegex.MatchString(trimmed) {
		return CategoryError
	}

	optionLines := optionLineRegex.FindAllString(trimmed, -1)
	if len(optionLines) >= 2 {
		return CategoryMultipleChoice
	}

	if yesNoRegex.MatchString(trimmed) {
		return CategoryYesNoQuestion
	}

	if completionRegex.MatchString(trimmed) && !questionRegex.MatchString(trimmed) {
		return CategoryCompletion
	}

	if questionRegex.MatchString(trimmed) {
		return CategoryOpenQuestion
	}

	return CategoryContinuation
}

// Respond produces the Executor's canned reply for a classified response,
// or ("", false) when the task should stop (completion with no question).
func Respond(response string) (reply string, shouldContinue bool) {
	cat := Classify(response)
	switch cat {
	case CategoryCompletion:
		return "", false
	case CategoryMultipleChoice:
		return pickOption(response), true
	case CategoryError:
		return "Please try an alternative approach and continue.", true
	case CategoryYesNoQuestion:
		return "Yes, please proceed.", true
	case CategoryOpenQuestion:
		return "Please use your best judgment and continue with the task.", true
	default:
		return "Please continue.", true
	}
}

// pickOption deterministically picks an enumerated option: the first
// option for 1-2 choices, the middle option for 3-4, the last option for
// 5 or more — a simple, reproducible tie-break rather than randomness.
func pickOption(response string) string {
	options := optionLineRegex.FindAllString(response, -1)
	if len(options) == 0 {
		return "Please pick the option you think is best and continue."
	}

	var idx int
	switch {
	case len(options) <= 2:
		idx = 0
	case len(options) <= 4:
		idx = len(options) / 2
	default:
		idx = len(options) - 1
	}

	choice := strings.TrimSpace(options[idx])
	return fmt.Sprintf("Let's go with: %s", choice)
}

// ShouldContinue implements spec.md §4.G's should_continue(response, iter,
// max_iter) → bool: false is equivalent to completion detection, and the
// iteration cap is enforced independent of response content.
func ShouldContinue(response string, iteration, maxIterations int) bool {
	if maxIterations > 0 && iteration >= maxIterations {
		return false
	}
	_, cont := Respond(response)
	return cont
}
