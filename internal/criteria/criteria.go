// Package criteria implements the Criteria Checker (spec.md §4.F): an
// opaque one-shot judge invoked only when a task has a non-empty
// end_criteria_config.criteria and the iteration produced a response. It
// answers whether the task's stated completion criteria are met.
//
// Grounded on internal/executor/intent_judge.go's one-shot LLM-judge
// pattern (build a judge prompt, invoke a backend once, parse a small
// fixed-shape verdict), reusing internal/agent.Driver as the backend
// instead of a bespoke HTTP call so the judge shares the same subprocess
// plumbing (heartbeat, grace-kill, NDJSON parsing) as the main loop.
package criteria

import (
	"context"
	"fmt"
	"strings"

	"github.com/alekspetrov/agentloop/internal/agent"
)

// Checker is the spec.md §4.F contract: Check returns (done, reason). The
// core treats any returned error as (false, error-text) and continues.
type Checker interface {
	Check(ctx context.Context, criteria, cwd, lastResponse string) (done bool, reason string, err error)
}

// AgentChecker is the default Checker: it asks the configured Agent driver
// a single judge question and parses a fixed-shape verdict line.
type AgentChecker struct {
	driver agent.Driver
}

// NewAgentChecker builds a Checker backed by driver.
func NewAgentChecker(driver agent.Driver) *AgentChecker {
	return &AgentChecker{driver: driver}
}

const verdictPrefix = "CRITERIA_MET:"

// Check runs one judge turn and parses its verdict. Any driver error is
// returned to the caller, which per spec.md §4.F must treat it as
// (false, error-text) rather than aborting the task.
func (c *AgentChecker) Check(ctx context.Context, criteria, cwd, lastResponse string) (bool, string, error) {
	prompt := buildJudgePrompt(criteria, lastResponse)
	res, err := c.driver.Run(ctx, agent.RunOptions{Message: prompt, CWD: cwd})
	if err != nil {
		return false, err.Error(), err
	}
	return parseVerdict(res.FinalText)
}

func buildJudgePrompt(criteria, lastResponse string) string {
	var b strings.Builder
	b.WriteString("You are judging whether a task's completion criteria have been met. ")
	b.WriteString("Do not make any changes; only answer the question.\n\n")
	b.WriteString("Completion criteria: ")
	b.WriteString(criteria)
	b.WriteString("\n\nMost recent response from the implementing agent:\n")
	b.WriteString(lastResponse)
	b.WriteString("\n\nReply with exactly one line: \"")
	b.WriteString(verdictPrefix)
	b.WriteString(" YES|NO\" followed by one short sentence of justification.")
	return b.String()
}

func parseVerdict(text string) (bool, string, error) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(line), strings.ToUpper(verdictPrefix)) {
			continue
		}
		rest := strings.TrimSpace(line[len(verdictPrefix):])
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return false, "empty verdict", fmt.Errorf("criteria: empty verdict line %q", line)
		}
		verdict := strings.ToUpper(fields[0])
		reason := strings.TrimSpace(rest[len(fields[0]):])
		switch verdict {
		case "YES":
			return true, reason, nil
		case "NO":
			return false, reason, nil
		default:
			return false, rest, fmt.Errorf("criteria: unrecognized verdict %q", fields[0])
		}
	}
	return false, "no verdict line found in judge response", fmt.Errorf("criteria: missing %q line", verdictPrefix)
}
