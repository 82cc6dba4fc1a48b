package taskexec

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"
)

// StagnationLevel is the severity of detected stagnation, escalating from
// a log-only warning to a request that a human intervene. This is a
// SPEC_FULL.md §10 supplement, disabled by default to match the teacher.
type StagnationLevel int

const (
	StagnationNone StagnationLevel = iota
	StagnationWarn
	StagnationPause
	StagnationAbort
)

func (l StagnationLevel) String() string {
	switch l {
	case StagnationNone:
		return "none"
	case StagnationWarn:
		return "warn"
	case StagnationPause:
		return "pause"
	case StagnationAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// StagnationConfig bounds the detector's thresholds.
type StagnationConfig struct {
	WarnAfterIdentical   int
	PauseAfterIdentical  int
	WarnAfterNoProgress  time.Duration
	PauseAfterNoProgress time.Duration
	AbortAfterNoProgress time.Duration
	HistorySize          int
}

// DefaultStagnationConfig mirrors the teacher's defaults.
func DefaultStagnationConfig() StagnationConfig {
	return StagnationConfig{
		WarnAfterIdentical:   3,
		PauseAfterIdentical:  5,
		WarnAfterNoProgress:  10 * time.Minute,
		PauseAfterNoProgress: 20 * time.Minute,
		AbortAfterNoProgress: 30 * time.Minute,
		HistorySize:          20,
	}
}

// StagnationMonitor tracks per-task iteration state and flags when the
// Agent appears stuck: repeating the same response shape, or making no
// forward progress for too long. It feeds the Task Executor's Decision
// step (§4.H.5) as an additional input alongside the Criteria Checker and
// Auto-Responder, but never on its own forces a terminal state — the
// Executor decides what to do with the level it reports.
type StagnationMonitor struct {
	config StagnationConfig

	mu             sync.Mutex
	hashes         []uint64
	lastProgressAt time.Time
	lastSignature  string
	currentLevel   StagnationLevel
}

// NewStagnationMonitor constructs a monitor. Passing the zero
// StagnationConfig disables detection entirely (every RecordTurn call
// reports StagnationNone), matching the teacher's opt-in default.
func NewStagnationMonitor(cfg StagnationConfig) *StagnationMonitor {
	return &StagnationMonitor{
		config:         cfg,
		lastProgressAt: time.Now(),
	}
}

// enabled reports whether any threshold is configured.
func (m *StagnationMonitor) enabled() bool {
	return m.config.WarnAfterIdentical > 0 || m.config.WarnAfterNoProgress > 0
}

// RecordTurn records one execution turn's outcome and returns the current
// stagnation level. signature should summarize the turn in a way that
// recurs verbatim when the Agent is looping (e.g. the planner Decision
// kind plus a truncated prefix of the response text).
func (m *StagnationMonitor) RecordTurn(signature string) StagnationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled() {
		return StagnationNone
	}

	now := time.Now()
	if signature != m.lastSignature {
		m.lastProgressAt = now
	}
	m.lastSignature = signature

	hash := hashSignature(signature)
	m.hashes = append(m.hashes, hash)
	if m.config.HistorySize > 0 && len(m.hashes) > m.config.HistorySize {
		m.hashes = m.hashes[len(m.hashes)-m.config.HistorySize:]
	}

	identical := identicalSuffixLen(m.hashes)
	idle := now.Sub(m.lastProgressAt)

	level := StagnationNone
	switch {
	case m.config.AbortAfterNoProgress > 0 && idle >= m.config.AbortAfterNoProgress:
		level = StagnationAbort
	case m.config.PauseAfterIdentical > 0 && identical >= m.config.PauseAfterIdentical:
		level = StagnationPause
	case m.config.PauseAfterNoProgress > 0 && idle >= m.config.PauseAfterNoProgress:
		level = StagnationPause
	case m.config.WarnAfterIdentical > 0 && identical >= m.config.WarnAfterIdentical:
		level = StagnationWarn
	case m.config.WarnAfterNoProgress > 0 && idle >= m.config.WarnAfterNoProgress:
		level = StagnationWarn
	}

	m.currentLevel = level
	return level
}

// CurrentLevel returns the level computed by the most recent RecordTurn
// call without recomputing it.
func (m *StagnationMonitor) CurrentLevel() StagnationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLevel
}

// Reset clears tracked history. The Executor does not call it: a task's
// monitor keeps its history across PAUSED and is dropped only when the
// task reaches FINISHED, EXHAUSTED or FAILED.
func (m *StagnationMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes = nil
	m.lastProgressAt = time.Now()
	m.lastSignature = ""
	m.currentLevel = StagnationNone
}

func hashSignature(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

// identicalSuffixLen counts how many trailing hashes equal the last one.
func identicalSuffixLen(hashes []uint64) int {
	if len(hashes) == 0 {
		return 0
	}
	last := hashes[len(hashes)-1]
	n := 0
	for i := len(hashes) - 1; i >= 0 && hashes[i] == last; i-- {
		n++
	}
	return n
}
