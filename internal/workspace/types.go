package workspace

import (
	"encoding/json"
	"time"
)

// Artifact is the persisted record of one task execution. One file is
// written per (phase, task, iteration) key and never overwritten.
type Artifact struct {
	TaskID          string          `json:"task_id"`
	Phase           string          `json:"phase"`
	Iteration       int             `json:"iteration"`
	Timestamp       time.Time       `json:"timestamp"`
	InputReferences []string        `json:"input_references,omitempty"`
	Score           int             `json:"score"`
	Status          string          `json:"status"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Error           string          `json:"error,omitempty"`
	DurationMS      int64           `json:"duration_ms"`
}

// Key identifies an artifact within a run.
type Key struct {
	Phase     string
	TaskID    string
	Iteration int
}

// GateRecord is the persisted quality-gate decision for one phase
// iteration.
type GateRecord struct {
	PhaseID           string    `json:"phase_id"`
	Iteration         int       `json:"iteration"`
	Decision          string    `json:"decision"`
	AggregateScore    float64   `json:"aggregate_score"`
	Threshold         float64   `json:"threshold"`
	Tolerance         float64   `json:"tolerance"`
	Critical          bool      `json:"critical"`
	SubThresholdTasks []string  `json:"sub_threshold_tasks,omitempty"`
	DecidedAt         time.Time `json:"decided_at"`
}

// StatusRecord mirrors the run's phase index and decision history. It is
// the only state resume needs.
type StatusRecord struct {
	RunID         string              `json:"run_id"`
	Idea          string              `json:"idea"`
	Status        string              `json:"status"`
	CurrentPhase  int                 `json:"current_phase"`
	Phases        []PhaseStatusRecord `json:"phases"`
	WorkspacePath string              `json:"workspace_path"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
}

// PhaseStatusRecord is the per-phase slice of a StatusRecord.
type PhaseStatusRecord struct {
	PhaseID     string       `json:"phase_id"`
	Iterations  int          `json:"iterations"`
	Decisions   []GateRecord `json:"decisions"`
	Conditional bool         `json:"conditional,omitempty"`
}

// Terminal reports whether the phase reached a decision that ends work
// on it: a pass of either kind, or a fail with no retry budget left.
func (p *PhaseStatusRecord) Terminal(iterative bool, maxIterations int) bool {
	if len(p.Decisions) == 0 {
		return false
	}
	last := p.Decisions[len(p.Decisions)-1]
	switch last.Decision {
	case "PASS", "CONDITIONAL_PASS":
		return true
	case "FAIL":
		if last.Critical {
			return true
		}
		return !iterative || last.Iteration >= maxIterations
	}
	return false
}

// Passed reports whether the phase's last decision allows the run to
// advance past it.
func (p *PhaseStatusRecord) Passed() bool {
	if len(p.Decisions) == 0 {
		return false
	}
	last := p.Decisions[len(p.Decisions)-1]
	return last.Decision == "PASS" || last.Decision == "CONDITIONAL_PASS"
}
