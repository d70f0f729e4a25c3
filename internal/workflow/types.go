package workflow

import (
	"time"

	"github.com/fyrsmithlabs/gauntlet/internal/gate"
)

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status ends the run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Run is the engine's record of one workflow execution. It is owned and
// mutated exclusively by the Runner.
type Run struct {
	ID            string
	Idea          string
	Status        Status
	Phases        []PhaseRecord
	WorkspacePath string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// PhaseRecord accumulates the decision history of one phase within a
// run.
type PhaseRecord struct {
	PhaseID    string
	Iterations int
	Decisions  []gate.Outcome

	// Conditional flags a phase the run advanced past on a
	// CONDITIONAL_PASS, for later audit.
	Conditional bool
}

// LastDecision returns the most recent gate outcome, or nil.
func (p *PhaseRecord) LastDecision() *gate.Outcome {
	if len(p.Decisions) == 0 {
		return nil
	}
	return &p.Decisions[len(p.Decisions)-1]
}
