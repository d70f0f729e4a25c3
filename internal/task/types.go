// Package task executes single evaluation tasks through an injected
// Provider, converting every failure mode into a typed Result. Callers
// never see an error for a task failure; a Result's Status carries it.
package task

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the terminal state of one task execution.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
)

// Result captures the outcome of one task execution. Immutable once
// created.
type Result struct {
	TaskID   string
	Score    int
	Status   Status
	Payload  json.RawMessage
	Err      error
	Duration time.Duration
}

// ErrorString returns the recorded error message, empty when none.
func (r Result) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Input is the opaque provider input for one task invocation. The engine
// forwards it untouched; only providers interpret it.
type Input struct {
	// Idea is the business idea under evaluation.
	Idea string

	// Iteration is 1-based; re-runs of an iterative phase increment it.
	Iteration int

	// PriorPayloads carries the previous iteration's task payloads so a
	// provider can refine its work, keyed by task id.
	PriorPayloads map[string]json.RawMessage
}

// Provider produces a task's score and payload. Implementations live
// outside the engine; the sim provider ships for offline use.
type Provider interface {
	Run(ctx context.Context, taskID string, input Input) (score int, payload json.RawMessage, err error)
}

// ClampScore bounds a provider-reported score to [0,100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
