package task

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// SimProvider is a deterministic stand-in for a real evaluation
// provider. Scores derive from the task id and idea text, and improve
// with each iteration, so iterative phases converge the way a refined
// deliverable would. It exists so the engine is exercisable end to end
// with no external dependency; the orchestration core neither knows nor
// cares which provider is active.
type SimProvider struct {
	// Floor is the minimum first-iteration score. Default 55.
	Floor int

	// Spread is the range above Floor a first-iteration score can take.
	// Default 35.
	Spread int

	// IterationBonus is added per iteration past the first. Default 10.
	IterationBonus int
}

// NewSimProvider returns a provider with the default score shape.
func NewSimProvider() *SimProvider {
	return &SimProvider{
		Floor:          55,
		Spread:         35,
		IterationBonus: 10,
	}
}

type simPayload struct {
	TaskID    string `json:"task_id"`
	Iteration int    `json:"iteration"`
	Summary   string `json:"summary"`
	Refined   bool   `json:"refined"`
}

// Run implements Provider.
func (p *SimProvider) Run(ctx context.Context, taskID string, input Input) (int, json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	default:
	}

	h := fnv.New32a()
	h.Write([]byte(taskID))
	h.Write([]byte(input.Idea))
	score := p.Floor + int(h.Sum32())%p.Spread

	iteration := input.Iteration
	if iteration < 1 {
		iteration = 1
	}
	score += (iteration - 1) * p.IterationBonus
	score = ClampScore(score)

	payload, err := json.Marshal(simPayload{
		TaskID:    taskID,
		Iteration: iteration,
		Summary:   fmt.Sprintf("simulated %s assessment of %q", taskID, input.Idea),
		Refined:   len(input.PriorPayloads) > 0,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal sim payload: %w", err)
	}

	return score, payload, nil
}
