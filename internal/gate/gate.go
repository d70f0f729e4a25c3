// Package gate evaluates a phase's aggregate score against its quality
// threshold. Evaluation is pure: no I/O, no clock beyond the decision
// timestamp, and deterministic for a given set of task results.
package gate

import (
	"sort"
	"time"

	"github.com/fyrsmithlabs/gauntlet/internal/task"
)

// Decision is the outcome of a quality-gate evaluation.
type Decision string

const (
	Pass            Decision = "PASS"
	ConditionalPass Decision = "CONDITIONAL_PASS"
	Fail            Decision = "FAIL"
)

// DefaultTolerance is the band width callers fall back to when the
// pipeline does not set one. Evaluate itself uses Config.Tolerance as
// given; zero is a valid, collapsed band.
const DefaultTolerance = 5.0

// Config parameterizes one evaluation.
type Config struct {
	PhaseID string

	// Threshold is the passing aggregate score, inclusive.
	Threshold float64

	// Tolerance is the conditional-pass band width, used verbatim. Zero
	// leaves no band. Ignored for critical phases, whose band collapses.
	Tolerance float64

	// Critical phases only ever PASS or FAIL.
	Critical bool

	// Weights maps task id to its share of the aggregate, out of 100.
	// Empty means uniform.
	Weights map[string]float64
}

// Outcome is the full decision record for one phase iteration.
type Outcome struct {
	PhaseID           string
	Iteration         int
	Decision          Decision
	AggregateScore    float64
	Threshold         float64
	Tolerance         float64
	Critical          bool
	SubThresholdTasks []string
	DecidedAt         time.Time
}

// Aggregate computes the weighted mean of task scores. Tasks that did
// not complete contribute a score of zero. Weights fall back to uniform
// when the map is empty. The result is always in [0,100] for scores in
// [0,100].
func Aggregate(results []task.Result, weights map[string]float64) float64 {
	if len(results) == 0 {
		return 0
	}

	uniform := 100.0 / float64(len(results))
	total := 0.0
	weightSum := 0.0
	for _, r := range results {
		w, ok := weights[r.TaskID]
		if !ok || len(weights) == 0 {
			w = uniform
		}
		score := 0
		if r.Status == task.StatusCompleted {
			score = task.ClampScore(r.Score)
		}
		total += w * float64(score)
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return total / weightSum
}

// Evaluate decides PASS, CONDITIONAL_PASS, or FAIL for one phase
// iteration.
//
// The passing side is inclusive: an aggregate exactly at the threshold
// passes. Below it, a near-miss within the tolerance band is a
// conditional pass, except on critical phases where ambiguity is not
// tolerated and the band collapses to FAIL.
func Evaluate(results []task.Result, iteration int, cfg Config) Outcome {
	aggregate := Aggregate(results, cfg.Weights)

	decision := Fail
	switch {
	case aggregate >= cfg.Threshold:
		decision = Pass
	case !cfg.Critical && aggregate >= cfg.Threshold-cfg.Tolerance:
		decision = ConditionalPass
	}

	return Outcome{
		PhaseID:           cfg.PhaseID,
		Iteration:         iteration,
		Decision:          decision,
		AggregateScore:    aggregate,
		Threshold:         cfg.Threshold,
		Tolerance:         cfg.Tolerance,
		Critical:          cfg.Critical,
		SubThresholdTasks: subThreshold(results, cfg.Threshold),
		DecidedAt:         time.Now().UTC(),
	}
}

// subThreshold lists the task ids whose individual score fell below the
// phase threshold, sorted for stable persistence.
func subThreshold(results []task.Result, threshold float64) []string {
	var ids []string
	for _, r := range results {
		score := 0
		if r.Status == task.StatusCompleted {
			score = task.ClampScore(r.Score)
		}
		if float64(score) < threshold {
			ids = append(ids, r.TaskID)
		}
	}
	sort.Strings(ids)
	return ids
}
