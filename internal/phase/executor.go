// Package phase runs all tasks of one phase, in parallel or in
// configured order, and assembles their results into a single
// PhaseResult with an aggregate score. Task failures are data, not
// errors: the only error Execute returns is a workspace persistence
// failure, which is fatal to the run.
package phase

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gauntlet/internal/config"
	"github.com/fyrsmithlabs/gauntlet/internal/gate"
	"github.com/fyrsmithlabs/gauntlet/internal/task"
	"github.com/fyrsmithlabs/gauntlet/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/gauntlet/internal/phase"

// Result is one iteration's outcome for a phase. Task results are always
// in configured order, regardless of completion order.
type Result struct {
	PhaseID        string
	Iteration      int
	Tasks          []task.Result
	AggregateScore float64
	StartedAt      time.Time
	CompletedAt    time.Time
	Duration       time.Duration

	// Replayed counts tasks restored from persisted artifacts instead
	// of executed.
	Replayed int
}

// Executor fans a phase's tasks out to the task executor and persists
// each result as a write-once artifact.
type Executor struct {
	tasks  *task.Executor
	store  *workspace.Store
	logger *zap.Logger
	tracer trace.Tracer
}

// NewExecutor creates a phase executor.
func NewExecutor(tasks *task.Executor, store *workspace.Store, logger *zap.Logger) (*Executor, error) {
	if tasks == nil {
		return nil, errors.New("task executor is required")
	}
	if store == nil {
		return nil, errors.New("workspace store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		tasks:  tasks,
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Execute runs one iteration of a phase. Tasks whose artifact for this
// (phase, task, iteration) key is already persisted are replayed from
// the workspace instead of re-executed; this is the hook resume uses.
func (e *Executor) Execute(ctx context.Context, runID string, cfg *config.PhaseConfig, iteration int, input task.Input) (*Result, error) {
	if cfg == nil {
		return nil, errors.New("phase config is required")
	}
	if iteration < 1 {
		return nil, fmt.Errorf("iteration must be >= 1, got %d", iteration)
	}

	ctx, span := e.tracer.Start(ctx, "phase.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("phase_id", cfg.ID),
		attribute.Int("iteration", iteration),
		attribute.String("concurrency", cfg.Concurrency),
	)

	start := time.Now()
	logger := e.logger.With(
		zap.String("run_id", runID),
		zap.String("phase_id", cfg.ID),
		zap.Int("iteration", iteration),
	)

	// Replay already-persisted results so completed work is never redone.
	results := make(map[string]task.Result, len(cfg.Tasks))
	var pending []config.TaskDescriptor
	for _, td := range cfg.Tasks {
		key := workspace.Key{Phase: cfg.ID, TaskID: td.ID, Iteration: iteration}
		artifact, err := e.store.LoadArtifact(runID, key)
		if err != nil {
			if errors.Is(err, workspace.ErrNotFound) {
				pending = append(pending, td)
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to read persisted artifact: %w", err)
		}
		results[td.ID] = artifactResult(artifact)
	}
	replayed := len(results)
	if replayed > 0 {
		logger.Info("replayed persisted task results", zap.Int("count", replayed))
	}

	phaseCtx, cancel := context.WithTimeout(ctx, cfg.Timeout.Duration())
	defer cancel()

	var executed map[string]task.Result
	if cfg.Concurrency == config.ConcurrencySequential {
		executed = e.runSequential(phaseCtx, cfg, pending, results, input, logger)
	} else {
		executed = e.runParallel(phaseCtx, cfg, pending, input, logger)
	}

	// Persist newly-executed results. A key that exists already is fine
	// (idempotent replay); any other store failure aborts the run.
	refs := inputReferences(cfg.ID, iteration, input)
	for id, res := range executed {
		results[id] = res
		// A cancel from outside the phase leaves unfinished tasks in
		// TIMEOUT or blocked-FAILED states that say nothing about the
		// work itself. Keeping those keys free lets a resumed run
		// re-execute the tasks instead of replaying the interruption.
		if ctx.Err() != nil && res.Status != task.StatusCompleted {
			continue
		}
		if err := e.store.SaveArtifact(runID, resultArtifact(cfg.ID, iteration, res, refs)); err != nil {
			if errors.Is(err, workspace.ErrArtifactExists) {
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to persist artifact for task %s: %w", id, err)
		}
	}

	// Render results back in configured order for deterministic
	// persistence and diffing.
	ordered := make([]task.Result, 0, len(cfg.Tasks))
	for _, td := range cfg.Tasks {
		ordered = append(ordered, results[td.ID])
	}

	completed := time.Now()
	res := &Result{
		PhaseID:        cfg.ID,
		Iteration:      iteration,
		Tasks:          ordered,
		AggregateScore: gate.Aggregate(ordered, cfg.Weights()),
		StartedAt:      start,
		CompletedAt:    completed,
		Duration:       completed.Sub(start),
		Replayed:       replayed,
	}

	span.SetAttributes(attribute.Float64("aggregate_score", res.AggregateScore))
	logger.Info("phase complete",
		zap.Float64("aggregate_score", res.AggregateScore),
		zap.Duration("duration", res.Duration),
		zap.Int("replayed", replayed))
	return res, nil
}

// runParallel launches one goroutine per pending task and waits for all
// of them or the phase deadline, whichever comes first. Tasks still
// outstanding at the deadline are recorded as TIMEOUT without further
// waiting; cancellation is signaled through the phase context.
func (e *Executor) runParallel(ctx context.Context, cfg *config.PhaseConfig, pending []config.TaskDescriptor, input task.Input, logger *zap.Logger) map[string]task.Result {
	results := make(map[string]task.Result, len(pending))
	if len(pending) == 0 {
		return results
	}

	ch := make(chan task.Result, len(pending))
	for _, td := range pending {
		go func(id string) {
			ch <- e.tasks.Execute(ctx, id, input, cfg.TaskTimeout.Duration())
		}(td.ID)
	}

	done := 0
collect:
	for done < len(pending) {
		select {
		case res := <-ch:
			results[res.TaskID] = res
			done++
		case <-ctx.Done():
			break collect
		}
	}

	// Give results that raced the deadline a brief window to land, then
	// force whatever is still outstanding.
	if done < len(pending) {
		grace := time.NewTimer(50 * time.Millisecond)
		defer grace.Stop()
	drain:
		for done < len(pending) {
			select {
			case res := <-ch:
				results[res.TaskID] = res
				done++
			case <-grace.C:
				break drain
			}
		}
	}
	for _, td := range pending {
		if _, ok := results[td.ID]; ok {
			continue
		}
		logger.Warn("task forced to timeout at phase deadline", zap.String("task_id", td.ID))
		results[td.ID] = task.Result{
			TaskID: td.ID,
			Status: task.StatusTimeout,
			Err:    fmt.Errorf("task %s did not finish before the phase deadline", td.ID),
		}
	}
	return results
}

// runSequential executes pending tasks one at a time in configured
// order. Once a blocking task fails, the remaining tasks are recorded as
// FAILED with a blocked-by cause instead of executed.
func (e *Executor) runSequential(ctx context.Context, cfg *config.PhaseConfig, pending []config.TaskDescriptor, prior map[string]task.Result, input task.Input, logger *zap.Logger) map[string]task.Result {
	results := make(map[string]task.Result, len(pending))
	pendingSet := make(map[string]bool, len(pending))
	for _, td := range pending {
		pendingSet[td.ID] = true
	}

	blockedBy := ""
	for _, td := range cfg.Tasks {
		// Replayed results participate in blocking decisions but are
		// not re-executed.
		if !pendingSet[td.ID] {
			if res, ok := prior[td.ID]; ok && td.Blocking && res.Status != task.StatusCompleted {
				blockedBy = td.ID
			}
			continue
		}

		if blockedBy != "" {
			logger.Warn("skipping task blocked by predecessor",
				zap.String("task_id", td.ID),
				zap.String("blocked_by", blockedBy))
			results[td.ID] = task.Result{
				TaskID: td.ID,
				Status: task.StatusFailed,
				Err:    fmt.Errorf("blocked by predecessor %s", blockedBy),
			}
			continue
		}

		res := e.tasks.Execute(ctx, td.ID, input, cfg.TaskTimeout.Duration())
		results[td.ID] = res
		if td.Blocking && res.Status != task.StatusCompleted {
			blockedBy = td.ID
		}
	}
	return results
}

// artifactResult rebuilds an executor result from a persisted artifact.
func artifactResult(a *workspace.Artifact) task.Result {
	res := task.Result{
		TaskID:   a.TaskID,
		Score:    a.Score,
		Status:   task.Status(a.Status),
		Payload:  a.Payload,
		Duration: time.Duration(a.DurationMS) * time.Millisecond,
	}
	if a.Error != "" {
		res.Err = errors.New(a.Error)
	}
	return res
}

// resultArtifact converts an executor result into its persisted form.
func resultArtifact(phaseID string, iteration int, res task.Result, refs []string) *workspace.Artifact {
	return &workspace.Artifact{
		TaskID:          res.TaskID,
		Phase:           phaseID,
		Iteration:       iteration,
		Timestamp:       time.Now().UTC(),
		InputReferences: refs,
		Score:           res.Score,
		Status:          string(res.Status),
		Payload:         res.Payload,
		Error:           res.ErrorString(),
		DurationMS:      res.Duration.Milliseconds(),
	}
}

// inputReferences names the prior-iteration artifacts this iteration's
// tasks were fed, as workspace-relative paths.
func inputReferences(phaseID string, iteration int, input task.Input) []string {
	if iteration < 2 || len(input.PriorPayloads) == 0 {
		return nil
	}
	refs := make([]string, 0, len(input.PriorPayloads))
	for id := range input.PriorPayloads {
		refs = append(refs, path.Join(phaseID, fmt.Sprintf("%s-iteration-%d.json", id, iteration-1)))
	}
	sort.Strings(refs)
	return refs
}
