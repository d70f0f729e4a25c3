// Package workflow drives a run through its configured phases. The
// Runner is the only component that advances the state machine
// (PENDING -> RUNNING -> COMPLETED | FAILED | CANCELLED), the only
// writer of the run's status record, and the place where gate decisions
// turn into control flow.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gauntlet/internal/config"
	"github.com/fyrsmithlabs/gauntlet/internal/gate"
	"github.com/fyrsmithlabs/gauntlet/internal/phase"
	"github.com/fyrsmithlabs/gauntlet/internal/task"
	"github.com/fyrsmithlabs/gauntlet/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/gauntlet/internal/workflow"

// ErrRunNotFound is returned by Resume and Status for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// Runner executes workflow runs against a fixed pipeline configuration.
type Runner struct {
	cfg      *config.Config
	store    *workspace.Store
	phases   *phase.Executor
	approval ApprovalPolicy
	registry *Registry
	logger   *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
}

// Option configures a Runner.
type Option func(*Runner)

// WithApprovalPolicy overrides the conditional-pass policy.
func WithApprovalPolicy(p ApprovalPolicy) Option {
	return func(r *Runner) {
		if p != nil {
			r.approval = p
		}
	}
}

// NewRunner creates a runner.
func NewRunner(cfg *config.Config, store *workspace.Store, phases *phase.Executor, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if store == nil {
		return nil, errors.New("workspace store is required")
	}
	if phases == nil {
		return nil, errors.New("phase executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		cfg:      cfg,
		store:    store,
		phases:   phases,
		approval: AutoApprove{},
		registry: NewRegistry(),
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.initMetrics()
	return r, nil
}

func (r *Runner) initMetrics() {
	var err error
	r.runsStarted, err = r.meter.Int64Counter(
		"gauntlet.workflow.runs_started_total",
		metric.WithDescription("Total number of workflow runs started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		r.logger.Warn("failed to create runs started counter", zap.Error(err))
	}
	r.runsCompleted, err = r.meter.Int64Counter(
		"gauntlet.workflow.runs_finished_total",
		metric.WithDescription("Total number of workflow runs reaching a terminal state"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		r.logger.Warn("failed to create runs finished counter", zap.Error(err))
	}
}

// Registry exposes the live run registry for status queries.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Run starts a new workflow run for the given idea and drives it until a
// terminal state. Only workspace persistence failures and programmer
// errors come back as errors; an idea that fails its gates yields a Run
// with StatusFailed and a nil error.
func (r *Runner) Run(ctx context.Context, idea string) (*Run, error) {
	if idea == "" {
		return nil, errors.New("idea is required")
	}

	ctx, span := r.tracer.Start(ctx, "workflow.run")
	defer span.End()

	run := &Run{
		ID:        uuid.New().String(),
		Idea:      idea,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	run.WorkspacePath = r.store.RunDir(run.ID)
	span.SetAttributes(attribute.String("run_id", run.ID))

	if err := r.store.CreateRun(run.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create run workspace: %w", err)
	}

	r.registry.Set(run.ID, StatusPending)
	if r.runsStarted != nil {
		r.runsStarted.Add(ctx, 1)
	}
	r.logger.Info("starting run",
		zap.String("run_id", run.ID),
		zap.String("idea", idea))

	return r.execute(ctx, run, 0)
}

// Resume restarts an interrupted run from the first phase without a
// terminal decision. Phases with a persisted pass are never re-executed;
// a run already in a terminal state is returned unchanged.
func (r *Runner) Resume(ctx context.Context, runID string) (*Run, error) {
	ctx, span := r.tracer.Start(ctx, "workflow.resume")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	rec, err := r.store.LoadStatus(runID)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to load run status: %w", err)
	}

	run := runFromRecord(rec)
	if run.Status == StatusCompleted || run.Status == StatusFailed {
		r.logger.Info("run already terminal, nothing to resume",
			zap.String("run_id", runID),
			zap.String("status", string(run.Status)))
		return run, nil
	}

	startPhase := 0
	for i := range r.cfg.Phases {
		pcfg := &r.cfg.Phases[i]
		prec := findPhaseRecord(rec, pcfg.ID)
		if prec == nil || !prec.Terminal(pcfg.Iterative, pcfg.MaxIterations) {
			break
		}
		if !prec.Passed() {
			// Exhausted FAIL persisted before the interruption; the
			// phase loop below will land the run in StatusFailed.
			break
		}
		startPhase = i + 1
	}

	r.registry.Set(run.ID, run.Status)
	r.logger.Info("resuming run",
		zap.String("run_id", runID),
		zap.Int("start_phase", startPhase))

	return r.execute(ctx, run, startPhase)
}

// execute drives the phase loop from startPhase to a terminal state.
func (r *Runner) execute(ctx context.Context, run *Run, startPhase int) (*Run, error) {
	r.setStatus(run, StatusRunning)
	if err := r.persist(run, startPhase); err != nil {
		return run, err
	}

	for i := startPhase; i < len(r.cfg.Phases); i++ {
		if ctx.Err() != nil {
			return r.haltCancelled(run, i)
		}

		pcfg := &r.cfg.Phases[i]
		advanced, err := r.executePhase(ctx, run, i, pcfg)
		if err != nil {
			// A cancel that lands while a phase is in flight leaves the
			// interrupted iteration undecided so Resume can repeat it.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return r.haltCancelled(run, i)
			}
			// Workspace persistence failure: cannot safely continue.
			r.setStatus(run, StatusFailed)
			r.finish(run)
			_ = r.persist(run, i)
			return run, err
		}
		if !advanced {
			r.setStatus(run, StatusFailed)
			r.finish(run)
			if perr := r.persist(run, i); perr != nil {
				return run, perr
			}
			r.logger.Info("run failed at quality gate",
				zap.String("run_id", run.ID),
				zap.String("phase_id", pcfg.ID))
			return run, nil
		}

		if err := r.persist(run, i+1); err != nil {
			r.setStatus(run, StatusFailed)
			r.finish(run)
			return run, err
		}
	}

	r.setStatus(run, StatusCompleted)
	r.finish(run)
	if err := r.persist(run, len(r.cfg.Phases)); err != nil {
		return run, err
	}
	r.logger.Info("run completed", zap.String("run_id", run.ID))
	return run, nil
}

// tolerance resolves the configured conditional-pass band width. A nil
// value means the operator never set one; zero is a real, collapsed band.
func (r *Runner) tolerance() float64 {
	if r.cfg.Tolerance != nil {
		return *r.cfg.Tolerance
	}
	return gate.DefaultTolerance
}

// haltCancelled parks the run in StatusCancelled so it can be resumed.
func (r *Runner) haltCancelled(run *Run, index int) (*Run, error) {
	r.setStatus(run, StatusCancelled)
	r.finish(run)
	if err := r.persist(run, index); err != nil {
		return run, err
	}
	r.logger.Info("run cancelled", zap.String("run_id", run.ID))
	return run, nil
}

// executePhase runs one phase to its terminal decision, iterating when
// the phase allows it. It returns whether the run may advance.
func (r *Runner) executePhase(ctx context.Context, run *Run, index int, pcfg *config.PhaseConfig) (bool, error) {
	prec := run.phaseRecord(pcfg.ID)

	// A resumed run may already hold this phase's terminal FAIL from
	// before the interruption; do not grant it a fresh retry budget.
	if last := prec.LastDecision(); last != nil && last.Decision == gate.Fail {
		if pcfg.Critical || !pcfg.Iterative || last.Iteration >= pcfg.MaxIterations {
			return false, nil
		}
	}

	iteration := len(prec.Decisions) + 1

	var priorPayloads map[string]json.RawMessage
	if iteration > 1 {
		priorPayloads = r.payloadsFor(run.ID, pcfg, iteration-1)
	}

	for {
		input := task.Input{
			Idea:          run.Idea,
			Iteration:     iteration,
			PriorPayloads: priorPayloads,
		}

		pres, err := r.phases.Execute(ctx, run.ID, pcfg, iteration, input)
		if err != nil {
			return false, fmt.Errorf("phase %s iteration %d: %w", pcfg.ID, iteration, err)
		}

		// An external cancel forces still-running tasks to TIMEOUT.
		// Those are not real outcomes; evaluating them would burn this
		// phase's retry budget on work the run never got to do.
		if cerr := ctx.Err(); cerr != nil {
			return false, cerr
		}

		outcome := gate.Evaluate(pres.Tasks, iteration, gate.Config{
			PhaseID:   pcfg.ID,
			Threshold: pcfg.Threshold,
			Tolerance: r.tolerance(),
			Critical:  pcfg.Critical,
			Weights:   pcfg.Weights(),
		})

		prec.Decisions = append(prec.Decisions, outcome)
		prec.Iterations = iteration

		// Gate decisions are write-once like artifacts; a decision
		// re-derived after a crash already exists and that is fine.
		if err := r.store.SaveGateDecision(run.ID, gateRecord(outcome)); err != nil &&
			!errors.Is(err, workspace.ErrArtifactExists) {
			return false, fmt.Errorf("failed to persist gate decision: %w", err)
		}
		if err := r.persist(run, index); err != nil {
			return false, err
		}

		r.logger.Info("gate decision",
			zap.String("run_id", run.ID),
			zap.String("phase_id", pcfg.ID),
			zap.Int("iteration", iteration),
			zap.String("decision", string(outcome.Decision)),
			zap.Float64("aggregate_score", outcome.AggregateScore),
			zap.Float64("threshold", outcome.Threshold))

		switch outcome.Decision {
		case gate.Pass:
			return true, nil

		case gate.ConditionalPass:
			approved, err := r.approval.Approve(ctx, outcome)
			if err != nil {
				return false, fmt.Errorf("approval policy: %w", err)
			}
			if approved {
				prec.Conditional = true
				return true, nil
			}
			// Rejected conditional pass is handled as a FAIL.
		}

		if pcfg.Critical {
			return false, nil
		}
		if pcfg.Iterative && iteration < pcfg.MaxIterations {
			priorPayloads = payloads(pres.Tasks)
			iteration++
			continue
		}
		return false, nil
	}
}

// payloadsFor loads the persisted payloads of a prior iteration so a
// resumed iterative phase re-runs with the same inputs it would have had
// uninterrupted.
func (r *Runner) payloadsFor(runID string, pcfg *config.PhaseConfig, iteration int) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(pcfg.Tasks))
	for _, td := range pcfg.Tasks {
		a, err := r.store.LoadArtifact(runID, workspace.Key{
			Phase: pcfg.ID, TaskID: td.ID, Iteration: iteration,
		})
		if err != nil || len(a.Payload) == 0 {
			continue
		}
		out[td.ID] = a.Payload
	}
	return out
}

func payloads(results []task.Result) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(results))
	for _, res := range results {
		if len(res.Payload) > 0 {
			out[res.TaskID] = res.Payload
		}
	}
	return out
}

// setStatus moves the run and the live registry together.
func (r *Runner) setStatus(run *Run, status Status) {
	run.Status = status
	r.registry.Set(run.ID, status)
	if status.Terminal() && r.runsCompleted != nil {
		r.runsCompleted.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("status", string(status)),
		))
	}
}

func (r *Runner) finish(run *Run) {
	now := time.Now().UTC()
	run.CompletedAt = &now
}

// persist writes the status record mirror used by resume.
func (r *Runner) persist(run *Run, currentPhase int) error {
	rec := &workspace.StatusRecord{
		RunID:         run.ID,
		Idea:          run.Idea,
		Status:        string(run.Status),
		CurrentPhase:  currentPhase,
		WorkspacePath: run.WorkspacePath,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     time.Now().UTC(),
		CompletedAt:   run.CompletedAt,
	}
	for i := range run.Phases {
		p := &run.Phases[i]
		psr := workspace.PhaseStatusRecord{
			PhaseID:     p.PhaseID,
			Iterations:  p.Iterations,
			Conditional: p.Conditional,
		}
		for _, d := range p.Decisions {
			psr.Decisions = append(psr.Decisions, *gateRecord(d))
		}
		rec.Phases = append(rec.Phases, psr)
	}
	if err := r.store.SaveStatus(rec); err != nil {
		return fmt.Errorf("failed to persist run status: %w", err)
	}
	return nil
}

// phaseRecord finds or creates the run's record for a phase.
func (run *Run) phaseRecord(phaseID string) *PhaseRecord {
	for i := range run.Phases {
		if run.Phases[i].PhaseID == phaseID {
			return &run.Phases[i]
		}
	}
	run.Phases = append(run.Phases, PhaseRecord{PhaseID: phaseID})
	return &run.Phases[len(run.Phases)-1]
}

// gateRecord converts a gate outcome to its persisted form.
func gateRecord(o gate.Outcome) *workspace.GateRecord {
	return &workspace.GateRecord{
		PhaseID:           o.PhaseID,
		Iteration:         o.Iteration,
		Decision:          string(o.Decision),
		AggregateScore:    o.AggregateScore,
		Threshold:         o.Threshold,
		Tolerance:         o.Tolerance,
		Critical:          o.Critical,
		SubThresholdTasks: o.SubThresholdTasks,
		DecidedAt:         o.DecidedAt,
	}
}

// runFromRecord rebuilds the in-memory run from its persisted mirror.
func runFromRecord(rec *workspace.StatusRecord) *Run {
	run := &Run{
		ID:            rec.RunID,
		Idea:          rec.Idea,
		Status:        Status(rec.Status),
		WorkspacePath: rec.WorkspacePath,
		CreatedAt:     rec.CreatedAt,
		CompletedAt:   rec.CompletedAt,
	}
	for _, p := range rec.Phases {
		pr := PhaseRecord{
			PhaseID:     p.PhaseID,
			Iterations:  p.Iterations,
			Conditional: p.Conditional,
		}
		for _, d := range p.Decisions {
			pr.Decisions = append(pr.Decisions, gate.Outcome{
				PhaseID:           d.PhaseID,
				Iteration:         d.Iteration,
				Decision:          gate.Decision(d.Decision),
				AggregateScore:    d.AggregateScore,
				Threshold:         d.Threshold,
				Tolerance:         d.Tolerance,
				Critical:          d.Critical,
				SubThresholdTasks: d.SubThresholdTasks,
				DecidedAt:         d.DecidedAt,
			})
		}
		run.Phases = append(run.Phases, pr)
	}
	return run
}

// findPhaseRecord returns the persisted record for a phase id, or nil.
func findPhaseRecord(rec *workspace.StatusRecord, phaseID string) *workspace.PhaseStatusRecord {
	for i := range rec.Phases {
		if rec.Phases[i].PhaseID == phaseID {
			return &rec.Phases[i]
		}
	}
	return nil
}
