// Package main implements the gauntlet CLI for running business ideas
// through the configured evaluation pipeline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gauntlet/internal/config"
	"github.com/fyrsmithlabs/gauntlet/internal/logging"
	"github.com/fyrsmithlabs/gauntlet/internal/phase"
	"github.com/fyrsmithlabs/gauntlet/internal/task"
	"github.com/fyrsmithlabs/gauntlet/internal/telemetry"
	"github.com/fyrsmithlabs/gauntlet/internal/workflow"
	"github.com/fyrsmithlabs/gauntlet/internal/workspace"
)

var (
	// configPath is the pipeline configuration file
	configPath string
	// workspaceDir overrides the configured workspace root
	workspaceDir string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gauntlet",
	Short: "Run business ideas through a gated evaluation pipeline",
	Long: `gauntlet drives a business idea through a configurable sequence of
evaluation phases. Each phase fans out to tasks, scores the results, and
a quality gate decides whether the idea advances, retries, or fails.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "gauntlet.yaml", "pipeline configuration file")
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", "", "override the configured workspace directory")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}

// initCmd prepares the workspace directory
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the workspace directory",
	Long: `Create the workspace directory the pipeline persists run artifacts to.

Examples:
  # Initialize the workspace from gauntlet.yaml
  gauntlet init

  # Initialize an explicit directory
  gauntlet init --workspace ./workspace`,
	RunE: runInit,
}

// runCmd executes a new run
var runCmd = &cobra.Command{
	Use:   "run <idea>",
	Short: "Evaluate an idea through all configured phases",
	Long: `Start a new run for the given idea and drive it to a terminal state.

The command exits 0 when the run completes all phases and 1 when the
idea fails a quality gate or the run is cancelled.

Examples:
  gauntlet run "subscription service for alpaca rentals"

  # Interrupt with Ctrl-C; the run stops at the next phase boundary and
  # can be resumed later
  gauntlet run "some idea"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

// resumeCmd continues an interrupted run
var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted run",
	Long: `Resume a run from the first phase without a terminal gate decision.
Phases that already passed are never re-executed, and task results
persisted before the interruption are replayed from the workspace.

Examples:
  gauntlet resume 5f2b9c1e-93d4-4bd5-a9f4-1c1f08b2e6a7`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

// statusCmd inspects runs in the workspace
var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run status",
	Long: `Show the status of one run, or a summary of every run in the
workspace when no run id is given.

Examples:
  # List all runs
  gauntlet status

  # Full record for one run
  gauntlet status 5f2b9c1e-93d4-4bd5-a9f4-1c1f08b2e6a7`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

// healthCmd validates configuration and workspace
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Validate configuration and workspace",
	Long: `Validate that the pipeline configuration parses and the workspace
directory is usable. Exits 0 when both check out.`,
	RunE: runHealth,
}

// loadConfig loads and validates the pipeline configuration, applying
// the --workspace override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if workspaceDir != "" {
		cfg.Workspace = workspaceDir
	}
	return cfg, nil
}

// buildRunner wires the engine from configuration: logger, workspace
// store, provider, task and phase executors, and the workflow runner.
func buildRunner(cfg *config.Config) (*workflow.Runner, *zap.Logger, error) {
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := workspace.NewStore(cfg.Workspace, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open workspace: %w", err)
	}

	provider, err := providerFor(cfg.Provider)
	if err != nil {
		return nil, nil, err
	}

	retry := &task.RetryConfig{MaxRetries: cfg.MaxRetries}
	tasks, err := task.NewExecutor(provider, retry, logger)
	if err != nil {
		return nil, nil, err
	}

	phases, err := phase.NewExecutor(tasks, store, logger)
	if err != nil {
		return nil, nil, err
	}

	runner, err := workflow.NewRunner(cfg, store, phases, logger)
	if err != nil {
		return nil, nil, err
	}
	return runner, logger, nil
}

// providerFor resolves the configured task provider.
func providerFor(name string) (task.Provider, error) {
	switch name {
	case "", "sim":
		return task.NewSimProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: sim)", name)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	store, err := workspace.NewStore(cfg.Workspace, logger)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	fmt.Printf("workspace ready at %s\n", store.Root())
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	idea := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	runner, logger, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	run, err := runner.Run(ctx, idea)
	if err != nil {
		return err
	}
	printRun(run)
	if run.Status != workflow.StatusCompleted {
		return fmt.Errorf("run %s finished %s", run.ID, run.Status)
	}
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	runner, logger, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	run, err := runner.Resume(ctx, args[0])
	if err != nil {
		return err
	}
	printRun(run)
	if run.Status != workflow.StatusCompleted {
		return fmt.Errorf("run %s finished %s", run.ID, run.Status)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runner, logger, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	if len(args) == 1 {
		rec, err := runner.Status(args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	recs, err := runner.List()
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no runs in workspace")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("%s  %-10s  phase %d/%d  %s\n",
			rec.RunID, rec.Status, rec.CurrentPhase, len(cfg.Phases), rec.Idea)
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	info, err := os.Stat(cfg.Workspace)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("workspace %s does not exist (run 'gauntlet init')", cfg.Workspace)
	case err != nil:
		return fmt.Errorf("workspace: %w", err)
	case !info.IsDir():
		return fmt.Errorf("workspace %s is not a directory", cfg.Workspace)
	}

	fmt.Printf("configuration ok (%d phases)\n", len(cfg.Phases))
	fmt.Printf("workspace ok (%s)\n", cfg.Workspace)
	return nil
}

// printRun writes a human summary of a finished run.
func printRun(run *workflow.Run) {
	fmt.Printf("run %s: %s\n", run.ID, run.Status)
	for _, p := range run.Phases {
		last := p.LastDecision()
		if last == nil {
			continue
		}
		note := ""
		if p.Conditional {
			note = " (conditional)"
		}
		fmt.Printf("  %-24s %-16s score %.1f/%.1f  iterations %d%s\n",
			p.PhaseID, last.Decision, last.AggregateScore, last.Threshold, p.Iterations, note)
	}
	fmt.Printf("artifacts: %s\n", run.WorkspacePath)
}
