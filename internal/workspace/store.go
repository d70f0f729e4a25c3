// Package workspace provides durable, file-keyed storage of per-run
// artifacts. Every task execution writes a unique
// (phase, task, iteration) key, so completed work survives a crash and a
// resumed run never redoes or overwrites it.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/gauntlet/internal/workspace"

// Sentinel errors surfaced by the store.
var (
	// ErrArtifactExists is returned on a duplicate write to a
	// (phase, task, iteration) key. Artifacts are write-once.
	ErrArtifactExists = errors.New("artifact already exists")

	// ErrNotFound is returned when a requested artifact, status record,
	// or run does not exist.
	ErrNotFound = errors.New("not found")
)

const (
	statusFile = "workflow-status.json"
	gatesDir   = "quality-gates"
)

// Store persists run state under a workspace root.
type Store struct {
	root   string
	logger *zap.Logger

	meter          metric.Meter
	artifactWrites metric.Int64Counter
}

// NewStore creates a store rooted at the given directory, creating it if
// needed.
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cleanRoot := filepath.Clean(root)
	if strings.Contains(cleanRoot, "..") {
		return nil, fmt.Errorf("workspace root contains directory traversal: %s", root)
	}
	if err := os.MkdirAll(cleanRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	s := &Store{
		root:   cleanRoot,
		logger: logger,
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	s.artifactWrites, err = s.meter.Int64Counter(
		"gauntlet.workspace.artifact_writes_total",
		metric.WithDescription("Total number of artifact files written"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		logger.Warn("failed to create artifact write counter", zap.Error(err))
	}

	return s, nil
}

// Root returns the workspace root directory.
func (s *Store) Root() string {
	return s.root
}

// RunDir returns the directory holding one run's artifacts.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// CreateRun prepares the directory tree for a new run.
func (s *Store) CreateRun(runID string) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	dir := s.RunDir(runID)
	if err := os.MkdirAll(filepath.Join(dir, gatesDir), 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	s.logger.Info("created run workspace",
		zap.String("run_id", runID),
		zap.String("path", dir))
	return nil
}

// artifactPath builds workspace/<run>/<phase>/<task>-iteration-<k>.json.
func (s *Store) artifactPath(runID string, key Key) string {
	name := fmt.Sprintf("%s-iteration-%d.json", key.TaskID, key.Iteration)
	return filepath.Join(s.RunDir(runID), key.Phase, name)
}

// SaveArtifact writes one task artifact. Keys are write-once: a second
// write to the same (phase, task, iteration) returns ErrArtifactExists
// and leaves the original file untouched.
func (s *Store) SaveArtifact(runID string, a *Artifact) error {
	if a == nil {
		return fmt.Errorf("artifact is required")
	}
	key := Key{Phase: a.Phase, TaskID: a.TaskID, Iteration: a.Iteration}
	path := s.artifactPath(runID, key)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create phase directory: %w", err)
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	// O_EXCL makes the write-once guarantee: the kernel rejects the
	// second create, regardless of process interleaving.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s/%s iteration %d",
				ErrArtifactExists, a.Phase, a.TaskID, a.Iteration)
		}
		return fmt.Errorf("failed to create artifact file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close artifact file: %w", err)
	}

	if s.artifactWrites != nil {
		s.artifactWrites.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("phase", a.Phase),
		))
	}

	s.logger.Debug("saved artifact",
		zap.String("run_id", runID),
		zap.String("phase", a.Phase),
		zap.String("task_id", a.TaskID),
		zap.Int("iteration", a.Iteration))
	return nil
}

// LoadArtifact reads one task artifact, or ErrNotFound.
func (s *Store) LoadArtifact(runID string, key Key) (*Artifact, error) {
	data, err := os.ReadFile(s.artifactPath(runID, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: artifact %s/%s iteration %d",
				ErrNotFound, key.Phase, key.TaskID, key.Iteration)
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	return &a, nil
}

// ListArtifacts enumerates all artifact keys persisted for a run, sorted
// by phase, then task, then iteration. Backs the audit surface.
func (s *Store) ListArtifacts(runID string) ([]Key, error) {
	runDir := s.RunDir(runID)
	entries, err := os.ReadDir(runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read run directory: %w", err)
	}

	var keys []Key
	for _, e := range entries {
		if !e.IsDir() || e.Name() == gatesDir {
			continue
		}
		phase := e.Name()
		files, err := os.ReadDir(filepath.Join(runDir, phase))
		if err != nil {
			return nil, fmt.Errorf("failed to read phase directory: %w", err)
		}
		for _, f := range files {
			key, ok := parseArtifactName(phase, f.Name())
			if !ok {
				continue
			}
			keys = append(keys, key)
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Phase != keys[j].Phase {
			return keys[i].Phase < keys[j].Phase
		}
		if keys[i].TaskID != keys[j].TaskID {
			return keys[i].TaskID < keys[j].TaskID
		}
		return keys[i].Iteration < keys[j].Iteration
	})
	return keys, nil
}

// parseArtifactName recovers a Key from <task>-iteration-<k>.json.
func parseArtifactName(phase, name string) (Key, bool) {
	if !strings.HasSuffix(name, ".json") {
		return Key{}, false
	}
	base := strings.TrimSuffix(name, ".json")
	idx := strings.LastIndex(base, "-iteration-")
	if idx < 1 {
		return Key{}, false
	}
	var iter int
	if _, err := fmt.Sscanf(base[idx+len("-iteration-"):], "%d", &iter); err != nil {
		return Key{}, false
	}
	return Key{Phase: phase, TaskID: base[:idx], Iteration: iter}, true
}

// SaveGateDecision persists a quality-gate decision. Like artifacts,
// gate records are write-once per (phase, iteration).
func (s *Store) SaveGateDecision(runID string, g *GateRecord) error {
	if g == nil {
		return fmt.Errorf("gate record is required")
	}
	name := fmt.Sprintf("phase-%s-iteration-%d-gate-decision.json", g.PhaseID, g.Iteration)
	path := filepath.Join(s.RunDir(runID), gatesDir, name)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create gates directory: %w", err)
	}

	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal gate record: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: gate decision for phase %s iteration %d",
				ErrArtifactExists, g.PhaseID, g.Iteration)
		}
		return fmt.Errorf("failed to create gate record file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write gate record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close gate record file: %w", err)
	}

	s.logger.Debug("saved gate decision",
		zap.String("run_id", runID),
		zap.String("phase", g.PhaseID),
		zap.Int("iteration", g.Iteration),
		zap.String("decision", g.Decision))
	return nil
}

// SaveStatus writes the run's status record. Unlike artifacts the status
// record is a mutable mirror and is replaced atomically on every phase
// boundary.
func (s *Store) SaveStatus(rec *StatusRecord) error {
	if rec == nil || rec.RunID == "" {
		return fmt.Errorf("status record with run id is required")
	}
	path := filepath.Join(s.RunDir(rec.RunID), statusFile)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status record: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write status record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace status record: %w", err)
	}
	return nil
}

// LoadStatus reads the run's status record, or ErrNotFound.
func (s *Store) LoadStatus(runID string) (*StatusRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.RunDir(runID), statusFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: status for run %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read status record: %w", err)
	}
	var rec StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status record: %w", err)
	}
	return &rec, nil
}

// ListRuns enumerates the run ids present under the workspace root,
// sorted lexically.
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace root: %w", err)
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	sort.Strings(runs)
	return runs, nil
}
