package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func sampleArtifact(phase, task string, iteration int) *Artifact {
	return &Artifact{
		TaskID:    task,
		Phase:     phase,
		Iteration: iteration,
		Timestamp: time.Now().UTC(),
		Score:     88,
		Status:    "COMPLETED",
		Payload:   []byte(`{"summary":"looks viable"}`),
	}
}

func TestNewStore_RequiresRoot(t *testing.T) {
	_, err := NewStore("", nil)
	require.Error(t, err)
}

func TestSaveArtifact_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRun("run-1"))

	a := sampleArtifact("market-analysis", "competitors", 1)
	require.NoError(t, s.SaveArtifact("run-1", a))

	got, err := s.LoadArtifact("run-1", Key{Phase: "market-analysis", TaskID: "competitors", Iteration: 1})
	require.NoError(t, err)
	assert.Equal(t, a.TaskID, got.TaskID)
	assert.Equal(t, a.Score, got.Score)
	assert.Equal(t, a.Status, got.Status)
	assert.JSONEq(t, string(a.Payload), string(got.Payload))
}

func TestSaveArtifact_WriteOnce(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRun("run-1"))

	first := sampleArtifact("market-analysis", "trends", 1)
	require.NoError(t, s.SaveArtifact("run-1", first))

	path := filepath.Join(s.RunDir("run-1"), "market-analysis", "trends-iteration-1.json")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	dup := sampleArtifact("market-analysis", "trends", 1)
	dup.Score = 12
	err = s.SaveArtifact("run-1", dup)
	require.ErrorIs(t, err, ErrArtifactExists)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "duplicate write must not change the original file")
}

func TestSaveArtifact_NewIterationNewKey(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRun("run-1"))

	require.NoError(t, s.SaveArtifact("run-1", sampleArtifact("build", "architecture", 1)))
	require.NoError(t, s.SaveArtifact("run-1", sampleArtifact("build", "architecture", 2)))

	keys, err := s.ListArtifacts("run-1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, 1, keys[0].Iteration)
	assert.Equal(t, 2, keys[1].Iteration)
}

func TestLoadArtifact_NotFound(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRun("run-1"))

	_, err := s.LoadArtifact("run-1", Key{Phase: "p", TaskID: "t", Iteration: 1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListArtifacts_SortedAndSkipsGates(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRun("run-1"))

	require.NoError(t, s.SaveArtifact("run-1", sampleArtifact("b-phase", "z-task", 1)))
	require.NoError(t, s.SaveArtifact("run-1", sampleArtifact("a-phase", "a-task", 1)))
	require.NoError(t, s.SaveGateDecision("run-1", &GateRecord{
		PhaseID: "a-phase", Iteration: 1, Decision: "PASS",
		AggregateScore: 90, Threshold: 80, DecidedAt: time.Now(),
	}))

	keys, err := s.ListArtifacts("run-1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "a-phase", keys[0].Phase)
	assert.Equal(t, "b-phase", keys[1].Phase)
}

func TestSaveGateDecision_WriteOnce(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRun("run-1"))

	rec := &GateRecord{
		PhaseID: "financial-model", Iteration: 1, Decision: "FAIL",
		AggregateScore: 47.5, Threshold: 90, Critical: true,
		SubThresholdTasks: []string{"revenue-model"},
		DecidedAt:         time.Now(),
	}
	require.NoError(t, s.SaveGateDecision("run-1", rec))
	err := s.SaveGateDecision("run-1", rec)
	require.ErrorIs(t, err, ErrArtifactExists)
}

func TestStatusRecord_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRun("run-1"))

	rec := &StatusRecord{
		RunID:        "run-1",
		Idea:         "alpaca rental marketplace",
		Status:       "RUNNING",
		CurrentPhase: 1,
		Phases: []PhaseStatusRecord{
			{
				PhaseID:    "market-analysis",
				Iterations: 1,
				Decisions: []GateRecord{{
					PhaseID: "market-analysis", Iteration: 1,
					Decision: "PASS", AggregateScore: 90, Threshold: 80,
				}},
			},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveStatus(rec))

	got, err := s.LoadStatus("run-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Idea, got.Idea)
	assert.Equal(t, rec.CurrentPhase, got.CurrentPhase)
	require.Len(t, got.Phases, 1)
	assert.True(t, got.Phases[0].Passed())

	// The status record is a mutable mirror: rewrites replace it.
	rec.CurrentPhase = 2
	rec.Status = "COMPLETED"
	require.NoError(t, s.SaveStatus(rec))
	got, err = s.LoadStatus("run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentPhase)
}

func TestLoadStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadStatus("missing-run")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateRun("run-b"))
	require.NoError(t, s.CreateRun("run-a"))

	runs, err := s.ListRuns()
	require.NoError(t, err)
	assert.Equal(t, []string{"run-a", "run-b"}, runs)
}

func TestPhaseStatusRecord_Terminal(t *testing.T) {
	tests := []struct {
		name          string
		rec           PhaseStatusRecord
		iterative     bool
		maxIterations int
		want          bool
	}{
		{
			name: "no decisions yet",
			rec:  PhaseStatusRecord{},
			want: false,
		},
		{
			name: "pass is terminal",
			rec:  PhaseStatusRecord{Decisions: []GateRecord{{Decision: "PASS", Iteration: 1}}},
			want: true,
		},
		{
			name: "conditional pass is terminal",
			rec:  PhaseStatusRecord{Decisions: []GateRecord{{Decision: "CONDITIONAL_PASS", Iteration: 1}}},
			want: true,
		},
		{
			name:          "fail with retry budget left",
			rec:           PhaseStatusRecord{Decisions: []GateRecord{{Decision: "FAIL", Iteration: 1}}},
			iterative:     true,
			maxIterations: 3,
			want:          false,
		},
		{
			name:          "fail at iteration cap",
			rec:           PhaseStatusRecord{Decisions: []GateRecord{{Decision: "FAIL", Iteration: 3}}},
			iterative:     true,
			maxIterations: 3,
			want:          true,
		},
		{
			name: "critical fail always terminal",
			rec:  PhaseStatusRecord{Decisions: []GateRecord{{Decision: "FAIL", Iteration: 1, Critical: true}}},
			iterative:     true,
			maxIterations: 3,
			want:          true,
		},
		{
			name: "non-iterative fail terminal",
			rec:  PhaseStatusRecord{Decisions: []GateRecord{{Decision: "FAIL", Iteration: 1}}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Terminal(tt.iterative, tt.maxIterations))
		})
	}
}
