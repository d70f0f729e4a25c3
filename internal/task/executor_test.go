package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeProvider fails the first failures calls, then succeeds with score.
type fakeProvider struct {
	failures int32
	score    int
	calls    atomic.Int32
	block    time.Duration
}

func (p *fakeProvider) Run(ctx context.Context, taskID string, input Input) (int, json.RawMessage, error) {
	call := p.calls.Add(1)
	if p.block > 0 {
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(p.block):
		}
	}
	if call <= p.failures {
		return 0, nil, errors.New("provider unavailable")
	}
	return p.score, json.RawMessage(`{"ok":true}`), nil
}

func fastRetry(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestNewExecutor_RequiresProvider(t *testing.T) {
	_, err := NewExecutor(nil, nil, nil)
	require.Error(t, err)
}

func TestExecute_Success(t *testing.T) {
	p := &fakeProvider{score: 87}
	e, err := NewExecutor(p, fastRetry(3), zaptest.NewLogger(t))
	require.NoError(t, err)

	res := e.Execute(context.Background(), "market-size", Input{Idea: "x"}, time.Second)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 87, res.Score)
	assert.Equal(t, "market-size", res.TaskID)
	assert.NoError(t, res.Err)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	p := &fakeProvider{failures: 2, score: 90}
	e, err := NewExecutor(p, fastRetry(3), zaptest.NewLogger(t))
	require.NoError(t, err)

	res := e.Execute(context.Background(), "t", Input{}, time.Second)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestExecute_FailsAfterRetriesExhausted(t *testing.T) {
	p := &fakeProvider{failures: 100}
	e, err := NewExecutor(p, fastRetry(2), zaptest.NewLogger(t))
	require.NoError(t, err)

	res := e.Execute(context.Background(), "t", Input{}, time.Second)

	assert.Equal(t, StatusFailed, res.Status)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "provider unavailable")
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestExecute_TimeoutNotRetried(t *testing.T) {
	p := &fakeProvider{block: time.Second, score: 90}
	e, err := NewExecutor(p, fastRetry(5), zaptest.NewLogger(t))
	require.NoError(t, err)

	res := e.Execute(context.Background(), "slow", Input{}, 10*time.Millisecond)

	assert.Equal(t, StatusTimeout, res.Status)
	require.Error(t, res.Err)
	assert.Equal(t, int32(1), p.calls.Load(), "a timeout must not be retried")
}

func TestExecute_ScoreClamped(t *testing.T) {
	tests := []struct {
		name  string
		score int
		want  int
	}{
		{name: "above range", score: 250, want: 100},
		{name: "below range", score: -10, want: 0},
		{name: "in range", score: 42, want: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{score: tt.score}
			e, err := NewExecutor(p, fastRetry(0), zaptest.NewLogger(t))
			require.NoError(t, err)

			res := e.Execute(context.Background(), "t", Input{}, time.Second)
			assert.Equal(t, tt.want, res.Score)
		})
	}
}

func TestExecute_ParentCancellation(t *testing.T) {
	p := &fakeProvider{block: time.Second}
	e, err := NewExecutor(p, fastRetry(3), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := e.Execute(ctx, "t", Input{}, time.Minute)
	assert.Equal(t, StatusTimeout, res.Status)
}

func TestRetryConfig_ApplyDefaults(t *testing.T) {
	cfg := &RetryConfig{}
	cfg.ApplyDefaults()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)

	cfg = &RetryConfig{MaxRetries: 7}
	cfg.ApplyDefaults()
	assert.Equal(t, 7, cfg.MaxRetries)
}

func TestSimProvider_Deterministic(t *testing.T) {
	p := NewSimProvider()
	in := Input{Idea: "alpaca rental marketplace", Iteration: 1}

	s1, payload, err := p.Run(context.Background(), "market-size", in)
	require.NoError(t, err)
	s2, _, err := p.Run(context.Background(), "market-size", in)
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
	assert.GreaterOrEqual(t, s1, 0)
	assert.LessOrEqual(t, s1, 100)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "market-size", decoded["task_id"])
}

func TestSimProvider_IterationImproves(t *testing.T) {
	p := NewSimProvider()

	s1, _, err := p.Run(context.Background(), "architecture", Input{Idea: "x", Iteration: 1})
	require.NoError(t, err)
	s2, _, err := p.Run(context.Background(), "architecture", Input{Idea: "x", Iteration: 2})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, s2, s1)
	assert.LessOrEqual(t, s2, 100)
}

func TestSimProvider_CancelledContext(t *testing.T) {
	p := NewSimProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := p.Run(ctx, "t", Input{})
	require.Error(t, err)
}
