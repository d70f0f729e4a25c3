package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryConfig configures retry behavior for provider calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()

	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// Executor runs tasks through a provider with a per-task timeout and
// bounded retry.
type Executor struct {
	provider Provider
	retry    RetryConfig
	logger   *zap.Logger
}

// NewExecutor creates an executor. retry may be nil for defaults.
func NewExecutor(provider Provider, retry *RetryConfig, logger *zap.Logger) (*Executor, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := RetryConfig{}
	if retry != nil {
		cfg = *retry
	}
	cfg.ApplyDefaults()
	return &Executor{
		provider: provider,
		retry:    cfg,
		logger:   logger,
	}, nil
}

// Execute runs one task. Provider errors are retried with exponential
// backoff up to the retry budget; a deadline hit yields StatusTimeout
// with no retry, since a timeout signals load rather than a transient
// fault. Every failure path returns a valid Result.
func (e *Executor) Execute(ctx context.Context, taskID string, input Input, timeout time.Duration) Result {
	start := time.Now()

	taskCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var lastErr error
	backoff := e.retry.InitialBackoff

	for attempt := 0; attempt <= e.retry.MaxRetries; attempt++ {
		score, payload, err := e.provider.Run(taskCtx, taskID, input)
		if err == nil {
			if attempt > 0 {
				e.logger.Info("task recovered after retries",
					zap.String("task_id", taskID),
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(start)))
			}
			return Result{
				TaskID:   taskID,
				Score:    ClampScore(score),
				Status:   StatusCompleted,
				Payload:  payload,
				Duration: time.Since(start),
			}
		}

		// A deadline hit is not a transient provider fault.
		if errors.Is(err, context.DeadlineExceeded) || taskCtx.Err() != nil {
			e.logger.Warn("task timed out",
				zap.String("task_id", taskID),
				zap.Duration("elapsed", time.Since(start)))
			return Result{
				TaskID:   taskID,
				Status:   StatusTimeout,
				Err:      fmt.Errorf("task %s timed out: %w", taskID, err),
				Duration: time.Since(start),
			}
		}

		lastErr = err

		if attempt == e.retry.MaxRetries {
			break
		}

		e.logger.Info("retrying task after provider error",
			zap.String("task_id", taskID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", e.retry.MaxRetries+1),
			zap.Error(err),
			zap.Duration("backoff", backoff))

		select {
		case <-taskCtx.Done():
			return Result{
				TaskID:   taskID,
				Status:   StatusTimeout,
				Err:      fmt.Errorf("task %s timed out waiting to retry: %w", taskID, taskCtx.Err()),
				Duration: time.Since(start),
			}
		case <-time.After(backoff):
			nextBackoff := time.Duration(float64(backoff) * e.retry.BackoffMultiplier)
			if nextBackoff > e.retry.MaxBackoff {
				nextBackoff = e.retry.MaxBackoff
			}
			backoff = nextBackoff
		}
	}

	e.logger.Warn("task failed after all retries exhausted",
		zap.String("task_id", taskID),
		zap.Int("total_attempts", e.retry.MaxRetries+1),
		zap.Duration("total_time", time.Since(start)),
		zap.Error(lastErr))

	return Result{
		TaskID:   taskID,
		Status:   StatusFailed,
		Err:      fmt.Errorf("task %s failed after %d retries: %w", taskID, e.retry.MaxRetries, lastErr),
		Duration: time.Since(start),
	}
}
