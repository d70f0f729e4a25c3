package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Defaults(t *testing.T) {
	logger, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_ConsoleFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "console"
	cfg.Level = zapcore.DebugLevel

	logger, err := New(cfg)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format must be")
}

func TestSync_IgnoresStderrErrors(t *testing.T) {
	logger, err := New(nil)
	require.NoError(t, err)
	logger.Info("flush me")

	// Syncing a stderr-backed logger returns EINVAL or ENOTTY on Linux;
	// Sync swallows exactly those.
	assert.NoError(t, Sync(logger))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "negative caller skip",
			mutate:  func(c *Config) { c.Caller.Skip = -1 },
			wantErr: "caller skip",
		},
		{
			name:    "empty field key",
			mutate:  func(c *Config) { c.Fields = map[string]string{"": "x"} },
			wantErr: "field key",
		},
		{
			name:    "empty field value",
			mutate:  func(c *Config) { c.Fields = map[string]string{"env": ""} },
			wantErr: "empty value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
