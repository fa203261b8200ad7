package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevelParsing(t *testing.T) {
	tests := []struct {
		level    string
		enabled  slog.Level
		disabled slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"WARNING", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"nonsense", slog.LevelInfo, slog.LevelDebug},
		{"", slog.LevelInfo, slog.LevelDebug},
	}
	for _, tt := range tests {
		t.Run("level "+tt.level, func(t *testing.T) {
			logger := New(tt.level, "text")
			require.NotNil(t, logger)
			assert.True(t, logger.Enabled(context.Background(), tt.enabled))
			assert.False(t, logger.Enabled(context.Background(), tt.disabled))
		})
	}
}

func TestNewJSONFormat(t *testing.T) {
	require.NotNil(t, New("info", "json"))
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req_abc123")
	assert.Equal(t, "req_abc123", RequestID(ctx))

	// latest write wins
	ctx = WithRequestID(ctx, "req_def456")
	assert.Equal(t, "req_def456", RequestID(ctx))
}

func TestLoggerFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Same(t, slog.Default(), FromContext(ctx))

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	assert.Same(t, custom, FromContext(ctx))
}

func TestLTagsRequestID(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))

	// without a request id, L returns the stored logger untouched
	assert.Same(t, FromContext(ctx), L(ctx))

	// with one, L wraps it, so the instances differ
	ctx = WithRequestID(ctx, "req_xyz")
	assert.NotSame(t, FromContext(ctx), L(ctx))
}
