package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestPrettyHandlerHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("Handle INFO level log", func(t *testing.T) {
		var buf bytes.Buffer
		handler := NewPrettyHandler(&buf, PrettyHandlerOptions{})

		record := slog.NewRecord(time.Now(), slog.LevelInfo, "info message", 0)
		record.AddAttrs(slog.Int("count", 42))

		require.NoError(t, handler.Handle(ctx, record))
		output := buf.String()
		assert.Contains(t, output, "INFO:")
		assert.Contains(t, output, "info message")
		assert.Contains(t, output, `"count":42`)
		assert.Regexp(t, `\[\d{2}:\d{2}:\d{2}\.\d{3}\]`, output)
	})

	t.Run("Handle log with no attributes", func(t *testing.T) {
		var buf bytes.Buffer
		handler := NewPrettyHandler(&buf, PrettyHandlerOptions{})

		record := slog.NewRecord(time.Now(), slog.LevelWarn, "simple message", 0)
		require.NoError(t, handler.Handle(ctx, record))
		assert.Contains(t, buf.String(), "WARN:")
		assert.Contains(t, buf.String(), "{}")
	})

	t.Run("Errors are rendered as strings", func(t *testing.T) {
		var buf bytes.Buffer
		handler := NewPrettyHandler(&buf, PrettyHandlerOptions{})

		record := slog.NewRecord(time.Now(), slog.LevelError, "failed", 0)
		record.AddAttrs(slog.Any("error", errors.New("disk full")))
		require.NoError(t, handler.Handle(ctx, record))
		assert.Contains(t, buf.String(), `"error":"disk full"`)
	})
}

func TestPrettyHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelDebug).With("component", "cache")

	logger.Debug("evicted", "id", "ent-1")
	output := buf.String()
	assert.Contains(t, output, "DEBUG:")
	assert.Contains(t, output, `"component":"cache"`)
	assert.Contains(t, output, `"id":"ent-1"`)
}

func TestPrettyHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo).WithGroup("wal")

	logger.Info("replayed", "seq", 7)
	assert.Contains(t, buf.String(), `"wal.seq":7`)
}

func TestPrettyHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelWarn)

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
