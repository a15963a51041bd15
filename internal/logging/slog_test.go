package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger_Levels(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewSlog(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Debug("debug message", "shard", "s-1")
	logger.Info("info message", "version", 3)
	logger.Warn("warn message")
	logger.Error("error message", "err", "boom")

	out := buf.String()
	assert.Contains(t, out, "level=DEBUG msg=\"debug message\" shard=s-1")
	assert.Contains(t, out, "level=INFO msg=\"info message\" version=3")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "err=boom")
}

func TestSlogLogger_With(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewSlog(slog.New(slog.NewTextHandler(buf, nil))).With("component", "rebalancer")

	logger.Info("started")
	assert.Contains(t, buf.String(), "component=rebalancer")
}

func TestNewSlogText(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := NewSlogText(buf, "WARN")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	_, err = NewSlogText(buf, "verbose")
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"Info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()
	require.NotPanics(t, func() {
		logger.Debug("x")
		logger.Info("x", "k", 1)
		logger.Warn("x")
		logger.Error("x")
		logger.Fatal("x")
	})
}

func TestFormatKeyValues(t *testing.T) {
	require.Empty(t, formatKeyValues(nil))
	require.Equal(t, "a=1 b=two", formatKeyValues([]any{"a", 1, "b", "two"}))
	require.Equal(t, "a=1 dangling=<missing>", formatKeyValues([]any{"a", 1, "dangling"}))
}
