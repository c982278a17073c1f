package logging

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFilePath(t *testing.T) {
	sessionStart := time.Date(2026, 8, 30, 9, 15, 0, 0, time.UTC)

	got := LogFilePath("qiblalogs", "qibla_engine", sessionStart)
	want := filepath.Join("qiblalogs", "qibla_engine.20260830_091500.log")
	assert.Equal(t, want, got)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestSlogManagerWritesToFileWriter(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&buf, "debug", nil)

	m.Logger().Debug("tile fetch scheduled", "tile", "standard_10_810_492")

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, "tile fetch scheduled")
	assert.Contains(t, out, "standard_10_810_492")
}

func TestSlogManagerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&buf, "error", nil)

	m.Logger().Info("suppressed")
	m.Logger().Error("kept")

	assert.NotContains(t, buf.String(), "suppressed")
	assert.Contains(t, buf.String(), "kept")
}

func TestMultiHandlerFanOut(t *testing.T) {
	var a, b bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&a, nil),
		nil, // dropped
		slog.NewTextHandler(&b, nil),
	)
	logger := slog.New(h)
	logger.Info("both sinks")

	assert.Contains(t, a.String(), "both sinks")
	assert.Contains(t, b.String(), "both sinks")
}

func TestSlogManagerFlushWithoutProvider(t *testing.T) {
	m := NewSlogManager()
	assert.NoError(t, m.Flush(context.Background()))
}

func TestSlogManagerUnconfiguredLogger(t *testing.T) {
	m := NewSlogManager()
	require.NotNil(t, m.Logger())
	// RFC3339 timestamps from the configured handler
	var buf bytes.Buffer
	m.Setup(&buf, "info", nil)
	m.Logger().Info("stamp check")
	line := buf.String()
	assert.True(t, strings.Contains(line, "T") && strings.Contains(line, "Z"),
		"expected RFC3339 UTC timestamp, got %q", line)
}
