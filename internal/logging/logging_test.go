package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelError, LevelFromString("ERROR"))
	assert.Equal(t, slog.LevelWarn, LevelFromString(" warning "))
	assert.Equal(t, slog.LevelDebug, LevelFromString("debug"))
	assert.Equal(t, slog.LevelInfo, LevelFromString(""))
}

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "info", "json")
	l.Debug("hidden")
	l.Info("routed", "authority", "water-board")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"authority":"water-board"`)
}
