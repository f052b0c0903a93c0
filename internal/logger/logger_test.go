package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"Error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expect, ParseLevel(tt.level))
		})
	}
}

func TestSetup(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	Setup("warn", "console")
	require.NotNil(t, Log)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestNew_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "debug", "json").With("component", "graph")

	l.Debug("compiled", "commands", 3, "err", errors.New("boom"), 7, "seven", "orphan")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "compiled", line["message"])
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "graph", line["component"])
	assert.Equal(t, float64(3), line["commands"])
	assert.Equal(t, "boom", line["err"])
	assert.Equal(t, "seven", line["7"])
	assert.NotContains(t, line, "orphan")
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "error", "json")

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("hidden")
	l.Error("shown")

	out := strings.TrimSpace(buf.String())
	assert.Equal(t, 1, strings.Count(out, "\n")+1)
	assert.Contains(t, out, "shown")
}

func TestNew_LeavesOtherLoggersAlone(t *testing.T) {
	global := zerolog.GlobalLevel()

	var verbose, quiet bytes.Buffer
	v := New(&verbose, "debug", "json")
	_ = New(&quiet, "error", "json")

	assert.Equal(t, global, zerolog.GlobalLevel())
	v.Debug("still shown")
	assert.Contains(t, verbose.String(), "still shown")
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error("dropped", "key", "value")
	l.With("a", 1).Info("dropped")
}
