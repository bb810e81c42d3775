package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestFieldsMapping(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: LevelDebug, Format: "json", Output: &buf})

	l.WithComponent("call").Info("вызов создан",
		String("called", "100"),
		Uint16("call_number", 1001),
		Duration("timeout", 30*time.Second),
		Err(errors.New("boom")),
		Err(nil),
	)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	e := lines[0]
	assert.Equal(t, "вызов создан", e["msg"])
	assert.Equal(t, "info", e["level"])
	assert.Equal(t, "call", e["component"])
	assert.Equal(t, "100", e["called"])
	assert.Equal(t, float64(1001), e["call_number"])
	assert.Equal(t, "30s", e["timeout"])
	assert.Equal(t, "boom", e["error"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: LevelWarn, Format: "json", Output: &buf})

	l.Debug("скрыто")
	l.Info("скрыто")
	l.Warn("видно")
	assert.Len(t, decodeLines(t, &buf), 1)
	assert.False(t, l.IsEnabled(LevelDebug))

	l.SetLevel(LevelDebug)
	assert.True(t, l.IsEnabled(LevelDebug))
}

func TestWithFieldsAndContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: LevelInfo, Format: "json", Output: &buf})

	ctx := context.WithValue(context.Background(), ContextKeyCallID, "abc")
	l.WithFields(Int("workers", 4)).WithContext(ctx).Info("старт")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, float64(4), lines[0]["workers"])
	assert.Equal(t, "abc", lines[0]["call_id"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", LevelDebug, true},
		{" WARN ", LevelWarn, true},
		{"warning", LevelWarn, true},
		{"trace", LevelTrace, true},
		{"verbose", LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

func TestNop(t *testing.T) {
	var l Logger = OrNop(nil)
	l.WithComponent("x").WithFields(String("a", "b")).Error("ничего")
	assert.False(t, l.IsEnabled(LevelError))
}
