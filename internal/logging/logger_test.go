// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error"`
	Context   map[string]interface{} `json:"context"`
}

func parseEntries(t *testing.T, buf *bytes.Buffer) []logEntry {
	t.Helper()
	var entries []logEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e logEntry
		require.NoError(t, json.Unmarshal([]byte(line), &e), "line: %s", line)
		entries = append(entries, e)
	}
	return entries
}

func resetGlobal() {
	global = nil
	once = *new(sync.Once)
}

// =====================================================
// Logger Creation and Initialization Tests
// =====================================================

// TestInit verifies logger initialization.
func TestInit(t *testing.T) {
	resetGlobal()
	var buf bytes.Buffer
	Init(&buf, LevelInfo)

	logger := Get()
	require.NotNil(t, logger)
	assert.Equal(t, &buf, logger.out)
	assert.Equal(t, LevelInfo, logger.minLevel)
}

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	resetGlobal()

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	assert.Same(t, first, Get())
	assert.Equal(t, &buf1, Get().out)
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	resetGlobal()

	logger := Get()
	require.NotNil(t, logger)
	assert.Equal(t, os.Stdout, logger.out)
	assert.Equal(t, LevelInfo, logger.minLevel)
}

// TestInitFile verifies rotated file output replaces the global logger.
func TestInitFile(t *testing.T) {
	resetGlobal()
	path := filepath.Join(t.TempDir(), "tasksync.log")

	require.NoError(t, InitFile(path, LevelDebug, 1))
	defer func() {
		_ = Get().Close()
		resetGlobal()
	}()

	Info("written to file", map[string]interface{}{"k": "v"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

// =====================================================
// Level Tests
// =====================================================

// TestParseLevel verifies config strings map onto levels.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{" error ", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

// TestLogger_filtering verifies entries below the minimum level are dropped.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error", errors.New("boom"))

	entries := parseEntries(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "ERROR", entries[1].Level)
}

// =====================================================
// Entry Format Tests
// =====================================================

// TestLogger_Info verifies message and context fields.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("sync pass finished", map[string]interface{}{"conflicts": 2})

	entries := parseEntries(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "sync pass finished", entries[0].Message)
	assert.NotEmpty(t, entries[0].Timestamp)
	assert.EqualValues(t, 2, entries[0].Context["conflicts"])
}

// TestLogger_Error verifies the error field is populated.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Error("push failed", errors.New("connection refused"))

	entries := parseEntries(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "ERROR", entries[0].Level)
	assert.Contains(t, entries[0].Error, "connection refused")
	assert.Nil(t, entries[0].Context)
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	ctx := map[string]interface{}{"entry_id": "todos-update-42"}
	logger.ErrorWithCode("entry rejected", "REMOTE_REJECTED", errors.New("422"), ctx)

	entries := parseEntries(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "REMOTE_REJECTED", entries[0].Context["error_code"])
	assert.Equal(t, "todos-update-42", entries[0].Context["entry_id"])
	_, mutated := ctx["error_code"]
	assert.False(t, mutated, "caller context must not be modified")
}

// =====================================================
// Context Handling Tests
// =====================================================

// TestLogger_getContext verifies context merging.
func TestLogger_getContext(t *testing.T) {
	logger := New(&bytes.Buffer{}, LevelInfo)

	assert.Nil(t, logger.getContext())

	single := map[string]interface{}{"a": 1}
	assert.Equal(t, single, logger.getContext(single))

	merged := logger.getContext(map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, merged)
}

// TestLogger_concurrent verifies concurrent writes produce whole lines.
func TestLogger_concurrent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("concurrent", map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()

	assert.Len(t, parseEntries(t, &buf), 20)
}
