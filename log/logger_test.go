package log

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	lg := Logger()
	assert.NotNil(t, lg, "logger initialization failed")
}

func TestInitWritesToOutputAndFile(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "nested", "debug.log")
	require.NoError(t, Init(Config{Level: "debug", Format: "json", File: file, Output: &buf}))
	defer func() {
		_ = Close()
		_ = Init(DefaultConfig())
	}()

	Logger().Debug().Str("login", "octocat").Msg("hello")
	assert.Contains(t, buf.String(), `"login":"octocat"`)

	content, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello", "file copy missing")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in  string
		exp string
	}{
		{"debug", "debug"},
		{"WARN", "warn"},
		{"warning", "warn"},
		{"error", "error"},
		{"", "info"},
		{"bogus", "info"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.exp, parseLevel(tc.in).String(), "level %q", tc.in)
	}
}

func TestWriteLogAndReturnError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "info", Output: &buf}))
	defer func() { _ = Init(DefaultConfig()) }()

	cause := errors.New("server selection timeout")
	err := WriteLogAndReturnError(cause, "ping mongo on %s failed", "db:27017")
	assert.EqualError(t, err, "ping mongo on db:27017 failed: server selection timeout")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, buf.String(), "ping mongo on db:27017 failed: server selection timeout")
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestCtxAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "info", Output: &buf}))
	defer func() { _ = Init(DefaultConfig()) }()

	ctx := ContextWithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", RequestIDFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(context.Background()))

	Ctx(ctx).Info().Msg("handled")
	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "info", Output: &buf}))
	defer func() { _ = Init(DefaultConfig()) }()

	sl := NewSlogLogger()
	sl.WithGroup("svc").Info("restarted", "name", "http", "attempt", 2, "err", errors.New("boom"))
	out := buf.String()
	assert.True(t, strings.Contains(out, `"svc.name":"http"`), out)
	assert.Contains(t, out, `"svc.attempt":2`)
	assert.Contains(t, out, `"svc.err":"boom"`)

	buf.Reset()
	sl.Debug("hidden")
	assert.Empty(t, buf.String(), "debug must be filtered at info level")
}
