package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	l, err := NewLogger(WithLevel("debug"), WithEncoding("console"), WithOutputPaths([]string{path}))
	require.NoError(t, err)

	l.Named("test").Info("hello", String("k", "v"))
	require.NoError(t, l.Sync())
	assert.FileExists(t, path)
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewLogger(WithLevel("loud"))
	assert.Error(t, err)
}

func TestTestLoggerSharesEntriesAcrossChildren(t *testing.T) {
	l := NewTestLogger()
	child := l.Named("batch").With(String("job_id", "j1"))
	child.Warn("stage skipped")
	l.Info("root")

	entries := l.GetEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "batch", entries[0].Logger)
	assert.Equal(t, "job_id", entries[0].Fields[0].Key)
	assert.Len(t, l.EntriesAt("WARN"), 1)

	l.Clear()
	assert.Empty(t, l.GetEntries())
}

func TestFromContextAttachesFields(t *testing.T) {
	l := NewTestLogger()
	ctx := ContextWithFields(context.Background(), String("job_id", "j1"))
	ctx = ContextWithFields(ctx, Int("index", 3))

	FromContext(ctx, l).Info("item done")

	entries := l.GetEntries()
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Fields, 2)
	assert.Equal(t, "index", entries[0].Fields[1].Key)
}
