package logs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fanout.log")
	logger, err := New(Config{Level: "warn", Format: "json", OutputFile: path})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", zap.String("run", "r-1"))
	require.NoError(t, logger.Sync())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	require.NotContains(t, out, "dropped")
	require.Contains(t, out, `"msg":"kept"`)
	require.Contains(t, out, `"run":"r-1"`)
	require.Contains(t, out, `"service":"txfanout"`)
	require.Equal(t, 1, strings.Count(out, "\n"))
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fanout.log")
	logger, err := New(Config{Level: "chatty", Format: "console", OutputFile: path})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewBadOutput(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
}

func TestAuditLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	audit := NewAuditLogger(zap.New(core))
	audit.LogEvent("run.committed", map[string]any{"run_id": "r-1", "participants": 3})

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "audit", entries[0].LoggerName)
	ctx := entries[0].ContextMap()
	require.Equal(t, "run.committed", ctx["event"])
	require.Equal(t, "r-1", ctx["run_id"])
	require.EqualValues(t, 3, ctx["participants"])
}
