package log_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharpie7/tinyusb/internal/log"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace": log.LevelTrace,
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, expected := range tests {
		assert.Equal(t, expected, log.ParseLevel(in), in)
	}
}

func TestSetupLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ehcid.log")
	logger, closers, err := log.SetupLogger(log.Config{Level: "trace", Format: "json", File: path})
	require.NoError(t, err)
	logger.Log(t.Context(), log.LevelTrace, "qh published", "phys", "0x10000040")
	logger.Debug("pipe opened", "handle", "1:ctrl")
	for _, c := range closers {
		require.NoError(t, c.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"level":"TRACE"`)
	assert.Contains(t, lines[0], `"phys":"0x10000040"`)
}

func TestRawLogger(t *testing.T) {
	var buf bytes.Buffer
	raw := log.NewRaw(&buf)
	raw.Log(true, 0x10000040, []uint32{0x10000042, 0xdeadbeef})
	raw.Log(false, 0x10000080, nil)
	raw.Log(false, 0x10000080, []uint32{1})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], " W 0x10000040 2 words: 10000042 deadbeef")
	assert.Contains(t, lines[1], " R 0x10000080 1 words: 00000001")

	log.NewRaw(nil).Log(true, 0, []uint32{1})
}

func TestSetupRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.log")
	raw, closer, err := log.SetupRaw(log.Config{RawFile: path})
	require.NoError(t, err)
	require.NotNil(t, closer)
	raw.Log(true, 0x20, []uint32{7})
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "0x000020 1 words: 00000007")

	_, closer, err = log.SetupRaw(log.Config{Level: "info"})
	require.NoError(t, err)
	assert.Nil(t, closer)
}
