package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterDefaultsToStderr(t *testing.T) {
	w := Config{}.Writer()
	require.NoError(t, w.Close())
}

func TestWriterCreatesRotatingFileAndParentDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "keepwatchd.log")
	w := Config{Path: path}.Writer()
	_, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.FileExists(t, path)
}

func TestNewLoggerWritesTextLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keepwatchd.log")
	log := NewLogger(Config{Path: path, Level: slog.LevelInfo})
	log.Info("started", SubServiceTag("web"))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(out), "started")
	require.Contains(t, string(out), "service=web")
}

func TestNewLoggerColorHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, true)
	log := slog.New(h)
	log.Info("booting")
	require.Contains(t, buf.String(), "booting")
}

func TestWrapPassesThroughNil(t *testing.T) {
	require.NoError(t, Wrap("ctx", nil))
}

func TestWrapAddsContext(t *testing.T) {
	err := Wrap("load manifest", errors.New("boom"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "load manifest")
	require.Contains(t, err.Error(), "boom")
}
