// Package logging configures the daemon's own operational log, kept
// separate from the byte-for-byte redirect log each sub-service owns.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters, mirrored from the teacher's ambient logger.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes where the daemon's own log goes and how it rotates.
// An empty Path means stderr with no rotation; Color alone decides
// whether the level text is colorized, whatever the destination.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Level      slog.Level
	Color      bool
}

// Writer returns the io.WriteCloser the configured destination resolves
// to. An empty Path produces os.Stderr wrapped as a no-op closer.
func (c Config) Writer() io.WriteCloser {
	if c.Path == "" {
		return nopCloser{os.Stderr}
	}
	if dir := filepath.Dir(c.Path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	return &lj.Logger{
		Filename:   c.Path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// NewLogger builds the slog.Logger the daemon uses for its own operation.
func NewLogger(c Config) *slog.Logger {
	w := c.Writer()
	opts := &slog.HandlerOptions{Level: c.Level}
	var h slog.Handler
	if c.Color {
		h = NewColorTextHandler(w, opts, true)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// SubServiceTag returns the slog attribute group identifying a sub-service
// log line, used consistently by runner/supervisor so entries are
// filterable by name.
func SubServiceTag(name string) slog.Attr {
	return slog.String("service", name)
}

// Wrap adds context to an error the way the rest of the codebase does,
// kept here so callers needn't import fmt solely for %w wrapping.
func Wrap(context string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
