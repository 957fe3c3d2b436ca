package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// redirectWriter copies a tracked process's combined stdout/stderr to
// RedirectLogFile, rotating only at a line boundary once the file
// exceeds rotateBytes: the current file is renamed .1 (after shifting
// .1..N-2 up to .2..N-1 and evicting whatever sat at .N-1), and a fresh
// file is opened in its place. rotateFiles <= 1 disables rotation
// entirely (the file grows unbounded).
type redirectWriter struct {
	mu          sync.Mutex
	path        string
	rotateFiles int
	rotateBytes int64

	f    *os.File
	size int64
	buf  []byte // partial line carried across Write calls
}

func newRedirectWriter(path string, rotateFiles int, rotateBytes int64) (*redirectWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &redirectWriter{
		path:        path,
		rotateFiles: rotateFiles,
		rotateBytes: rotateBytes,
		f:           f,
		size:        info.Size(),
	}, nil
}

// Write implements io.Writer. A child process's stdout/stderr arrives in
// arbitrary pipe-buffer-sized chunks that rarely end on a line boundary,
// so rotation can't wait for a chunk that happens to end in "\n": once a
// chunk would cross rotateBytes, Write splits it at its last line
// terminator, writes the prefix into the current file, rotates, and
// writes the suffix into the fresh file.
func (w *redirectWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rotateFiles <= 1 || w.size+int64(len(p)) < w.rotateBytes {
		n, err := w.f.Write(p)
		w.size += int64(n)
		return n, err
	}

	splitAt := lastLineTerminator(p)
	if splitAt < 0 {
		// No terminator in this chunk to rotate on; write through and
		// let a later chunk carry the rotation.
		n, err := w.f.Write(p)
		w.size += int64(n)
		return n, err
	}

	prefix, suffix := p[:splitAt], p[splitAt:]
	n, err := w.f.Write(prefix)
	w.size += int64(n)
	if err != nil {
		return n, err
	}
	if rerr := w.rotate(); rerr != nil {
		return n, rerr
	}
	n2, err := w.f.Write(suffix)
	w.size += int64(n2)
	return n + n2, err
}

// lastLineTerminator returns the index just past the last LF/CR in p, or
// -1 if p contains no line terminator.
func lastLineTerminator(p []byte) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '\n' || p[i] == '\r' {
			return i + 1
		}
	}
	return -1
}

// rotate shifts .1..N-2 to .2..N-1 (evicting whatever occupied N-1),
// renames the active file to .1, and opens a fresh active file.
func (w *redirectWriter) rotate() error {
	if err := w.f.Close(); err != nil {
		return err
	}

	last := w.rotateFiles - 1
	_ = os.Remove(fmt.Sprintf("%s.%d", w.path, last))
	for i := last - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", w.path, i), fmt.Sprintf("%s.%d", w.path, i+1))
	}
	if err := os.Rename(w.path, fmt.Sprintf("%s.1", w.path)); err != nil {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.size = 0
	return nil
}

// Close closes the active file handle.
func (w *redirectWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
