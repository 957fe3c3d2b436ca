// Package statefile persists the Supervisor's aggregate view of every
// sub-service to a small binary snapshot, plus an optional HTML render
// of the same data.
package statefile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"

	"github.com/keepwatch/keepwatch/internal/svcstate"
)

// Magic identifies a valid state file. Read rejects any file that doesn't
// start with it, and ValidateOrReplace leaves such a file in place.
const Magic uint32 = 0x5131E3A6

const infoFieldWidth = 80

// ServiceState is one sub-service's row in the snapshot.
type ServiceState struct {
	Name  string
	State svcstate.State
	Info  string
}

// Snapshot is the full aggregate view written to the state file.
type Snapshot struct {
	Services []ServiceState
}

// Write serializes snap to path, but only if its encoding differs from
// what is already on disk (or the existing file is absent/has a bad
// magic number). Writes happen via a temp file renamed into place so a
// reader never observes a half-written snapshot.
func Write(path string, snap Snapshot) error {
	encoded, err := encode(snap)
	if err != nil {
		return err
	}

	if existing, err := os.ReadFile(path); err == nil {
		if bytes.Equal(existing, encoded) {
			return nil
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".statefile-*")
	if err != nil {
		return fmt.Errorf("statefile: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("statefile: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("statefile: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("statefile: rename into place: %w", err)
	}
	return nil
}

// Read parses a previously written state file. A missing file is
// reported as an empty Snapshot and a nil error. A file that exists but
// doesn't start with Magic is reported as an error and left untouched:
// it may be unrelated content the operator cares about, so Read never
// deletes or overwrites it.
func Read(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return Snapshot{}, fmt.Errorf("statefile: %s has invalid magic: %w", path, err)
	}
	if magic != Magic {
		return Snapshot{}, fmt.Errorf("statefile: %s has invalid magic %#x", path, magic)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return Snapshot{}, fmt.Errorf("statefile: read count: %w", err)
	}

	snap := Snapshot{Services: make([]ServiceState, 0, count)}
	for i := uint32(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return Snapshot{}, fmt.Errorf("statefile: read name: %w", err)
		}
		var state int32
		if err := binary.Read(r, binary.BigEndian, &state); err != nil {
			return Snapshot{}, fmt.Errorf("statefile: read state: %w", err)
		}
		info, err := readString(r)
		if err != nil {
			return Snapshot{}, fmt.Errorf("statefile: read info: %w", err)
		}
		snap.Services = append(snap.Services, ServiceState{Name: name, State: svcstate.State(state), Info: info})
	}
	return snap, nil
}

// ValidateOrReplace checks the state file at path before a Start sequence
// begins. A file with a valid magic number is stale output from a
// previous run and is deleted so the next Write recreates it from
// scratch. A file that exists but doesn't start with Magic is left in
// place untouched (it may be unrelated content) and a fresh temp path is
// returned for the caller to use instead, alongside an error the caller
// must raise to abort Start. A missing file, or an empty path (state
// file disabled), returns path unchanged with a nil error.
func ValidateOrReplace(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return path, nil
		}
		return path, fmt.Errorf("statefile: read %s: %w", path, err)
	}
	if len(data) < 4 || binary.BigEndian.Uint32(data[:4]) != Magic {
		fresh, ferr := freshTempPath(path)
		if ferr != nil {
			return path, ferr
		}
		return fresh, fmt.Errorf("statefile: %s has invalid magic, reassigned to %s", path, fresh)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return path, fmt.Errorf("statefile: remove stale state file %s: %w", path, err)
	}
	return path, nil
}

func freshTempPath(path string) (string, error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+"-*")
	if err != nil {
		return "", fmt.Errorf("statefile: create fresh temp path: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return name, nil
}

func encode(snap Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, Magic); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(snap.Services))); err != nil {
		return nil, err
	}
	for _, s := range snap.Services {
		info := s.Info
		if len(info) > infoFieldWidth {
			info = info[:infoFieldWidth]
		}
		if err := writeString(&buf, s.Name); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.BigEndian, int32(s.State)); err != nil {
			return nil, err
		}
		if err := writeString(&buf, info); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

var htmlTemplate = template.Must(template.New("state").Parse(`<!DOCTYPE html>
<html><head><title>keepwatch</title></head>
<body>
<table border="1">
<tr><th>Name</th><th>State</th><th>Info</th></tr>
{{range .Services}}<tr><td>{{.Name}}</td><td>{{.State}}</td><td>{{.Info}}</td></tr>
{{end}}
</table>
</body></html>
`))

// WriteHTML renders snap as a minimal escaped HTML table to path.
func WriteHTML(path string, snap Snapshot) error {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, snap); err != nil {
		return fmt.Errorf("statefile: render html: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
