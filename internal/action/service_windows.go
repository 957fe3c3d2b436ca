//go:build windows

package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// runService drives the Windows Service Control Manager. Arg has the
// form "<command> <service-name>", where command is one of
// start/stop/pause/continue/query.
func (e *Executor) runService(ctx context.Context, a Action) Result {
	fields := strings.Fields(a.Arg)
	if len(fields) != 2 {
		return Result{Err: fmt.Errorf("service: expected \"<command> <name>\", got %q", a.Arg)}
	}
	command, name := strings.ToLower(fields[0]), fields[1]

	m, err := mgr.Connect()
	if err != nil {
		return Result{Err: fmt.Errorf("service: connect to SCM: %w", err)}
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return Result{Err: fmt.Errorf("service: open %q: %w", name, err)}
	}
	defer s.Close()

	switch command {
	case "start":
		if err := s.Start(); err != nil {
			return Result{Err: fmt.Errorf("service: start %q: %w", name, err)}
		}
	case "stop":
		if _, err := s.Control(svc.Stop); err != nil {
			return Result{Err: fmt.Errorf("service: stop %q: %w", name, err)}
		}
	case "pause":
		if _, err := s.Control(svc.Pause); err != nil {
			return Result{Err: fmt.Errorf("service: pause %q: %w", name, err)}
		}
	case "continue":
		if _, err := s.Control(svc.Continue); err != nil {
			return Result{Err: fmt.Errorf("service: continue %q: %w", name, err)}
		}
	case "query":
		// fall through to status read below
	default:
		return Result{Err: fmt.Errorf("service: unknown command %q", command)}
	}

	deadline := time.Now().Add(e.ProbeTimeout)
	for {
		status, err := s.Query()
		if err != nil {
			return Result{Err: fmt.Errorf("service: query %q: %w", name, err)}
		}
		switch command {
		case "start":
			if status.State == svc.Running {
				return Result{OK: true}
			}
		case "stop":
			if status.State == svc.Stopped {
				return Result{OK: true}
			}
		default:
			return Result{OK: true}
		}
		if time.Now().After(deadline) {
			return Result{Err: fmt.Errorf("service: %q did not reach target state for %q in time", name, command)}
		}
		select {
		case <-ctx.Done():
			return Result{Err: ctx.Err()}
		case <-time.After(100 * time.Millisecond):
		}
	}
}
