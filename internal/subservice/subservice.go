// Package subservice holds the runtime state of one manifest-described
// sub-service: its current svcstate.State, last status line, and a
// handle to the Runner presently driving it. It is the shared owner the
// runner and supervisor packages both reference; the narrow RunnerHandle
// interface keeps this package from importing the runner package.
package subservice

import (
	"sync"

	"github.com/keepwatch/keepwatch/internal/manifest"
	"github.com/keepwatch/keepwatch/internal/svcstate"
)

// RunnerHandle is the subset of Runner a SubService and supervisor need
// to command, satisfied implicitly by *runner.Runner.
type RunnerHandle interface {
	SignalAbort()
	SignalRetryNow()
}

// PublishFunc is called whenever a SubService's observable state changes,
// so the supervisor can rewrite the state file.
type PublishFunc func(name string, s svcstate.State)

// SubService is one manifest's live runtime record.
type SubService struct {
	Manifest *manifest.Manifest

	mu      sync.RWMutex
	state   svcstate.State
	info    string
	started bool
	runner  RunnerHandle
	exit    int

	publish PublishFunc
}

// New creates a SubService bound to m, invoking publish (if non-nil) on
// every state change.
func New(m *manifest.Manifest, publish PublishFunc) *SubService {
	return &SubService{Manifest: m, publish: publish}
}

// Name returns the manifest name for convenience at call sites that only
// hold a *SubService.
func (s *SubService) Name() string { return s.Manifest.Name }

// State returns the current observable state and status line.
func (s *SubService) State() (svcstate.State, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.info
}

// SetState records a new state/info pair and invokes publish outside the
// lock. info is truncated to 80 bytes, matching the state file's fixed
// field width.
func (s *SubService) SetState(state svcstate.State, info string) {
	if len(info) > 80 {
		info = info[:80]
	}
	s.mu.Lock()
	changed := s.state != state || s.info != info
	s.state = state
	s.info = info
	s.mu.Unlock()
	if changed && s.publish != nil {
		s.publish(s.Name(), state)
	}
}

// TryStart marks the sub-service started if it is not already, returning
// false if a start is already in flight or running. This enforces the
// at-most-one-runner-per-sub-service invariant.
func (s *SubService) TryStart(r RunnerHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	s.runner = r
	return true
}

// MarkStopped clears the started flag and detaches the runner, allowing a
// future TryStart to succeed again.
func (s *SubService) MarkStopped(exitCode int) {
	s.mu.Lock()
	s.started = false
	s.runner = nil
	s.exit = exitCode
	s.mu.Unlock()
}

// Runner returns the currently attached RunnerHandle, or nil if stopped.
func (s *SubService) Runner() RunnerHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runner
}

// ExitCode returns the last recorded child exit code.
func (s *SubService) ExitCode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exit
}

// Started reports whether a runner currently owns this sub-service.
func (s *SubService) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
