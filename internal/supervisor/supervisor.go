// Package supervisor discovers manifests, starts and stops sub-services
// in level order, runs the watchdog loop, and publishes the aggregate
// state snapshot.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keepwatch/keepwatch/internal/action"
	"github.com/keepwatch/keepwatch/internal/config"
	"github.com/keepwatch/keepwatch/internal/env"
	"github.com/keepwatch/keepwatch/internal/expand"
	"github.com/keepwatch/keepwatch/internal/history"
	"github.com/keepwatch/keepwatch/internal/manifest"
	"github.com/keepwatch/keepwatch/internal/metrics"
	"github.com/keepwatch/keepwatch/internal/runner"
	"github.com/keepwatch/keepwatch/internal/statefile"
	"github.com/keepwatch/keepwatch/internal/subservice"
	"github.com/keepwatch/keepwatch/internal/svcstate"
)

// WatchdogPeriod is the fixed ≈1Hz tick used to poll Watch actions.
const WatchdogPeriod = time.Second

// entry pairs one SubService with the Runner presently driving it and
// the manifest it was discovered from.
type entry struct {
	sub       *subservice.SubService
	man       *manifest.Manifest
	run       *runner.Runner
	runCtx    context.Context
	runStop   context.CancelFunc
	nextWatch time.Time
}

// Supervisor is the top-level orchestrator: one per daemon process.
type Supervisor struct {
	settings  *config.Settings
	expander  *expand.Expander
	executor  *action.Executor
	sink      history.Sink
	globalEnv *env.Env

	mu      sync.RWMutex
	entries map[string]*entry // case-insensitive name -> entry
	order   []string          // canonical-case names in discovery order

	watchdogQuit chan struct{}
	watchdogDone chan struct{}
}

// New builds a Supervisor from already-loaded settings. Call Discover to
// load manifests before Start.
func New(settings *config.Settings, sink history.Sink) *Supervisor {
	expander := expand.New(settings, nil)
	globalEnv, err := settings.LoadGlobalEnv()
	if err != nil {
		globalEnv = env.New()
	}
	return &Supervisor{
		settings:  settings,
		expander:  expander,
		executor:  action.NewExecutor(time.Duration(settings.HTTPProbeTimeoutMS) * time.Millisecond),
		sink:      sink,
		globalEnv: globalEnv,
		entries:   make(map[string]*entry),
	}
}

// Discover loads every manifest file with the configured extension from
// ManifestDir, rejecting case-insensitive duplicate names, and filtering
// out manifests whose OS filter doesn't match the host.
func (s *Supervisor) Discover(hostOS string) error {
	dir := s.settings.ManifestDir
	ents, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("supervisor: read manifest dir %s: %w", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]string{} // lower(name) -> source path
	for _, de := range ents {
		if de.IsDir() {
			continue
		}
		if !strings.EqualFold(filepath.Ext(de.Name()), s.settings.ManifestExtension) {
			continue
		}
		path := filepath.Join(dir, de.Name())
		m, err := manifest.Load(path)
		if err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
		if !m.OS.Matches(hostOS) {
			continue
		}
		key := strings.ToLower(m.Name)
		if prior, dup := seen[key]; dup {
			return fmt.Errorf("supervisor: duplicate sub-service name %q in %s and %s", m.Name, prior, path)
		}
		seen[key] = path

		sub := subservice.New(m, s.publish)
		s.entries[key] = &entry{sub: sub, man: m}
		s.order = append(s.order, m.Name)
	}
	return nil
}

// publish is the subservice.PublishFunc passed to every SubService; it
// updates the current-state gauge and rewrites the state file (which
// itself skips the write when the content is unchanged).
func (s *Supervisor) publish(name string, state svcstate.State) {
	for st := svcstate.Stopped; st <= svcstate.ErrorRetrievingState; st++ {
		metrics.SetCurrentState(name, st.String(), st == state)
	}
	_ = s.WriteStateFile()
}

func (s *Supervisor) levels() []int {
	set := map[int]bool{}
	s.mu.RLock()
	for _, e := range s.entries {
		set[e.man.Level] = true
	}
	s.mu.RUnlock()
	levels := make([]int, 0, len(set))
	for l := range set {
		if l > 0 {
			levels = append(levels, l)
		}
	}
	sort.Ints(levels)
	return levels
}

func (s *Supervisor) namesAtLevel(level int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for _, name := range s.order {
		e := s.entries[strings.ToLower(name)]
		if e.man.Level == level {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return strings.ToLower(names[i]) < strings.ToLower(names[j]) })
	return names
}

// Start launches every enabled sub-service in ascending Level order,
// waiting up to StartLevelTimeoutSec between levels, then starts the
// watchdog loop. Idempotent: sub-services already started are skipped.
//
// Before anything else it validates the configured state file: a stale
// file from a previous run (valid magic) is deleted so it is guaranteed
// to be ours once rewritten; a file that exists with an invalid magic is
// left untouched and Start raises, having reassigned the state file path
// to a fresh temp path so a later retry doesn't clobber unrelated
// content.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	fresh, err := statefile.ValidateOrReplace(s.settings.StateFilePath)
	if fresh != s.settings.StateFilePath {
		s.settings.StateFilePath = fresh
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	for _, level := range s.levels() {
		names := s.namesAtLevel(level)
		for _, name := range names {
			s.startOne(ctx, name)
		}
		if err := s.waitLevelRunning(ctx, names); err != nil {
			return fmt.Errorf("supervisor: level %d: %w", level, err)
		}
	}
	s.StartWatchdog(ctx)
	return nil
}

// waitLevelRunning polls (every 10ms) until every enabled sub-service in
// names has reached Running, advancing as soon as the whole level is up
// rather than always sleeping the full timeout. StartLevelTimeoutSec <= 0
// disables waiting entirely, matching its "0 disables waiting" default
// semantics. A level that hasn't fully come up by the deadline raises.
func (s *Supervisor) waitLevelRunning(ctx context.Context, names []string) error {
	timeoutSec := s.settings.StartLevelTimeoutSec
	if timeoutSec <= 0 {
		return nil
	}
	deadline := time.Now().Add(time.Duration(timeoutSec) * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.levelRunning(names) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("timed out after %ds waiting for %s to reach Running", timeoutSec, strings.Join(names, ", "))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// levelRunning reports whether every enabled sub-service in names is
// currently Running. Disabled sub-services, which startOne never starts,
// are skipped rather than blocking the level.
func (s *Supervisor) levelRunning(names []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range names {
		e, ok := s.entries[strings.ToLower(name)]
		if !ok || e.man.Disabled() {
			continue
		}
		if st, _ := e.sub.State(); st != svcstate.Running {
			return false
		}
	}
	return true
}

func (s *Supervisor) startOne(ctx context.Context, name string) {
	s.mu.Lock()
	e, ok := s.entries[strings.ToLower(name)]
	s.mu.Unlock()
	if !ok || e.man.Disabled() {
		return
	}
	r := runner.New(e.sub, s.expander, s.executor, s.sink, s.globalEnv)
	if !e.sub.TryStart(r) {
		return // already started; Start is idempotent
	}
	metrics.IncStart(name)

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	e.run = r
	e.runCtx = runCtx
	e.runStop = cancel
	s.mu.Unlock()

	go r.Run(runCtx)
}

// Stop shuts down every sub-service in descending Level order (the
// reverse of Start), each with its own manifest-declared grace period.
// Any per-sub-service stop error is caught and concatenated into the
// returned error rather than aborting the shutdown of the rest. Once
// every level has stopped, the HTML view is rewritten one last time
// (showing every sub-service Stopped) and the binary state file is
// deleted, leaving only the HTML behind.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.StopWatchdog()

	levels := s.levels()
	var mu sync.Mutex
	var errs []string
	for i := len(levels) - 1; i >= 0; i-- {
		names := s.namesAtLevel(levels[i])
		var wg sync.WaitGroup
		for _, name := range names {
			name := name
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.stopOne(ctx, name); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Sprintf("%s: %s", name, err))
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
	}

	s.mu.RLock()
	htmlPath, binPath := s.settings.StateHTMLPath, s.settings.StateFilePath
	s.mu.RUnlock()
	if htmlPath != "" {
		_ = statefile.WriteHTML(htmlPath, s.Snapshot())
	}
	if binPath != "" {
		_ = os.Remove(binPath)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("supervisor: stop: %s", strings.Join(errs, "; "))
}

func (s *Supervisor) stopOne(ctx context.Context, name string) error {
	s.mu.RLock()
	e, ok := s.entries[strings.ToLower(name)]
	s.mu.RUnlock()
	if !ok || e.run == nil {
		return nil
	}
	metrics.IncStop(name)
	err := e.run.Stop(ctx)
	if e.runStop != nil {
		e.runStop()
	}
	return err
}

// Resume wakes every Paused sub-service that still has a Runner attached,
// so it retries immediately.
func (s *Supervisor) Resume() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if st, _ := e.sub.State(); st == svcstate.Paused {
			if h := e.sub.Runner(); h != nil {
				h.SignalRetryNow()
			}
		}
	}
}

// ResumeOne signals retry-now to the named sub-service's Runner, if one
// is attached. It does not check the state first, so it also cuts short
// a backoff wait, not only a Paused one.
func (s *Supervisor) ResumeOne(name string) error {
	s.mu.RLock()
	e, ok := s.entries[strings.ToLower(name)]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown sub-service %q", name)
	}
	if h := e.sub.Runner(); h != nil {
		h.SignalRetryNow()
	}
	return nil
}

// Snapshot returns the current aggregate state of every sub-service in
// discovery order.
func (s *Supervisor) Snapshot() statefile.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := statefile.Snapshot{Services: make([]statefile.ServiceState, 0, len(s.order))}
	for _, name := range s.order {
		e := s.entries[strings.ToLower(name)]
		st, info := e.sub.State()
		snap.Services = append(snap.Services, statefile.ServiceState{Name: name, State: st, Info: info})
	}
	return snap
}

// One returns the state of a single sub-service by name.
func (s *Supervisor) One(name string) (statefile.ServiceState, bool) {
	s.mu.RLock()
	e, ok := s.entries[strings.ToLower(name)]
	s.mu.RUnlock()
	if !ok {
		return statefile.ServiceState{}, false
	}
	st, info := e.sub.State()
	return statefile.ServiceState{Name: name, State: st, Info: info}, true
}

// WriteStateFile persists the current snapshot, and its HTML view if
// configured, writing only when content has changed.
func (s *Supervisor) WriteStateFile() error {
	snap := s.Snapshot()
	if s.settings.StateFilePath != "" {
		if err := statefile.Write(s.settings.StateFilePath, snap); err != nil {
			return err
		}
	}
	if s.settings.StateHTMLPath != "" {
		if err := statefile.WriteHTML(s.settings.StateHTMLPath, snap); err != nil {
			return err
		}
	}
	return nil
}
