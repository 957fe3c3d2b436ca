// Package runner drives one sub-service's process lifecycle: spawning
// its tracked Run command, executing its Start/Stop action lists (Watch
// lists are run by the supervisor's watchdog), and applying the stable/unstable restart ladder when it exits
// unexpectedly.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/keepwatch/keepwatch/internal/action"
	"github.com/keepwatch/keepwatch/internal/env"
	"github.com/keepwatch/keepwatch/internal/expand"
	"github.com/keepwatch/keepwatch/internal/history"
	"github.com/keepwatch/keepwatch/internal/manifest"
	"github.com/keepwatch/keepwatch/internal/subservice"
	"github.com/keepwatch/keepwatch/internal/svcstate"
)

// Runner owns the single *exec.Cmd backing one sub-service's Run command
// and the goroutine that supervises it.
type Runner struct {
	sub       *subservice.SubService
	man       *manifest.Manifest
	expander  *expand.Expander
	exec      *action.Executor
	sink      history.Sink
	globalEnv *env.Env

	mu        sync.Mutex
	cmd       *exec.Cmd
	exitDone  chan struct{} // closed exactly once, by the sole cmd.Wait() goroutine, per spawn
	exitErr   error
	redirect  *redirectWriter
	startedAt time.Time
	stopping  bool

	abortCh    chan struct{}
	retryNowCh chan struct{}
	stopCh     chan struct{}
	loopDone   chan struct{}
}

// New builds a Runner for sub, which must already be bound to its
// manifest. sink may be nil to disable history recording. globalEnv
// supplies the daemon-wide environment base that this sub-service's
// StartEnv overrides layer onto; it may be nil to fall back to the OS
// environment only.
func New(sub *subservice.SubService, expander *expand.Expander, exec *action.Executor, sink history.Sink, globalEnv *env.Env) *Runner {
	if globalEnv == nil {
		globalEnv = env.New()
	}
	return &Runner{
		sub:        sub,
		man:        sub.Manifest,
		expander:   expander,
		exec:       exec,
		sink:       sink,
		globalEnv:  globalEnv,
		abortCh:    make(chan struct{}, 1),
		retryNowCh: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
}

// Run starts the supervision loop and blocks until the sub-service is
// stopped (via Stop) or ctx is cancelled. It is meant to be invoked in
// its own goroutine by the owning Supervisor.
//
// Restart decisions follow the stable/unstable ladder: a run that lasts
// at least RetryStableSec resets the ladder and restarts immediately: a
// shorter run is "unstable" and the pause escalates with the length of
// the unstable streak, measured from firstUnstable (the start of the
// first run in the current streak), not from the run that just ended.
// RetryStableSec == 0 disables auto-restart entirely: any exit pauses
// indefinitely, exactly like an AbortExitCodes match.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.loopDone)

	var firstUnstable time.Time
	startActionsDone := false
	for {
		attemptStart := time.Now()
		r.sub.SetState(svcstate.Starting, "running start actions")

		// The manifest's Start action list (any preamble plus the
		// "start" verb) runs exactly once, the way launching the Runner
		// is itself one of those actions. A crash-restart only
		// respawns the captured Run command directly: re-running
		// preamble actions like "sleep:500" or "exec:setup.sh" on
		// every restart would repeat side-effecting setup the spec's
		// Runner loop never calls for.
		var startErr error
		if !startActionsDone {
			startErr = r.runPhase(ctx, action.PhaseStart, r.man.Start)
			startActionsDone = true
		} else {
			startErr = r.spawnMain(ctx, r.man.Run)
		}
		if startErr != nil {
			r.sub.SetState(svcstate.Failed, truncate(startErr.Error()))
			r.recordHistory(history.EventStart, svcstate.Failed, startErr.Error(), -1)
			if firstUnstable.IsZero() {
				firstUnstable = attemptStart
			}
			if !r.waitBeforeRetry(ctx, instabilityDelay(time.Since(firstUnstable))) {
				return
			}
			continue
		}

		r.sub.SetState(svcstate.Running, "")
		r.recordHistory(history.EventStart, svcstate.Running, "", 0)
		r.mu.Lock()
		r.startedAt = attemptStart
		r.mu.Unlock()

		exitCode, exitErr, stopped := r.waitForExitOrSignal(ctx)
		if stopped {
			return
		}
		elapsed := time.Since(attemptStart)

		msg := fmt.Sprintf("exited with code %d", exitCode)
		if exitErr != nil {
			msg = exitErr.Error()
		}
		r.sub.SetState(svcstate.Failed, truncate(msg))
		r.recordHistory(history.EventRestart, svcstate.Failed, msg, exitCode)

		switch {
		case r.man.RetryStableSec == 0 || r.isAbortCode(exitCode):
			r.sub.SetState(svcstate.Paused, fmt.Sprintf("exit code %d, wait for abort or retry", exitCode))
			r.recordHistory(history.EventPaused, svcstate.Paused, fmt.Sprintf("exit %d", exitCode), exitCode)
			if !r.waitForRetrySignal(ctx) {
				return
			}
			firstUnstable = time.Time{}
		case elapsed >= time.Duration(r.man.RetryStableSec)*time.Second:
			firstUnstable = time.Time{}
		default:
			if firstUnstable.IsZero() {
				firstUnstable = attemptStart
			}
			if !r.waitBeforeRetry(ctx, instabilityDelay(time.Since(firstUnstable))) {
				return
			}
		}
	}
}

// Stop requests an orderly shutdown: runs every action in the manifest's
// Stop list, escalating to a hard kill after StopRunAbortTimeoutSec.
// Unlike runPhase, a failing stop action does not abort the remaining
// ones; every error is caught, logged into the final Stopped message,
// and the loop continues. Returns a non-nil error carrying that
// concatenated message when any stop action failed.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	r.mu.Unlock()

	r.sub.SetState(svcstate.Stopping, "running stop actions")
	timeout := time.Duration(r.man.StopRunAbortTimeoutSec) * time.Second
	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := r.runStopPhase(stopCtx, r.man.Stop)
	r.terminateMain(timeout)

	close(r.stopCh)
	<-r.loopDone

	r.sub.MarkStopped(0)
	r.sub.SetState(svcstate.Stopped, truncate(msg))
	r.recordHistory(history.EventStop, svcstate.Stopped, msg, 0)

	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

// runStopPhase runs every action in list under PhaseStop, catching and
// concatenating each action's error instead of stopping at the first
// one, per the Stop-sequence semantics (unlike the Start/Watch phases,
// which abort the phase on the first failure).
func (r *Runner) runStopPhase(ctx context.Context, list []string) string {
	var errs []string
	for _, raw := range list {
		if err := r.runOneAction(ctx, action.PhaseStop, raw); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return strings.Join(errs, "; ")
}

// SignalAbort requests termination of the tracked process, skipping the
// normal stop action list: SIGTERM to its process group, then SIGKILL
// after 2s. The resulting exit goes through the usual restart decision.
// Implements subservice.RunnerHandle.
func (r *Runner) SignalAbort() {
	select {
	case r.abortCh <- struct{}{}:
	default:
	}
}

// SignalRetryNow wakes a Paused sub-service to retry immediately,
// bypassing the remaining backoff wait. Implements subservice.RunnerHandle.
func (r *Runner) SignalRetryNow() {
	select {
	case r.retryNowCh <- struct{}{}:
	default:
	}
}

func (r *Runner) isAbortCode(code int) bool {
	for _, c := range r.man.AbortExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

func (r *Runner) recordHistory(t history.EventType, s svcstate.State, info string, exitCode int) {
	if r.sink == nil {
		return
	}
	_ = r.sink.Send(context.Background(), history.Event{
		Type:       t,
		OccurredAt: time.Now(),
		Name:       r.man.Name,
		State:      s.String(),
		Info:       info,
		ExitCode:   exitCode,
	})
}

func truncate(s string) string {
	if len(s) > 80 {
		return s[:80]
	}
	return s
}

// instabilityDelay implements the restart-ladder backoff as a step
// function of how long the current run has been unstable (the time
// since firstUnstable, not the uptime of the run that just ended), with
// up to 100ms of jitter. Longer unstable streaks yield longer pauses,
// capped at 240s.
func instabilityDelay(sinceFirstUnstable time.Duration) time.Duration {
	var base time.Duration
	switch {
	case sinceFirstUnstable > 60*time.Minute:
		base = 240 * time.Second
	case sinceFirstUnstable > 30*time.Minute:
		base = 120 * time.Second
	case sinceFirstUnstable > 10*time.Minute:
		base = 60 * time.Second
	case sinceFirstUnstable > 5*time.Minute:
		base = 30 * time.Second
	case sinceFirstUnstable >= time.Minute:
		base = 15 * time.Second
	default:
		base = 2 * time.Second
	}
	jitter := time.Duration(rand.Intn(100)) * time.Millisecond //nolint:gosec
	return base + jitter
}

func (r *Runner) waitBeforeRetry(ctx context.Context, delay time.Duration) bool {
	r.sub.SetState(svcstate.Starting, fmt.Sprintf("retrying in %s", delay))
	select {
	case <-time.After(delay):
		return true
	case <-r.retryNowCh:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) waitForRetrySignal(ctx context.Context) bool {
	select {
	case <-r.retryNowCh:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// waitForExitOrSignal waits for the tracked process to exit naturally,
// or for an abort/stop request, whichever comes first. It never calls
// cmd.Wait itself: spawnMain's single wait goroutine owns that, and
// every waiter here (and terminateMain) blocks on the exitDone channel
// that goroutine closes exactly once.
func (r *Runner) waitForExitOrSignal(ctx context.Context) (exitCode int, exitErr error, stopped bool) {
	done := r.exitDoneRef()
	if done == nil {
		return 0, nil, false
	}

	select {
	case <-done:
		return r.exitCodeAndErr()
	case <-r.abortCh:
		r.terminateMain(2 * time.Second)
		<-done
		return r.exitCodeAndErr()
	case <-r.stopCh:
		return 0, nil, true
	case <-ctx.Done():
		r.terminateMain(2 * time.Second)
		return 0, nil, true
	}
}

func (r *Runner) cmdRef() *exec.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmd
}

func (r *Runner) exitDoneRef() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitDone
}

func (r *Runner) exitCodeAndErr() (int, error, bool) {
	r.mu.Lock()
	cmd, err := r.cmd, r.exitErr
	r.mu.Unlock()
	code := 0
	if cmd != nil && cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	return code, err, false
}

// runPhase expands and executes each action string in list in order,
// stopping at the first one that raises. The special start/stop verbs
// spawn or terminate the tracked Run command instead of going through
// Executor.
func (r *Runner) runPhase(ctx context.Context, phase action.Phase, list []string) error {
	for _, raw := range list {
		if err := r.runOneAction(ctx, phase, raw); err != nil {
			return err
		}
	}
	return nil
}

// runOneAction expands and parses one action string under phase, then
// walks its verb fallback chain: each verb is tried in turn, stopping at
// the first that reports success. A verb reporting a structural failure
// raises immediately, short-circuiting the remaining verbs in the chain.
// An action whose chain is empty (every verb dropped by Parse as
// unknown or disallowed in phase) is a no-op success. If every verb in
// a non-empty chain runs without raising but none succeeds, the action
// itself is treated as failed.
func (r *Runner) runOneAction(ctx context.Context, phase action.Phase, raw string) error {
	expanded, err := r.expander.Expand(raw, r.man)
	if err != nil {
		return fmt.Errorf("expand %q: %w", raw, err)
	}
	act, err := action.Parse(phase, expanded)
	if err != nil {
		return fmt.Errorf("parse %q: %w", expanded, err)
	}
	if len(act.Verbs) == 0 {
		return nil
	}

	var last error
	for _, v := range act.Verbs {
		ok, err := r.runVerb(ctx, v, act)
		if err != nil {
			return fmt.Errorf("%s: %w", v, err)
		}
		if ok {
			return nil
		}
		last = fmt.Errorf("%s: unexpected result", v)
	}
	return last
}

// runVerb executes a single verb of act, dispatching the runner-specific
// start/stop verbs directly and delegating every other verb to Executor
// one verb at a time.
func (r *Runner) runVerb(ctx context.Context, v action.Verb, act action.Action) (ok bool, err error) {
	switch v {
	case action.VerbStart:
		if err := r.spawnMain(ctx, act.Arg); err != nil {
			return false, err
		}
		return true, nil
	case action.VerbStop:
		r.terminateMain(time.Duration(r.man.StopRunAbortTimeoutSec) * time.Second)
		return true, nil
	default:
		single := act
		single.Verbs = []action.Verb{v}
		res := r.exec.Run(ctx, single, r.man.StartWorkDir, r.startEnv())
		if res.Err != nil {
			return false, res.Err
		}
		return res.OK, nil
	}
}

// startEnv composes this sub-service's process environment: the daemon's
// global base, overridden by this manifest's StartEnv, with ${VAR}
// expansion against the merged result.
func (r *Runner) startEnv() []string {
	return r.globalEnv.Merge(r.man.StartEnv)
}

// spawnMain launches cmdStr as the tracked process, wiring its stdio to
// the redirect writer configured for this sub-service.
func (r *Runner) spawnMain(ctx context.Context, cmdStr string) error {
	cmd := buildCommand(cmdStr)
	if cmd == nil {
		return fmt.Errorf("empty run command")
	}
	if r.man.StartWorkDir != "" {
		cmd.Dir = r.man.StartWorkDir
	}
	if env := r.startEnv(); env != nil {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if r.man.RedirectLogFile != "" {
		rw, err := newRedirectWriter(r.man.RedirectLogFile, r.man.RedirectLogRotateFiles, r.man.RedirectLogRotateBytes)
		if err != nil {
			return fmt.Errorf("redirect log: %w", err)
		}
		cmd.Stdout = rw
		cmd.Stderr = rw
		r.mu.Lock()
		r.redirect = rw
		r.mu.Unlock()
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan struct{})
	r.mu.Lock()
	r.cmd = cmd
	r.exitDone = done
	r.exitErr = nil
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		r.exitErr = err
		r.mu.Unlock()
		r.closeRedirect()
		close(done)
	}()
	return nil
}

func (r *Runner) closeRedirect() {
	r.mu.Lock()
	rw := r.redirect
	r.redirect = nil
	r.mu.Unlock()
	if rw != nil {
		_ = rw.Close()
	}
}

// terminateMain signals the tracked process to stop, escalating to
// SIGKILL after grace elapses. It never calls cmd.Wait itself, waiting
// instead on the exitDone channel spawnMain's single wait goroutine owns.
func (r *Runner) terminateMain(grace time.Duration) {
	cmd := r.cmdRef()
	if cmd == nil || cmd.Process == nil {
		return
	}
	done := r.exitDoneRef()
	if done == nil {
		return
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

// buildCommand mirrors the shell-wrapping avoidance used throughout the
// codebase: honor an explicit "sh -c ..." invocation, fall back to
// /bin/sh -c only when metacharacters are present, otherwise exec
// directly against the parsed argv.
func buildCommand(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return nil
	}
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if after, ok := strings.CutPrefix(cmdStr, p); ok {
			if n := len(after); n >= 2 && ((after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"')) {
				after = after[1 : n-1]
			}
			// #nosec G204
			return exec.Command("/bin/sh", "-c", after)
		}
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}
