package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keepwatch/keepwatch/internal/action"
	"github.com/keepwatch/keepwatch/internal/config"
	"github.com/keepwatch/keepwatch/internal/env"
	"github.com/keepwatch/keepwatch/internal/expand"
	"github.com/keepwatch/keepwatch/internal/manifest"
	"github.com/keepwatch/keepwatch/internal/subservice"
	"github.com/keepwatch/keepwatch/internal/svcstate"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, m *manifest.Manifest) (*Runner, *subservice.SubService) {
	t.Helper()
	sub := subservice.New(m, nil)
	expander := expand.New(&config.Settings{}, nil)
	exec := action.NewExecutor(2 * time.Second)
	r := New(sub, expander, exec, nil, env.New())
	require.True(t, sub.TryStart(r))
	return r, sub
}

func waitForState(t *testing.T, sub *subservice.SubService, want svcstate.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if st, _ := sub.State(); st == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, info := sub.State()
	t.Fatalf("timed out waiting for state %s, last was %s (%s)", want, st, info)
}

func waitForInfoContains(t *testing.T, sub *subservice.SubService, substr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, info := sub.State(); strings.Contains(info, substr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, info := sub.State()
	t.Fatalf("timed out waiting for info containing %q, last was %s (%s)", substr, st, info)
}

func TestRunnerStartAndStopLifecycle(t *testing.T) {
	m := &manifest.Manifest{
		Name:                   "sleeper",
		Level:                  1,
		Run:                    "/bin/sleep 30",
		Start:                  []string{"start:%run%"},
		Stop:                   []string{"stop:%run%"},
		StopRunAbortTimeoutSec: 2,
	}
	r, sub := newTestRunner(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitForState(t, sub, svcstate.Running, 2*time.Second)

	require.NoError(t, r.Stop(context.Background()))
	st, _ := sub.State()
	require.Equal(t, svcstate.Stopped, st)
	require.False(t, sub.Started())
}

func TestRunnerRetriesAfterUnexpectedExit(t *testing.T) {
	m := &manifest.Manifest{
		Name:                   "flaky",
		Level:                  1,
		Run:                    "/bin/false",
		Start:                  []string{"start:%run%"},
		Stop:                   []string{"stop:%run%"},
		StopRunAbortTimeoutSec: 2,
		RetryStableSec:         5,
	}
	r, sub := newTestRunner(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	waitForInfoContains(t, sub, "retrying", 2*time.Second)
	cancel()
}

func TestRunnerPausesWhenRetryStableSecIsZero(t *testing.T) {
	m := &manifest.Manifest{
		Name:                   "flaky",
		Level:                  1,
		Run:                    "/bin/false",
		Start:                  []string{"start:%run%"},
		Stop:                   []string{"stop:%run%"},
		StopRunAbortTimeoutSec: 2,
	}
	r, sub := newTestRunner(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitForState(t, sub, svcstate.Paused, 2*time.Second)
}

func TestRunnerPausesOnAbortExitCode(t *testing.T) {
	m := &manifest.Manifest{
		Name:                   "aborter",
		Level:                  1,
		Run:                    "/bin/sh -c 'exit 42'",
		Start:                  []string{"start:%run%"},
		Stop:                   []string{"stop:%run%"},
		StopRunAbortTimeoutSec: 2,
		RetryStableSec:         5,
		AbortExitCodes:         []int{42},
	}
	r, sub := newTestRunner(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitForState(t, sub, svcstate.Paused, 2*time.Second)

	r.SignalRetryNow()
	// The command always exits 42, so it cycles straight back to Paused;
	// this exercises the retryNowCh wake path without racing a transient
	// Starting/Running state.
	time.Sleep(100 * time.Millisecond)
	waitForState(t, sub, svcstate.Paused, 2*time.Second)
}

func TestRunnerResumeStillWorksAfterPause(t *testing.T) {
	// Regression test: MarkStopped must not be called on the
	// abort-exit-code pause path, or the SubService loses its Runner
	// reference and SignalRetryNow (via Runner()) becomes a no-op.
	m := &manifest.Manifest{
		Name:                   "aborter",
		Level:                  1,
		Run:                    "/bin/sh -c 'exit 42'",
		Start:                  []string{"start:%run%"},
		Stop:                   []string{"stop:%run%"},
		StopRunAbortTimeoutSec: 2,
		AbortExitCodes:         []int{42},
	}
	r, sub := newTestRunner(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitForState(t, sub, svcstate.Paused, 2*time.Second)

	require.NotNil(t, sub.Runner())
	require.True(t, sub.Started())
}

func TestRunnerFastRestartsAfterStableRun(t *testing.T) {
	// A run lasting at least RetryStableSec is stable and resets the
	// ladder, restarting immediately rather than pausing. The command
	// sleeps past the 1s RetryStableSec before failing, so the restart
	// after its first Failed should land back in Running quickly
	// instead of idling in a backoff wait.
	m := &manifest.Manifest{
		Name:                   "stable-then-fail",
		Level:                  1,
		Run:                    "/bin/sh -c 'sleep 1.1; exit 7'",
		Start:                  []string{"start:%run%"},
		Stop:                   []string{"stop:%run%"},
		StopRunAbortTimeoutSec: 2,
		RetryStableSec:         1,
	}
	r, sub := newTestRunner(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitForState(t, sub, svcstate.Running, 2*time.Second)
	waitForState(t, sub, svcstate.Failed, 2*time.Second)
	waitForState(t, sub, svcstate.Running, 500*time.Millisecond)
}

func TestInstabilityDelayLadderThresholds(t *testing.T) {
	cases := []struct {
		since time.Duration
		base  time.Duration
	}{
		{30 * time.Second, 2 * time.Second},
		{90 * time.Second, 15 * time.Second},
		{6 * time.Minute, 30 * time.Second},
		{11 * time.Minute, 60 * time.Second},
		{31 * time.Minute, 120 * time.Second},
		{61 * time.Minute, 240 * time.Second},
	}
	for _, c := range cases {
		d := instabilityDelay(c.since)
		require.GreaterOrEqual(t, d, c.base)
		require.Less(t, d, c.base+100*time.Millisecond)
	}
}

func TestRunnerOnlyRunsStartPreambleOnceAcrossRestarts(t *testing.T) {
	// A preamble action before "start" must execute exactly once, not on
	// every crash-restart: the restart loop only ever respawns the
	// captured Run command.
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")

	m := &manifest.Manifest{
		Name:                   "crasher",
		Level:                  1,
		Run:                    "/bin/false",
		Start:                  []string{"exec:/bin/sh -c 'echo x >> " + marker + "'", "start:%run%"},
		Stop:                   []string{"stop:%run%"},
		StopRunAbortTimeoutSec: 2,
		RetryStableSec:         5,
	}
	r, sub := newTestRunner(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitForInfoContains(t, sub, "retrying", 2*time.Second)
	r.SignalRetryNow()
	waitForInfoContains(t, sub, "retrying", 2*time.Second)
	r.SignalRetryNow()
	waitForInfoContains(t, sub, "retrying", 2*time.Second)

	b, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "x\n", string(b), "preamble action must not re-run on crash-restart")
}

func TestRunnerStopAccumulatesStopActionErrors(t *testing.T) {
	m := &manifest.Manifest{
		Name:                   "sleeper",
		Level:                  1,
		Run:                    "/bin/sleep 30",
		Start:                  []string{"start:%run%"},
		Stop:                   []string{"exec:/bin/false", "stop:%run%"},
		StopRunAbortTimeoutSec: 2,
	}
	r, sub := newTestRunner(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitForState(t, sub, svcstate.Running, 2*time.Second)

	err := r.Stop(context.Background())
	require.Error(t, err)

	st, _ := sub.State()
	require.Equal(t, svcstate.Stopped, st)
}
