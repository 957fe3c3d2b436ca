package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/keepwatch/keepwatch/internal/action"
	"github.com/keepwatch/keepwatch/internal/metrics"
	"github.com/keepwatch/keepwatch/internal/svcstate"
)

// StartWatchdog launches the single background ticker that polls every
// Running sub-service's Watch action list at ≈1Hz, honoring each
// manifest's WatchDelaySec between probes. Modeled on the single
// ticker + quit-channel loop the rest of the codebase uses for periodic
// work.
func (s *Supervisor) StartWatchdog(ctx context.Context) {
	s.mu.Lock()
	if s.watchdogQuit != nil {
		s.mu.Unlock()
		return
	}
	s.watchdogQuit = make(chan struct{})
	s.watchdogDone = make(chan struct{})
	quit := s.watchdogQuit
	done := s.watchdogDone
	s.mu.Unlock()

	go s.watchdogLoop(ctx, quit, done)
}

// StopWatchdog cancels the watchdog loop and waits for it to exit.
func (s *Supervisor) StopWatchdog() {
	s.mu.Lock()
	quit := s.watchdogQuit
	done := s.watchdogDone
	s.watchdogQuit = nil
	s.watchdogDone = nil
	s.mu.Unlock()
	if quit == nil {
		return
	}
	close(quit)
	if done != nil {
		<-done
	}
}

func (s *Supervisor) watchdogLoop(ctx context.Context, quit, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(WatchdogPeriod)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			start := time.Now()
			s.watchdogTick(ctx)
			metrics.ObserveWatchdogTick(time.Since(start).Seconds())
		}
	}
}

// watchdogTick runs due Watch actions for every Running sub-service.
func (s *Supervisor) watchdogTick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*entry
	for _, name := range s.order {
		e := s.entries[strings.ToLower(name)]
		if !e.man.HasWatch() {
			continue
		}
		if st, _ := e.sub.State(); st != svcstate.Running {
			continue
		}
		if now.Before(e.nextWatch) {
			continue
		}
		e.nextWatch = now.Add(time.Duration(e.man.WatchDelaySec) * time.Second)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.runWatch(ctx, e)
	}
}

// runWatch runs one Running sub-service's Watch action list and updates
// only its observable state: the outcome is reflected with SetState, it
// never touches the monitored process itself. A process tracked by a
// Runner keeps its own state via the Run/Stop loop; the watchdog's job
// here is strictly a passive health probe.
func (s *Supervisor) runWatch(ctx context.Context, e *entry) {
	e.sub.SetState(svcstate.ErrorRetrievingState, "watch in progress")

	for _, raw := range e.man.Watch {
		expanded, err := s.expander.Expand(raw, e.man)
		if err != nil {
			e.sub.SetState(svcstate.Failed, "watch: "+err.Error())
			return
		}
		act, err := action.Parse(action.PhaseWatch, expanded)
		if err != nil {
			e.sub.SetState(svcstate.Failed, "watch: "+err.Error())
			return
		}
		res := s.executor.Run(ctx, act, e.man.StartWorkDir, nil)
		if res.Err != nil {
			e.sub.SetState(svcstate.Failed, "watch: "+res.Err.Error())
			return
		}
		if !res.OK {
			e.sub.SetState(svcstate.Failed, "watch: unexpected result")
			return
		}
	}

	e.sub.SetState(svcstate.Running, "")
}
