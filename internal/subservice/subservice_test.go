package subservice

import (
	"testing"

	"github.com/keepwatch/keepwatch/internal/manifest"
	"github.com/keepwatch/keepwatch/internal/svcstate"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	aborted    int
	retriedNow int
}

func (f *fakeRunner) SignalAbort()    { f.aborted++ }
func (f *fakeRunner) SignalRetryNow() { f.retriedNow++ }

func TestTryStartEnforcesAtMostOneRunner(t *testing.T) {
	sub := New(&manifest.Manifest{Name: "web"}, nil)
	r1 := &fakeRunner{}
	r2 := &fakeRunner{}

	require.True(t, sub.TryStart(r1))
	require.False(t, sub.TryStart(r2))
	require.True(t, sub.Started())
	require.Same(t, r1, sub.Runner())

	sub.MarkStopped(3)
	require.False(t, sub.Started())
	require.Nil(t, sub.Runner())
	require.Equal(t, 3, sub.ExitCode())

	require.True(t, sub.TryStart(r2))
}

func TestSetStatePublishesOnlyOnChange(t *testing.T) {
	var calls []svcstate.State
	sub := New(&manifest.Manifest{Name: "web"}, func(name string, s svcstate.State) {
		require.Equal(t, "web", name)
		calls = append(calls, s)
	})

	sub.SetState(svcstate.Starting, "booting")
	sub.SetState(svcstate.Starting, "booting") // no-op, same state+info
	sub.SetState(svcstate.Running, "booting")

	require.Equal(t, []svcstate.State{svcstate.Starting, svcstate.Running}, calls)
	st, info := sub.State()
	require.Equal(t, svcstate.Running, st)
	require.Equal(t, "booting", info)
}

func TestSetStateTruncatesInfoTo80Bytes(t *testing.T) {
	sub := New(&manifest.Manifest{Name: "web"}, nil)
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	sub.SetState(svcstate.Failed, string(long))
	_, info := sub.State()
	require.Len(t, info, 80)
}
