package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keepwatch/keepwatch/internal/config"
	"github.com/keepwatch/keepwatch/internal/svcstate"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name string, level int) {
	t.Helper()
	content := fmt.Sprintf(`{"Name":"%s","Level":%d,"Run":"/bin/true"}`, name, level)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0o644))
}

func TestDiscoverRejectsCaseInsensitiveDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "web", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "WEB.json"), []byte(`{"Name":"WEB","Level":1,"Run":"/bin/true"}`), 0o644))

	settings := &config.Settings{ManifestDir: dir, ManifestExtension: ".json"}
	s := New(settings, nil)
	err := s.Discover("linux")
	require.Error(t, err)
}

func TestDiscoverOrdersByLevel(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "c", 3)
	writeManifest(t, dir, "a", 1)
	writeManifest(t, dir, "b", 2)

	settings := &config.Settings{ManifestDir: dir, ManifestExtension: ".json"}
	s := New(settings, nil)
	require.NoError(t, s.Discover("linux"))

	levels := s.levels()
	require.Equal(t, []int{1, 2, 3}, levels)
}

func TestSnapshotReflectsDiscoveredServices(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a", 1)

	settings := &config.Settings{ManifestDir: dir, ManifestExtension: ".json"}
	s := New(settings, nil)
	require.NoError(t, s.Discover("linux"))

	snap := s.Snapshot()
	require.Len(t, snap.Services, 1)
	require.Equal(t, "a", snap.Services[0].Name)
}

func TestStartAndStopLifecycle(t *testing.T) {
	dir := t.TempDir()
	content := `{"Name":"sleeper","Level":1,"Run":"/bin/sleep 30","Start":["start:%run%"],"Stop":["stop:%run%"],"StopRunAbortTimeoutSec":2}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sleeper.json"), []byte(content), 0o644))

	settings := &config.Settings{ManifestDir: dir, ManifestExtension: ".json", StartLevelTimeoutSec: 0}
	s := New(settings, nil)
	require.NoError(t, s.Discover("linux"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		st, _ := s.One("sleeper")
		return st.State == svcstate.Running
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))

	st, ok := s.One("sleeper")
	require.True(t, ok)
	require.Equal(t, svcstate.Stopped, st.State)
}

func TestResumeWakesPausedSubService(t *testing.T) {
	dir := t.TempDir()
	content := `{"Name":"aborter","Level":1,"Run":"/bin/sh -c 'exit 42'","Start":["start:%run%"],"Stop":["stop:%run%"],"StopRunAbortTimeoutSec":2,"AbortExitCodes":[42]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aborter.json"), []byte(content), 0o644))

	settings := &config.Settings{ManifestDir: dir, ManifestExtension: ".json", StartLevelTimeoutSec: 0}
	s := New(settings, nil)
	require.NoError(t, s.Discover("linux"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		st, _ := s.One("aborter")
		return st.State == svcstate.Paused
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.ResumeOne("aborter"))
	s.Resume()

	time.Sleep(100 * time.Millisecond)
	st, _ := s.One("aborter")
	require.Equal(t, svcstate.Paused, st.State)

	require.NoError(t, s.Stop(context.Background()))
}

func TestStartRejectsStateFileWithBadMagicAndReassignsPath(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a", 1)
	statePath := filepath.Join(dir, "state.bin")
	require.NoError(t, os.WriteFile(statePath, []byte("not a state file"), 0o644))

	settings := &config.Settings{ManifestDir: dir, ManifestExtension: ".json", StateFilePath: statePath}
	s := New(settings, nil)
	require.NoError(t, s.Discover("linux"))

	err := s.Start(context.Background())
	require.Error(t, err)
	require.FileExists(t, statePath)
	require.NotEqual(t, statePath, settings.StateFilePath)

	require.NoError(t, s.Stop(context.Background()))
}

func TestStopDeletesBinaryStateFileAndKeepsHTML(t *testing.T) {
	dir := t.TempDir()
	content := `{"Name":"sleeper","Level":1,"Run":"/bin/sleep 30","Start":["start:%run%"],"Stop":["stop:%run%"],"StopRunAbortTimeoutSec":2}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sleeper.json"), []byte(content), 0o644))

	statePath := filepath.Join(dir, "state.bin")
	htmlPath := filepath.Join(dir, "state.html")
	settings := &config.Settings{
		ManifestDir: dir, ManifestExtension: ".json", StartLevelTimeoutSec: 0,
		StateFilePath: statePath, StateHTMLPath: htmlPath,
	}
	s := New(settings, nil)
	require.NoError(t, s.Discover("linux"))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		st, _ := s.One("sleeper")
		return st.State == svcstate.Running
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))

	require.NoFileExists(t, statePath)
	require.FileExists(t, htmlPath)
	b, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	require.Contains(t, string(b), "Stopped")
}

func TestResumeOneErrorsOnUnknownName(t *testing.T) {
	settings := &config.Settings{ManifestDir: t.TempDir(), ManifestExtension: ".json"}
	s := New(settings, nil)
	require.NoError(t, s.Discover("linux"))
	require.Error(t, s.ResumeOne("nonexistent"))
}

func TestStartAdvancesAsSoonAsLevelIsRunningWithoutWaitingOutFullTimeout(t *testing.T) {
	dir := t.TempDir()
	content := `{"Name":"quick","Level":1,"Run":"/bin/sleep 30","Start":["start:%run%"],"Stop":["stop:%run%"],"StopRunAbortTimeoutSec":2}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quick.json"), []byte(content), 0o644))

	settings := &config.Settings{ManifestDir: dir, ManifestExtension: ".json", StartLevelTimeoutSec: 30}
	s := New(settings, nil)
	require.NoError(t, s.Discover("linux"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	require.NoError(t, s.Start(ctx))
	require.Less(t, time.Since(start), 5*time.Second, "Start must return once the level is Running, not sleep out the full 30s timeout")

	st, _ := s.One("quick")
	require.Equal(t, svcstate.Running, st.State)

	require.NoError(t, s.Stop(context.Background()))
}

func TestStartRaisesOnLevelTimeout(t *testing.T) {
	dir := t.TempDir()
	// Start list only reaches the "start" verb after sleep:5000, so the
	// sub-service cannot become Running within the 1s timeout below.
	content := `{"Name":"stuck","Level":1,"Run":"/bin/sleep 30","Start":["sleep:5000","start:%run%"],"Stop":["stop:%run%"],"StopRunAbortTimeoutSec":2}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stuck.json"), []byte(content), 0o644))

	settings := &config.Settings{ManifestDir: dir, ManifestExtension: ".json", StartLevelTimeoutSec: 1}
	s := New(settings, nil)
	require.NoError(t, s.Discover("linux"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := s.Start(ctx)
	require.Error(t, err)

	require.NoError(t, s.Stop(context.Background()))
}
