// Package manifest parses the on-disk declarative description of one
// sub-service into a Manifest value. One file describes one sub-service;
// the supervisor loads a whole directory of them.
package manifest

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// OS names the host family a manifest targets.
type OS string

const (
	OSAny     OS = "any"
	OSWindows OS = "windows"
	OSLinux   OS = "linux"
	OSDarwin  OS = "darwin"
)

// Matches reports whether the manifest's OS filter matches the given
// runtime.GOOS value. An empty filter behaves like OSAny.
func (o OS) Matches(goos string) bool {
	switch o {
	case "", OSAny:
		return true
	default:
		return strings.EqualFold(string(o), goos)
	}
}

// StartOptions is the subset of boolean start flags a manifest may set.
type StartOptions struct {
	ReplaceEnv     bool `json:"soReplaceEnv" mapstructure:"soReplaceEnv"`
	WinJobCloseChildren bool `json:"soWinJobCloseChildren" mapstructure:"soWinJobCloseChildren"`
}

// Manifest is the parsed, defaulted content of one sub-service file.
type Manifest struct {
	Path string `json:"-" mapstructure:"-"` // absolute path to the source file, set by Load

	Name        string `json:"Name" mapstructure:"Name"`
	Description string `json:"Description" mapstructure:"Description"`
	Run         string `json:"Run" mapstructure:"Run"`
	Level       int    `json:"Level" mapstructure:"Level"`
	OS          OS     `json:"OS" mapstructure:"OS"`

	Start []string `json:"Start" mapstructure:"Start"`
	Stop  []string `json:"Stop" mapstructure:"Stop"`
	Watch []string `json:"Watch" mapstructure:"Watch"`

	StartEnv     []string     `json:"StartEnv" mapstructure:"StartEnv"`
	StartOptions StartOptions `json:"StartOptions" mapstructure:"StartOptions"`
	StartWorkDir string       `json:"StartWorkDir" mapstructure:"StartWorkDir"`

	StopRunAbortTimeoutSec int   `json:"StopRunAbortTimeoutSec" mapstructure:"StopRunAbortTimeoutSec"`
	RetryStableSec         int   `json:"RetryStableSec" mapstructure:"RetryStableSec"`
	AbortExitCodes         []int `json:"AbortExitCodes" mapstructure:"AbortExitCodes"`
	WatchDelaySec          int   `json:"WatchDelaySec" mapstructure:"WatchDelaySec"`

	RedirectLogFile        string `json:"RedirectLogFile" mapstructure:"RedirectLogFile"`
	RedirectLogRotateFiles int    `json:"RedirectLogRotateFiles" mapstructure:"RedirectLogRotateFiles"`
	RedirectLogRotateBytes int64  `json:"RedirectLogRotateBytes" mapstructure:"RedirectLogRotateBytes"`
}

// Defaults matching §6 of the specification.
const (
	DefaultStopRunAbortTimeoutSec = 10
	DefaultRetryStableSec         = 60
	DefaultWatchDelaySec          = 60
	DefaultRedirectLogRotateBytes = 100 * 1024 * 1024
)

// applyDefaults fills in zero-valued fields with their documented defaults.
func (m *Manifest) applyDefaults() {
	if m.OS == "" {
		m.OS = OSAny
	}
	if m.StopRunAbortTimeoutSec == 0 {
		m.StopRunAbortTimeoutSec = DefaultStopRunAbortTimeoutSec
	}
	if m.RetryStableSec == 0 {
		m.RetryStableSec = DefaultRetryStableSec
	}
	if m.WatchDelaySec == 0 {
		m.WatchDelaySec = DefaultWatchDelaySec
	}
	if m.RedirectLogRotateBytes == 0 {
		m.RedirectLogRotateBytes = DefaultRedirectLogRotateBytes
	}
	// An empty action list with a non-empty Run is the implicit single action.
	if len(m.Start) == 0 && m.Run != "" {
		m.Start = []string{"start:%run%"}
	}
	if len(m.Stop) == 0 && m.Run != "" {
		m.Stop = []string{"stop:%run%"}
	}
	if len(m.Watch) == 0 && m.Run != "" {
		// Watch has no natural implicit verb (there is no "watch" action); leave empty.
		_ = m.Watch
	}
}

// Disabled reports whether the manifest's Level disables it from orchestration.
func (m *Manifest) Disabled() bool { return m.Level <= 0 }

// HasWatch reports whether the manifest declares any watch actions.
func (m *Manifest) HasWatch() bool { return len(m.Watch) > 0 }

// Validate checks structural invariants that do not depend on the rest of
// the loaded set (name uniqueness is checked by the loader across files).
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest %s: Name is required", m.Path)
	}
	return nil
}

// Load parses a single manifest file, picking the viper config type from
// its extension: ".json" decodes as JSON, anything else decodes as the
// INI dialect (viper's "ini" type), matching the spec's "native JSON or
// INI dialect" manifest format.
func Load(path string) (*Manifest, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		v.SetConfigType("json")
	} else {
		v.SetConfigType("ini")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	m := &Manifest{}
	if err := v.Unmarshal(m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	m.Path = path
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// HostOS returns the runtime.GOOS value used to filter manifests.
func HostOS() string { return runtime.GOOS }
