// Package expand resolves %TOKEN% placeholders in manifest action strings
// against the daemon's settings and the owning manifest.
package expand

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keepwatch/keepwatch/internal/config"
	"github.com/keepwatch/keepwatch/internal/manifest"
)

// MaxDepth bounds recursive re-expansion of a value that itself contains
// further %TOKEN% placeholders.
const MaxDepth = 50

// settingsAccessors maps "agl.<field>" suffixes to accessor funcs against
// *config.Settings. Built once at init as an explicit table rather than
// reflected over at call time, so the legal token set is documented and
// testable in one place.
var settingsAccessors = map[string]func(*config.Settings) string{
	"manifest_dir":       func(s *config.Settings) string { return s.ManifestDir },
	"manifest_extension": func(s *config.Settings) string { return s.ManifestExtension },
	"state_file":         func(s *config.Settings) string { return s.StateFilePath },
	"state_html":         func(s *config.Settings) string { return s.StateHTMLPath },
	"admin_http_addr":    func(s *config.Settings) string { return s.AdminHTTPAddr },
	"metrics_http_addr":  func(s *config.Settings) string { return s.MetricsHTTPAddr },
}

// manifestAccessors maps bare field-name tokens to accessor funcs against
// *manifest.Manifest.
var manifestAccessors = map[string]func(*manifest.Manifest) string{
	"name":            func(m *manifest.Manifest) string { return m.Name },
	"description":     func(m *manifest.Manifest) string { return m.Description },
	"run":             func(m *manifest.Manifest) string { return m.Run },
	"startworkdir":    func(m *manifest.Manifest) string { return m.StartWorkDir },
	"redirectlogfile": func(m *manifest.Manifest) string { return m.RedirectLogFile },
}

// Expander resolves placeholders for one Settings document shared across
// all sub-services.
type Expander struct {
	Settings *config.Settings
	Params   []string // agl.params: verbatim extra CLI/manifest parameters
}

// New builds an Expander bound to the given settings.
func New(s *config.Settings, params []string) *Expander {
	return &Expander{Settings: s, Params: params}
}

// Expand resolves every %TOKEN% in s against m, recursively re-expanding
// any token value that itself contains placeholders, bounded at MaxDepth.
func (e *Expander) Expand(s string, m *manifest.Manifest) (string, error) {
	return e.expandDepth(s, m, 0)
}

func (e *Expander) expandDepth(s string, m *manifest.Manifest, depth int) (string, error) {
	if depth > MaxDepth {
		return "", fmt.Errorf("expand: exceeded max recursion depth %d in %q", MaxDepth, s)
	}
	var b strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			i++
			continue
		}
		// find the closing %
		j := strings.IndexByte(s[i+1:], '%')
		if j < 0 {
			return "", fmt.Errorf("expand: unterminated %%TOKEN%% in %q", s)
		}
		token := s[i+1 : i+1+j]
		if token == "" {
			b.WriteByte('%') // %% -> %
			i += 2
			continue
		}
		val, err := e.resolve(token, m)
		if err != nil {
			return "", err
		}
		if strings.Contains(val, "%") {
			val, err = e.expandDepth(val, m, depth+1)
			if err != nil {
				return "", err
			}
		}
		b.WriteString(val)
		i += 1 + j + 1
	}
	return b.String(), nil
}

func (e *Expander) resolve(token string, m *manifest.Manifest) (string, error) {
	lower := strings.ToLower(token)

	switch lower {
	case "agl.base":
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("expand: resolving agl.base: %w", err)
		}
		return filepath.Dir(exe), nil
	case "agl.now":
		return time.Now().Format("20060102-150405"), nil
	case "agl.params":
		return strings.Join(e.Params, " "), nil
	}

	if rest, ok := strings.CutPrefix(lower, "agl."); ok {
		fn, ok := settingsAccessors[rest]
		if !ok {
			return "", fmt.Errorf("expand: unknown token %%agl.%s%%", rest)
		}
		if e.Settings == nil {
			return "", fmt.Errorf("expand: no settings bound for %%agl.%s%%", rest)
		}
		return fn(e.Settings), nil
	}

	switch lower {
	case "commondata":
		return e.commonDataDir(), nil
	case "userdata":
		return e.userDataDir(), nil
	case "tempfolder":
		return os.TempDir(), nil
	case "log":
		return e.logDir(), nil
	}

	if fn, ok := manifestAccessors[lower]; ok {
		if m == nil {
			return "", fmt.Errorf("expand: no manifest bound for %%%s%%", token)
		}
		return fn(m), nil
	}

	return "", fmt.Errorf("expand: unknown token %%%s%%", token)
}

// commonDataDir is the machine-wide data directory: %ProgramData% on
// Windows, /var/lib elsewhere.
func (e *Expander) commonDataDir() string {
	if v := os.Getenv("ProgramData"); v != "" {
		return v
	}
	return "/var/lib"
}

// userDataDir is the current user's data directory: %APPDATA% on
// Windows, $XDG_DATA_HOME or ~/.local/share elsewhere.
func (e *Expander) userDataDir() string {
	if v := os.Getenv("AppData"); v != "" {
		return v
	}
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return os.TempDir()
}

// logDir is the directory this daemon's own log file lives in, falling
// back to a platform default when no log path is configured.
func (e *Expander) logDir() string {
	if e.Settings != nil && e.Settings.LogPath != "" {
		return filepath.Dir(e.Settings.LogPath)
	}
	if v := os.Getenv("ProgramData"); v != "" {
		return filepath.Join(v, "keepwatch", "logs")
	}
	return "/var/log"
}
