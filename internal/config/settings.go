// Package config loads the daemon's own top-level settings, as distinct
// from the per-sub-service manifests internal/manifest parses.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/keepwatch/keepwatch/internal/env"
	"github.com/spf13/viper"
)

// Settings is the daemon's top-level configuration document, loaded from
// a TOML file the same way the teacher's FileConfig is.
type Settings struct {
	ManifestDir       string `toml:"manifest_dir" mapstructure:"manifest_dir"`
	ManifestExtension string `toml:"manifest_extension" mapstructure:"manifest_extension"`

	HTTPProbeTimeoutMS int `toml:"http_probe_timeout_ms" mapstructure:"http_probe_timeout_ms"`

	StateFilePath string `toml:"state_file" mapstructure:"state_file"`
	StateHTMLPath string `toml:"state_html" mapstructure:"state_html"`

	StartLevelTimeoutSec int `toml:"start_level_timeout_sec" mapstructure:"start_level_timeout_sec"`

	AdminHTTPAddr   string `toml:"admin_http_addr" mapstructure:"admin_http_addr"`
	MetricsHTTPAddr string `toml:"metrics_http_addr" mapstructure:"metrics_http_addr"`

	AdminTLSCertFile     string `toml:"admin_tls_cert_file" mapstructure:"admin_tls_cert_file"`
	AdminTLSKeyFile      string `toml:"admin_tls_key_file" mapstructure:"admin_tls_key_file"`
	AdminTLSAutoGenerate bool   `toml:"admin_tls_auto_generate" mapstructure:"admin_tls_auto_generate"`
	AdminTLSDir          string `toml:"admin_tls_dir" mapstructure:"admin_tls_dir"`

	HistoryDSN string `toml:"history_dsn" mapstructure:"history_dsn"`

	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	LogPath       string `toml:"log_path" mapstructure:"log_path"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb" mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups" mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `toml:"log_max_age_days" mapstructure:"log_max_age_days"`

	Params map[string]string `toml:"params" mapstructure:"params"`
}

// Defaults matching spec.md §6.
const (
	DefaultManifestExtension    = ".json"
	DefaultHTTPProbeTimeoutMS   = 200
	DefaultStartLevelTimeoutSec = 30
)

func (s *Settings) applyDefaults() {
	if s.ManifestExtension == "" {
		s.ManifestExtension = DefaultManifestExtension
	}
	if s.HTTPProbeTimeoutMS == 0 {
		s.HTTPProbeTimeoutMS = DefaultHTTPProbeTimeoutMS
	}
	if s.StartLevelTimeoutSec == 0 {
		s.StartLevelTimeoutSec = DefaultStartLevelTimeoutSec
	}
}

// Load reads Settings from a TOML file via viper, the same way
// internal/config.FileConfig is loaded in the teacher.
func Load(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("settings %s: %w", path, err)
	}
	s.applyDefaults()
	return &s, nil
}

// LoadGlobalEnv builds the daemon-wide *env.Env base every sub-service's
// process environment layers onto: OS env (only if UseOSEnv), then env
// files in order, then the top-level env list, which wins last.
func (s *Settings) LoadGlobalEnv() (*env.Env, error) {
	e := env.New()
	if s.UseOSEnv {
		e.FromOS()
	} else {
		e.Freeze(nil)
	}
	for _, p := range s.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	for _, kv := range s.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
	return e, nil
}

func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
