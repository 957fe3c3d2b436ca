package tls

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadReturnsNilWhenDisabled(t *testing.T) {
	cfg, err := Load(Config{})
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestLoadAutoGeneratesSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(Config{
		AutoGenerate: true,
		AutoGenDir:   dir,
		CommonName:   "keepwatchd",
		DNSNames:     []string{"localhost"},
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Len(t, cfg.Certificates, 1)

	require.FileExists(t, filepath.Join(dir, "admin.crt"))
	require.FileExists(t, filepath.Join(dir, "admin.key"))
}

func TestLoadAutoGenerateReusesExistingPair(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{AutoGenerate: true, AutoGenDir: dir, CommonName: "keepwatchd"}

	_, err := Load(cfg)
	require.NoError(t, err)

	certPath := filepath.Join(dir, "admin.crt")
	before, err := os.ReadFile(certPath)
	require.NoError(t, err)

	_, err = Load(cfg)
	require.NoError(t, err)
	after, err := os.ReadFile(certPath)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestLoadWithOperatorSuppliedCertPair(t *testing.T) {
	dir := t.TempDir()
	genDir := filepath.Join(dir, "gen")
	_, err := Load(Config{AutoGenerate: true, AutoGenDir: genDir, CommonName: "keepwatchd"})
	require.NoError(t, err)

	cfg, err := Load(Config{
		CertFile: filepath.Join(genDir, "admin.crt"),
		KeyFile:  filepath.Join(genDir, "admin.key"),
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Len(t, cfg.Certificates, 1)
}

func TestLoadErrorsOnMissingOperatorCertFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(Config{
		CertFile: filepath.Join(dir, "missing.crt"),
		KeyFile:  filepath.Join(dir, "missing.key"),
	})
	require.Error(t, err)
}
