package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	c := Default()
	c.Concurrent = 0
	require.Error(t, c.Validate())
}

func TestLoadDirMergesInNameOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01-base.yaml"), []byte("bind: 0.0.0.0:9000\nconcurrent: 10\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02-override.json"), []byte(`{"concurrent": 20}`), 0o644))

	cfg, err := LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Bind)
	require.Equal(t, uint(20), cfg.Concurrent)
}

func TestLoadDirToml(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg.toml"), []byte("bind = \"127.0.0.1:4000\"\nconnect_timeout = \"5s\"\n"), 0o644))

	cfg, err := LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:4000", cfg.Bind)
	require.Equal(t, 5*time.Second, cfg.ConnectTimeout)
}

func TestLoadDirIni(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg.ini"), []byte("bind=127.0.0.1:5000\nconcurrent=7\n"), 0o644))

	cfg, err := LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:5000", cfg.Bind)
	require.Equal(t, uint(7), cfg.Concurrent)
}

func TestLoadDirJSON5TrailingComma(t *testing.T) {
	dir := t.TempDir()
	data := "{\n  // a comment\n  \"bind\": \"127.0.0.1:6000\",\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg.json5"), []byte(data), 0o644))

	cfg, err := LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:6000", cfg.Bind)
}

func TestLoadDirRon(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg.ron"), []byte(`(bind: "127.0.0.1:7000", concurrent: 3)`), 0o644))

	cfg, err := LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7000", cfg.Bind)
	require.Equal(t, uint(3), cfg.Concurrent)
}

func TestLoadDirCIDR(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg.yaml"), []byte("cidr: 2001:db8::/64\n"), 0o644))

	cfg, err := LoadDir(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg.CIDR)
	require.Equal(t, "2001:db8::/64", cfg.CIDR.String())
}

func TestLoadDirRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg.yaml"), []byte("connect_timeout: not-a-duration\n"), 0o644))

	_, err := LoadDir(dir)
	require.Error(t, err)
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg.yaml"), []byte("concurrent: 5\n"), 0o644))

	m, err := NewManager(dir)
	require.NoError(t, err)
	require.Equal(t, uint(5), m.Snapshot().Concurrent)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg.yaml"), []byte("concurrent: 50\n"), 0o644))
	newCfg, err := LoadDir(dir)
	require.NoError(t, err)
	m.store(newCfg)
	require.Equal(t, uint(50), m.Snapshot().Concurrent)
}
