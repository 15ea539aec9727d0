package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/radiocosmology/alpenhorn/cmn/config"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadReadsExplicitConfFile(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.conf", `
database:
  url: "sqlite:///base.db"
extensions:
  - alpenhorn.generic
daemon:
  num_workers: 2
`)
	_ = base

	t.Setenv("ALPENHORN_CONFIG_FILE", "")
	// simulate only the -c path being given, pointing at base, and check its
	// values land in the loaded config.
	cfg, err := config.Load(base)
	require.NoError(t, err)
	require.Equal(t, "sqlite:///base.db", cfg.Database.URL)
	require.Equal(t, []string{"alpenhorn.generic"}, cfg.Extensions)
	require.Equal(t, 2, cfg.Daemon.NumWorkers)
}

func TestDefaultsSurviveWhenNoFileFound(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, 4, cfg.Daemon.NumWorkers)
}

func TestSearchPathsOrder(t *testing.T) {
	paths := config.SearchPaths("/explicit/path.conf")
	require.Equal(t, "/explicit/path.conf", paths[len(paths)-1])
	require.Equal(t, "/etc/alpenhorn/alpenhorn.conf", paths[0])
}
