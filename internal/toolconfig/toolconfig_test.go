package toolconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgbackup/pgbackup/internal/toolconfig"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, sources, err := toolconfig.Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, ".pgbackup", cfg.CatalogDir)
	require.Equal(t, "none", cfg.CompressAlgo)
	require.Empty(t, sources.Global)
	require.Empty(t, sources.Project)
}

func TestLoad_ProjectConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, toolconfig.FileName), `{"catalog_dir": "backups"}`)

	cfg, sources, err := toolconfig.Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, "backups", cfg.CatalogDir)
	require.Equal(t, filepath.Join(dir, toolconfig.FileName), sources.Project)
}

func TestLoad_ProjectConfigWithComments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, toolconfig.FileName), `{
		// operator notes go here
		"wal_depth": 4,
	}`)

	cfg, _, err := toolconfig.Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.WALDepth)
}

func TestLoad_ExplicitConfigPathMustExist(t *testing.T) {
	dir := t.TempDir()

	_, _, err := toolconfig.Load(dir, "missing.json", nil)
	require.ErrorIs(t, err, toolconfig.ErrConfigFileNotFound)
}

func TestLoad_GlobalConfigViaXDG(t *testing.T) {
	xdgHome := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(xdgHome, "pgbackup"), 0o750))
	writeFile(t, filepath.Join(xdgHome, "pgbackup", "config.json"), `{"threads": 8}`)

	dir := t.TempDir()

	cfg, sources, err := toolconfig.Load(dir, "", []string{"XDG_CONFIG_HOME=" + xdgHome})
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Threads)
	require.Equal(t, filepath.Join(xdgHome, "pgbackup", "config.json"), sources.Global)
}

func TestLoad_ProjectOverridesGlobal(t *testing.T) {
	xdgHome := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(xdgHome, "pgbackup"), 0o750))
	writeFile(t, filepath.Join(xdgHome, "pgbackup", "config.json"), `{"wal_depth": 2}`)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, toolconfig.FileName), `{"wal_depth": 9}`)

	cfg, _, err := toolconfig.Load(dir, "", []string{"XDG_CONFIG_HOME=" + xdgHome})
	require.NoError(t, err)
	require.Equal(t, 9, cfg.WALDepth)
}

func TestLoad_EmptyCatalogDirInOverlayKeepsDefault(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, toolconfig.FileName), `{"catalog_dir": ""}`)

	cfg, _, err := toolconfig.Load(dir, "", nil)
	require.NoError(t, err)
	require.Equal(t, ".pgbackup", cfg.CatalogDir)
}

func TestFormat(t *testing.T) {
	s, err := toolconfig.Format(toolconfig.DefaultConfig())
	require.NoError(t, err)
	require.Contains(t, s, `"catalog_dir": ".pgbackup"`)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
