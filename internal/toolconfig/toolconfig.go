// Package toolconfig loads the pgbackup CLI's own preferences file — not
// the backup catalog's per-instance configuration (that stays the textual
// key=value control file described in §6.1), but the operator-facing
// defaults for things like default compression and wal-depth.
package toolconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// Config holds the CLI's own preferences.
type Config struct {
	CatalogDir       string `json:"catalog_dir,omitempty"`       //nolint:tagliatelle
	CompressAlgo     string `json:"compress_algorithm,omitempty"` //nolint:tagliatelle
	CompressLevel    int    `json:"compress_level,omitempty"`     //nolint:tagliatelle
	Threads          int    `json:"threads,omitempty"`
	WALDepth         int    `json:"wal_depth,omitempty"` //nolint:tagliatelle
	NoValidate       bool   `json:"no_validate,omitempty"` //nolint:tagliatelle
	NoSync           bool   `json:"no_sync,omitempty"`     //nolint:tagliatelle
}

// Sources tracks which config files contributed to the effective config.
type Sources struct {
	Global  string
	Project string
}

// DefaultConfig returns the built-in defaults, the lowest-precedence layer.
func DefaultConfig() Config {
	return Config{
		CatalogDir:    ".pgbackup",
		CompressAlgo:  "none",
		CompressLevel: 1,
		Threads:       1,
		WALDepth:      0,
	}
}

// FileName is the default project config file name.
const FileName = ".pgbackup.json"

// getGlobalConfigPath returns $XDG_CONFIG_HOME/pgbackup/config.json, or
// ~/.config/pgbackup/config.json, checking env first (so tests can inject a
// deterministic environment instead of relying on os.Getenv).
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "pgbackup", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pgbackup", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "pgbackup", "config.json")
}

// Load resolves the effective configuration with the following precedence
// (highest wins): defaults < global config < project config < explicit
// config file path < CLI overrides. Overrides is applied field-by-field by
// the caller (internal/cliapp) since only it knows which flags were
// explicitly set on the command line.
func Load(workDir, configPath string, env []string) (Config, Sources, error) {
	cfg := DefaultConfig()

	var sources Sources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, Sources{}, err
	}

	sources.Project = projectPath
	cfg = merge(cfg, projectCfg)

	if cfg.CatalogDir == "" {
		return Config{}, Sources{}, ErrCatalogDirEmpty
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var (
		path      string
		mustExist bool
	)

	if configPath != "" {
		path = configPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		mustExist = true

		if _, err := os.Stat(path); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	} else {
		path = filepath.Join(workDir, FileName)
	}

	cfg, loaded, err := loadConfigFile(path, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

// parse standardizes JWCC (JSON with comments and trailing commas, via
// hujson) to plain JSON before unmarshalling, so operators can comment
// their pgbackup.json the way the teacher's config.go allows for .tk.json.
func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.CatalogDir != "" {
		base.CatalogDir = overlay.CatalogDir
	}

	if overlay.CompressAlgo != "" {
		base.CompressAlgo = overlay.CompressAlgo
	}

	if overlay.CompressLevel != 0 {
		base.CompressLevel = overlay.CompressLevel
	}

	if overlay.Threads != 0 {
		base.Threads = overlay.Threads
	}

	if overlay.WALDepth != 0 {
		base.WALDepth = overlay.WALDepth
	}

	base.NoValidate = base.NoValidate || overlay.NoValidate
	base.NoSync = base.NoSync || overlay.NoSync

	return base
}

// Format renders cfg as indented JSON, for `show-config`.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(data), nil
}
