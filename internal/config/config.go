package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/featureflow/featureflow/internal/domain"
)

// Config holds all application configuration
type Config struct {
	General   GeneralConfig   `toml:"general"`
	Runs      RunsConfig      `toml:"runs"`
	Security  SecurityConfig  `toml:"security"`
	Limits    LimitsConfig    `toml:"limits"`
	Web       WebConfig       `toml:"web"`
	Scheduler SchedulerConfig `toml:"scheduler"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	RepoRoot     string `toml:"repo_root"`
	OutputsDir   string `toml:"outputs_dir"`
	DatabasePath string `toml:"database_path"`
}

// RunsConfig holds per-run execution settings
type RunsConfig struct {
	MaxIters       int `toml:"max_iters"`
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// SecurityConfig holds the command and write-path allowlists
type SecurityConfig struct {
	AllowedCommands   [][]string `toml:"allowed_commands"`
	AllowedWriteRoots []string   `toml:"allowed_write_roots"`
}

// LimitsConfig holds diff and file caps
type LimitsConfig struct {
	MaxFilesChanged int   `toml:"max_files_changed"`
	MaxDiffLines    int   `toml:"max_diff_lines"`
	MaxRuntimeSec   int   `toml:"max_runtime_sec"`
	MaxFileBytes    int64 `toml:"max_file_bytes"`
	MaxOutputBytes  int64 `toml:"max_output_bytes"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// SchedulerConfig holds the stale-run sweep settings
type SchedulerConfig struct {
	SweepSpec string `toml:"sweep_spec"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			RepoRoot:     "",
			OutputsDir:   filepath.Join("outputs", "runs"),
			DatabasePath: filepath.Join("outputs", "featureflow.db"),
		},
		Runs: RunsConfig{
			MaxIters:       3,
			TimeoutSeconds: 600,
		},
		Security: SecurityConfig{
			AllowedCommands: [][]string{
				{"go", "test", "./..."},
				{"git", "status", "--porcelain"},
				{"git", "diff"},
			},
			AllowedWriteRoots: []string{"outputs"},
		},
		Limits: LimitsConfig{
			MaxFilesChanged: 20,
			MaxDiffLines:    800,
			MaxRuntimeSec:   600,
			MaxFileBytes:    512 * 1024,
			MaxOutputBytes:  256 * 1024,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Scheduler: SchedulerConfig{
			SweepSpec: "@every 1m",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.RepoRoot = ExpandPath(cfg.General.RepoRoot)
	cfg.General.OutputsDir = ExpandPath(cfg.General.OutputsDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, nil
}

// RunLimits freezes the configured caps into a run's limits record.
func (c *Config) RunLimits() domain.Limits {
	return domain.Limits{
		MaxIters:        c.Runs.MaxIters,
		MaxFilesChanged: c.Limits.MaxFilesChanged,
		MaxDiffLines:    c.Limits.MaxDiffLines,
		MaxRuntimeSec:   c.Limits.MaxRuntimeSec,
	}
}

// Save writes the configuration to a TOML file
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	return "featureflow.toml"
}
