// Package config loads the layered JSONC configuration of gridcalc.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// Errors returned while loading configuration.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrCacheDirEmpty      = errors.New("cache-dir cannot be empty")
	ErrInvalidWorkers     = errors.New("workers must be positive")
	ErrInvalidTileSize    = errors.New("tile-size must not be negative")
	ErrInvalidLockTimeout = errors.New("invalid lock-timeout")
	ErrInvalidLogLevel    = errors.New("invalid log-level")
	ErrInvalidLogFormat   = errors.New("log-format must be json or console")
)

// Config holds all configuration options.
type Config struct {
	CacheDir    string `json:"cache_dir"`
	Workers     int    `json:"workers"`
	TileSize    int64  `json:"tile_size"`
	LockTimeout string `json:"lock_timeout"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	Persist     bool   `json:"persist"`

	// Resolved values, not serialized.
	EffectiveCwd   string        `json:"-"`
	CacheDirAbs    string        `json:"-"`
	LockTimeoutDur time.Duration `json:"-"`
	Sources        Sources       `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string
	Project string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		CacheDir:    ".gridcalc",
		Workers:     4,
		LockTimeout: "30s",
		LogLevel:    "warn",
		LogFormat:   "console",
		Persist:     true,
	}
}

// FileName is the project config file name.
const FileName = ".gridcalc.json"

// file mirrors Config with optional fields so that layers only override
// what they set.
type file struct {
	CacheDir    *string `json:"cache_dir"`
	Workers     *int    `json:"workers"`
	TileSize    *int64  `json:"tile_size"`
	LockTimeout *string `json:"lock_timeout"`
	LogLevel    *string `json:"log_level"`
	LogFormat   *string `json:"log_format"`
	Persist     *bool   `json:"persist"`
}

// globalPath returns $XDG_CONFIG_HOME/gridcalc/config.json, falling back to
// ~/.config. It is empty when neither is known.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "gridcalc", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "gridcalc", "config.json")
	}

	return ""
}

// Overrides are values given on the command line. Nil fields are unset.
type Overrides struct {
	CacheDir *string
	Workers  *int
	TileSize *int64
	LogLevel *string
	Persist  *bool
}

// LoadInput holds the inputs of [Load].
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd; os.Getwd when empty
	ConfigPath      string            // -c/--config
	Overrides       Overrides         // CLI flags
	Env             map[string]string // environment
}

// Load loads configuration with the following precedence (highest wins):
// defaults, the global user config, the project config (.gridcalc.json),
// an explicit config file, CLI overrides.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if p := globalPath(input.Env); p != "" {
		f, loaded, err := loadFile(p, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, f)
			cfg.Sources.Global = p
		}
	}

	projectPath := filepath.Join(workDir, FileName)
	mustExist := false

	if input.ConfigPath != "" {
		projectPath = input.ConfigPath
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		mustExist = true

		if _, err := os.Stat(projectPath); err != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, input.ConfigPath)
		}
	}

	f, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = merge(cfg, f)
		cfg.Sources.Project = projectPath
	}

	o := input.Overrides
	cfg = merge(cfg, file{
		CacheDir: o.CacheDir,
		Workers:  o.Workers,
		TileSize: o.TileSize,
		LogLevel: o.LogLevel,
		Persist:  o.Persist,
	})

	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	if filepath.IsAbs(cfg.CacheDir) {
		cfg.CacheDirAbs = cfg.CacheDir
	} else {
		cfg.CacheDirAbs = filepath.Join(workDir, cfg.CacheDir)
	}

	return cfg, nil
}

func loadFile(path string, mustExist bool) (file, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if mustExist {
			return file{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return file{}, false, nil
	}

	f, err := parse(data)
	if err != nil {
		return file{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return f, true, nil
}

func parse(data []byte) (file, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return file{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var f file

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&f); err != nil {
		return file{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return f, nil
}

func merge(base Config, f file) Config {
	if f.CacheDir != nil {
		base.CacheDir = *f.CacheDir
	}

	if f.Workers != nil {
		base.Workers = *f.Workers
	}

	if f.TileSize != nil {
		base.TileSize = *f.TileSize
	}

	if f.LockTimeout != nil {
		base.LockTimeout = *f.LockTimeout
	}

	if f.LogLevel != nil {
		base.LogLevel = *f.LogLevel
	}

	if f.LogFormat != nil {
		base.LogFormat = *f.LogFormat
	}

	if f.Persist != nil {
		base.Persist = *f.Persist
	}

	return base
}

// Validate checks cfg and resolves its lock timeout.
func Validate(cfg *Config) error {
	if cfg.CacheDir == "" {
		return ErrCacheDirEmpty
	}

	if cfg.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, cfg.Workers)
	}

	if cfg.TileSize < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTileSize, cfg.TileSize)
	}

	d, err := time.ParseDuration(cfg.LockTimeout)
	if err != nil || d < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidLockTimeout, cfg.LockTimeout)
	}

	cfg.LockTimeoutDur = d

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, cfg.LogFormat)
	}

	return nil
}
