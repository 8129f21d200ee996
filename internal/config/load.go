package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/fieldops/opslog/internal/resolve"
)

// Resolved is the fully merged and validated configuration the rest of
// the program consumes: identity pinned, durations parsed, policy table
// frozen.
type Resolved struct {
	ActorID  string
	DeviceID string

	StateDir           string
	DBPath             string
	ConflictQueueBound int

	RemoteDB         string
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	Debounce         time.Duration
	PollInterval     time.Duration
	ParentBufferSize int
	ParentTimeout    time.Duration

	LogLevel  string
	LogFormat string

	Policies *resolve.Table
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values. This supports the zero-config
// first run: identity comes from flags or environment and everything else
// from defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
// CLI flags always win, matching user expectations for one-off overrides
// without editing the config file.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	resolved := &Resolved{
		ActorID:            cfg.Identity.ActorID,
		DeviceID:           cfg.Identity.DeviceID,
		StateDir:           cfg.Storage.StateDir,
		ConflictQueueBound: cfg.Storage.ConflictQueueBound,
		RemoteDB:           cfg.Sync.RemoteDB,
		MaxAttempts:        cfg.Sync.MaxAttempts,
		ParentBufferSize:   cfg.Sync.ParentBufferSize,
		LogLevel:           cfg.Logging.LogLevel,
		LogFormat:          cfg.Logging.LogFormat,
	}

	// Durations were validated during Load; re-parse errors are impossible
	// for file-sourced values and caught below for default-sourced ones.
	resolved.BackoffBase, _ = time.ParseDuration(cfg.Sync.BackoffBase)
	resolved.BackoffCap, _ = time.ParseDuration(cfg.Sync.BackoffCap)
	resolved.Debounce, _ = time.ParseDuration(cfg.Sync.Debounce)
	resolved.PollInterval, _ = time.ParseDuration(cfg.Sync.PollInterval)
	resolved.ParentTimeout, _ = time.ParseDuration(cfg.Sync.ParentTimeout)

	if env.ActorID != "" {
		resolved.ActorID = env.ActorID
	}

	if env.DeviceID != "" {
		resolved.DeviceID = env.DeviceID
	}

	if env.StateDir != "" {
		resolved.StateDir = env.StateDir
	}

	if cli.ActorID != "" {
		resolved.ActorID = cli.ActorID
	}

	if cli.DeviceID != "" {
		resolved.DeviceID = cli.DeviceID
	}

	if cli.StateDir != nil {
		resolved.StateDir = *cli.StateDir
	}

	if cli.RemoteDB != nil {
		resolved.RemoteDB = *cli.RemoteDB
	}

	if resolved.ActorID == "" {
		return nil, errors.New("config: actor id is required (identity.actor_id, OPSLOG_ACTOR, or --actor)")
	}

	if resolved.DeviceID == "" {
		return nil, errors.New("config: device id is required (identity.device_id, OPSLOG_DEVICE, or --device)")
	}

	if resolved.StateDir == "" {
		return nil, errors.New("config: could not determine a state directory")
	}

	resolved.DBPath = filepath.Join(resolved.StateDir, "opslog.db")

	table, err := PolicyTable(cfg)
	if err != nil {
		return nil, err
	}

	resolved.Policies = table

	return resolved, nil
}
