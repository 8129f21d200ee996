// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for opslog. It supports a three-layer
// override chain (defaults -> config file -> environment -> CLI flags) and
// treats unknown keys as fatal with "did you mean?" suggestions.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Identity IdentityConfig    `toml:"identity"`
	Storage  StorageConfig     `toml:"storage"`
	Sync     SyncConfig        `toml:"sync"`
	Logging  LoggingConfig     `toml:"logging"`
	Policies map[string]string `toml:"policies"`
}

// IdentityConfig names who this installation writes events as. ActorID is
// the responder, DeviceID the physical device; both ride on every event
// and feed deterministic conflict tie-breaking, so they must be stable
// across restarts.
type IdentityConfig struct {
	ActorID  string `toml:"actor_id"`
	DeviceID string `toml:"device_id"`
}

// StorageConfig controls the local database.
type StorageConfig struct {
	StateDir           string `toml:"state_dir"`
	ConflictQueueBound int    `toml:"conflict_queue_bound"`
}

// SyncConfig tunes the sync manager: retry budget, backoff shape, the
// debounce window before a push, the watch-mode poll cadence, and the
// awaiting-parent buffer. Durations are strings in Go duration syntax
// ("500ms", "30s").
type SyncConfig struct {
	RemoteDB         string `toml:"remote_db"`
	MaxAttempts      int    `toml:"max_attempts"`
	BackoffBase      string `toml:"backoff_base"`
	BackoffCap       string `toml:"backoff_cap"`
	Debounce         string `toml:"debounce"`
	PollInterval     string `toml:"poll_interval"`
	ParentBufferSize int    `toml:"parent_buffer_size"`
	ParentTimeout    string `toml:"parent_timeout"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	ActorID    string // --actor flag
	DeviceID   string // --device flag
	StateDir   *string
	RemoteDB   *string
}
