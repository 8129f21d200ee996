package config

import (
	"github.com/fieldops/opslog/internal/resolve"
)

// Default sync tuning. Disaster-site networks are intermittent; the
// backoff cap keeps a flapping link from pinning retries at seconds-scale
// intervals while still converging quickly after a short outage.
const (
	defaultMaxAttempts      = 5
	defaultBackoffBase      = "250ms"
	defaultBackoffCap       = "30s"
	defaultDebounce         = "500ms"
	defaultPollInterval     = "30s"
	defaultParentBufferSize = 256
	defaultParentTimeout    = "5m"
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
)

// DefaultConfig returns a Config populated with all default values,
// including the built-in conflict policy table. Identity has no default:
// actor and device must come from the file, environment, or flags.
func DefaultConfig() *Config {
	policies := make(map[string]string)
	for kind, policy := range resolve.DefaultPolicies() {
		policies[string(kind)] = policy.String()
	}

	return &Config{
		Storage: StorageConfig{
			StateDir:           DefaultDataDir(),
			ConflictQueueBound: 512,
		},
		Sync: SyncConfig{
			MaxAttempts:      defaultMaxAttempts,
			BackoffBase:      defaultBackoffBase,
			BackoffCap:       defaultBackoffCap,
			Debounce:         defaultDebounce,
			PollInterval:     defaultPollInterval,
			ParentBufferSize: defaultParentBufferSize,
			ParentTimeout:    defaultParentTimeout,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Policies: policies,
	}
}
