package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/resolve"
)

// Validate checks structural correctness of a parsed Config: durations
// parse, bounds are positive, the log level is known, and the policy
// table is complete over the kind enumeration. Identity is checked later,
// in Resolve, because flags and environment may still supply it.
func Validate(cfg *Config) error {
	var errs []error

	for _, d := range []struct {
		key string
		val string
	}{
		{"sync.backoff_base", cfg.Sync.BackoffBase},
		{"sync.backoff_cap", cfg.Sync.BackoffCap},
		{"sync.debounce", cfg.Sync.Debounce},
		{"sync.poll_interval", cfg.Sync.PollInterval},
		{"sync.parent_timeout", cfg.Sync.ParentTimeout},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", d.key, d.val))
		}
	}

	if cfg.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.max_attempts must be at least 1, got %d", cfg.Sync.MaxAttempts))
	}

	if cfg.Sync.ParentBufferSize < 1 {
		errs = append(errs, fmt.Errorf("sync.parent_buffer_size must be at least 1, got %d", cfg.Sync.ParentBufferSize))
	}

	if cfg.Storage.ConflictQueueBound < 1 {
		errs = append(errs, fmt.Errorf("storage.conflict_queue_bound must be at least 1, got %d", cfg.Storage.ConflictQueueBound))
	}

	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level must be debug, info, warn, or error, got %q", cfg.Logging.LogLevel))
	}

	switch cfg.Logging.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format must be text or json, got %q", cfg.Logging.LogFormat))
	}

	if _, err := PolicyTable(cfg); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// PolicyTable parses and validates the [policies] section into a frozen
// resolution table. Every event kind must be covered and every strategy
// must be well formed; an incomplete table is a startup error, never a
// runtime fallback.
func PolicyTable(cfg *Config) (*resolve.Table, error) {
	policies := make(map[event.Kind]resolve.Policy, len(cfg.Policies))

	for rawKind, rawPolicy := range cfg.Policies {
		kind := event.Kind(rawKind)
		if !event.KnownKind(kind) {
			return nil, fmt.Errorf("policies: unknown event kind %q", rawKind)
		}

		policy, err := resolve.ParsePolicy(rawPolicy)
		if err != nil {
			return nil, fmt.Errorf("policies: kind %s: %w", kind, err)
		}

		policies[kind] = policy
	}

	return resolve.NewTable(policies)
}
