package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/opslog/internal/event"
	"github.com/fieldops/opslog/internal/resolve"
)

// writeConfig writes a TOML config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, Validate(cfg))

	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, "250ms", cfg.Sync.BackoffBase)
	assert.Equal(t, 512, cfg.Storage.ConflictQueueBound)
	assert.Equal(t, "info", cfg.Logging.LogLevel)

	// The built-in policy table covers the full kind enumeration.
	assert.Len(t, cfg.Policies, len(resolve.DefaultPolicies()))
	assert.Equal(t, "manual", cfg.Policies[string(event.KindIAPPublished)])
	assert.Equal(t, "domain:single_assignment", cfg.Policies[string(event.KindPositionAssigned)])
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[identity]
actor_id = "EMT-4411"
device_id = "laptop-1"

[sync]
max_attempts = 8
backoff_base = "1s"

[logging]
log_level = "debug"

[policies]
"facility.updated" = "fww"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "EMT-4411", cfg.Identity.ActorID)
	assert.Equal(t, "laptop-1", cfg.Identity.DeviceID)
	assert.Equal(t, 8, cfg.Sync.MaxAttempts)
	assert.Equal(t, "1s", cfg.Sync.BackoffBase)
	assert.Equal(t, "debug", cfg.Logging.LogLevel)

	// Values absent from the file keep their defaults.
	assert.Equal(t, "30s", cfg.Sync.BackoffCap)
	assert.Equal(t, 256, cfg.Sync.ParentBufferSize)

	// A policy override replaces the default for that kind only.
	assert.Equal(t, "fww", cfg.Policies[string(event.KindFacilityUpdated)])
	assert.Equal(t, "lww", cfg.Policies[string(event.KindFacilityClosed)])
}

func TestLoadUnknownKeySuggestion(t *testing.T) {
	path := writeConfig(t, `
[identity]
actor_idd = "EMT-4411"

[sync]
maks_attempts = 3
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"identity.actor_idd"`)
	assert.Contains(t, err.Error(), `did you mean "identity.actor_id"?`)
	assert.Contains(t, err.Error(), `did you mean "sync.max_attempts"?`)
}

func TestLoadUnknownKeyNoSuggestion(t *testing.T) {
	path := writeConfig(t, `
frobnicator = true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "frobnicator"`)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLoadCollectsValidationErrors(t *testing.T) {
	path := writeConfig(t, `
[storage]
conflict_queue_bound = 0

[sync]
max_attempts = 0
backoff_base = "soon"

[logging]
log_level = "verbose"
log_format = "yaml"
`)

	_, err := Load(path)
	require.Error(t, err)

	// Every problem is reported in one pass, not first-error-wins.
	assert.Contains(t, err.Error(), `sync.backoff_base: invalid duration "soon"`)
	assert.Contains(t, err.Error(), "sync.max_attempts must be at least 1, got 0")
	assert.Contains(t, err.Error(), "storage.conflict_queue_bound must be at least 1, got 0")
	assert.Contains(t, err.Error(), `got "verbose"`)
	assert.Contains(t, err.Error(), `got "yaml"`)
}

func TestLoadRejectsBadPolicies(t *testing.T) {
	t.Run("unknown kind", func(t *testing.T) {
		path := writeConfig(t, `
[policies]
"facility.demolished" = "lww"
`)

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown event kind "facility.demolished"`)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		path := writeConfig(t, `
[policies]
"facility.updated" = "newest-wins"
`)

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown strategy "newest-wins"`)
	})

	t.Run("domain policy missing merge name", func(t *testing.T) {
		path := writeConfig(t, `
[policies]
"position.assigned" = "domain:"
`)

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing merge name")
	})
}

func TestLoadOrDefault(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Sync, cfg.Sync)
		assert.Empty(t, cfg.Identity.ActorID)
	})

	t.Run("existing file is loaded", func(t *testing.T) {
		path := writeConfig(t, `
[identity]
actor_id = "EMT-4411"
device_id = "laptop-1"
`)

		cfg, err := LoadOrDefault(path)
		require.NoError(t, err)
		assert.Equal(t, "EMT-4411", cfg.Identity.ActorID)
	})
}

func TestResolve(t *testing.T) {
	path := writeConfig(t, `
[identity]
actor_id = "EMT-4411"
device_id = "laptop-1"

[storage]
state_dir = "/var/lib/opslog"

[sync]
remote_db = "/mnt/shared/authority.db"
backoff_base = "2s"
`)

	res, err := Resolve(EnvOverrides{}, CLIOverrides{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, "EMT-4411", res.ActorID)
	assert.Equal(t, "laptop-1", res.DeviceID)
	assert.Equal(t, "/var/lib/opslog", res.StateDir)
	assert.Equal(t, filepath.Join("/var/lib/opslog", "opslog.db"), res.DBPath)
	assert.Equal(t, "/mnt/shared/authority.db", res.RemoteDB)
	assert.Equal(t, 2*time.Second, res.BackoffBase)
	assert.Equal(t, 30*time.Second, res.BackoffCap)
	assert.Equal(t, 500*time.Millisecond, res.Debounce)
	assert.Equal(t, 30*time.Second, res.PollInterval)
	assert.Equal(t, 5*time.Minute, res.ParentTimeout)
	require.NotNil(t, res.Policies)

	policy, ok := res.Policies.Lookup(event.KindMetricIncremented)
	require.True(t, ok)
	assert.Equal(t, resolve.StrategyCRDT, policy.Strategy)
}

func TestResolvePrecedence(t *testing.T) {
	path := writeConfig(t, `
[identity]
actor_id = "file-actor"
device_id = "file-device"

[storage]
state_dir = "/from/file"
`)

	t.Run("environment overrides file", func(t *testing.T) {
		res, err := Resolve(EnvOverrides{
			ActorID:  "env-actor",
			StateDir: "/from/env",
		}, CLIOverrides{ConfigPath: path})
		require.NoError(t, err)

		assert.Equal(t, "env-actor", res.ActorID)
		assert.Equal(t, "file-device", res.DeviceID)
		assert.Equal(t, "/from/env", res.StateDir)
	})

	t.Run("flags override environment", func(t *testing.T) {
		stateDir := "/from/flag"
		remote := "/from/flag/authority.db"

		res, err := Resolve(EnvOverrides{
			ActorID:  "env-actor",
			StateDir: "/from/env",
		}, CLIOverrides{
			ConfigPath: path,
			ActorID:    "flag-actor",
			StateDir:   &stateDir,
			RemoteDB:   &remote,
		})
		require.NoError(t, err)

		assert.Equal(t, "flag-actor", res.ActorID)
		assert.Equal(t, "/from/flag", res.StateDir)
		assert.Equal(t, filepath.Join("/from/flag", "opslog.db"), res.DBPath)
		assert.Equal(t, "/from/flag/authority.db", res.RemoteDB)
	})

	t.Run("env config path yields to flag config path", func(t *testing.T) {
		other := writeConfig(t, `
[identity]
actor_id = "other-actor"
device_id = "other-device"

[storage]
state_dir = "/from/other"
`)

		res, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{ConfigPath: other})
		require.NoError(t, err)
		assert.Equal(t, "other-actor", res.ActorID)
	})
}

func TestResolveRequiresIdentity(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.toml")

	t.Run("actor", func(t *testing.T) {
		_, err := Resolve(EnvOverrides{DeviceID: "laptop-1"}, CLIOverrides{ConfigPath: missing})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "identity.actor_id, OPSLOG_ACTOR, or --actor")
	})

	t.Run("device", func(t *testing.T) {
		_, err := Resolve(EnvOverrides{ActorID: "EMT-4411"}, CLIOverrides{ConfigPath: missing})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "identity.device_id, OPSLOG_DEVICE, or --device")
	})
}

func TestResolveZeroConfig(t *testing.T) {
	// No config file at all: identity from flags, everything else defaulted.
	stateDir := t.TempDir()

	res, err := Resolve(EnvOverrides{}, CLIOverrides{
		ConfigPath: filepath.Join(stateDir, "nope.toml"),
		ActorID:    "EMT-4411",
		DeviceID:   "tablet-2",
		StateDir:   &stateDir,
	})
	require.NoError(t, err)

	assert.Equal(t, "EMT-4411", res.ActorID)
	assert.Equal(t, "tablet-2", res.DeviceID)
	assert.Equal(t, 5, res.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, res.BackoffBase)
	assert.Equal(t, 256, res.ParentBufferSize)
	assert.Equal(t, 512, res.ConflictQueueBound)
	assert.Empty(t, res.RemoteDB)
}

func TestReadEnv(t *testing.T) {
	t.Setenv("OPSLOG_CONFIG", "/tmp/cfg.toml")
	t.Setenv("OPSLOG_ACTOR", "EMT-4411")
	t.Setenv("OPSLOG_DEVICE", "laptop-1")
	t.Setenv("OPSLOG_STATE_DIR", "/tmp/state")

	env := ReadEnv()
	assert.Equal(t, "/tmp/cfg.toml", env.ConfigPath)
	assert.Equal(t, "EMT-4411", env.ActorID)
	assert.Equal(t, "laptop-1", env.DeviceID)
	assert.Equal(t, "/tmp/state", env.StateDir)
}

func TestClosestMatch(t *testing.T) {
	assert.Equal(t, "sync.debounce", closestMatch("sync.debouce", knownKeysList))
	assert.Equal(t, "logging.log_level", closestMatch("logging.log_lvl", knownKeysList))
	assert.Empty(t, closestMatch("totally.unrelated_section_name", knownKeysList))
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("abc", "abc"))
	assert.Equal(t, 3, levenshtein("", "abc"))
	assert.Equal(t, 1, levenshtein("actor_id", "actor_idd"))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
}
