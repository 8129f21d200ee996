package config

import "os"

// EnvOverrides holds values read from OPSLOG_* environment variables.
// Environment sits between the config file and CLI flags in precedence.
type EnvOverrides struct {
	ConfigPath string // OPSLOG_CONFIG
	ActorID    string // OPSLOG_ACTOR
	DeviceID   string // OPSLOG_DEVICE
	StateDir   string // OPSLOG_STATE_DIR
}

// ReadEnv captures the supported environment overrides.
func ReadEnv() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv("OPSLOG_CONFIG"),
		ActorID:    os.Getenv("OPSLOG_ACTOR"),
		DeviceID:   os.Getenv("OPSLOG_DEVICE"),
		StateDir:   os.Getenv("OPSLOG_STATE_DIR"),
	}
}
