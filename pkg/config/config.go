// Package config loads service configuration from environment variables and
// the YAML policy file.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds service configuration.
type Config struct {
	LogLevel       string
	HMACSecret     string
	DevMode        bool
	WorkspaceRoot  string
	EvictionRoot   string
	StatePath      string
	AuditPath      string
	PolicyPath     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	SealSnapshots  bool
	ToolTimeoutSec int
}

// Load reads configuration from environment variables. PHYLACTERY_SECRET is
// the only required value; everything else has a local-development default.
func Load() (*Config, error) {
	secret := os.Getenv("PHYLACTERY_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("config: PHYLACTERY_SECRET is required")
	}

	cfg := &Config{
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		HMACSecret:     secret,
		DevMode:        os.Getenv("PHYLACTERY_DEV_MODE") == "true",
		WorkspaceRoot:  envOr("PHYLACTERY_WORKSPACE", "./workspace"),
		EvictionRoot:   envOr("PHYLACTERY_EVICTION_ROOT", "./evicted"),
		StatePath:      envOr("PHYLACTERY_STATE_PATH", "./phylactery.db"),
		AuditPath:      envOr("PHYLACTERY_AUDIT_PATH", "./audit.jsonl"),
		PolicyPath:     envOr("PHYLACTERY_POLICY_PATH", "./policy.yaml"),
		RedisAddr:      os.Getenv("PHYLACTERY_REDIS_ADDR"),
		RedisPassword:  os.Getenv("PHYLACTERY_REDIS_PASSWORD"),
		SealSnapshots:  os.Getenv("PHYLACTERY_SEAL_SNAPSHOTS") == "true",
		ToolTimeoutSec: 30,
	}

	if v := os.Getenv("PHYLACTERY_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: PHYLACTERY_REDIS_DB: %w", err)
		}
		cfg.RedisDB = db
	}
	if v := os.Getenv("PHYLACTERY_TOOL_TIMEOUT_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("config: PHYLACTERY_TOOL_TIMEOUT_SEC: invalid value %q", v)
		}
		cfg.ToolTimeoutSec = sec
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
