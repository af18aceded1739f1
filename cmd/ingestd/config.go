package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "INGEST_"

// daemonConfig holds settings that belong to the process rather than the
// ingest service.
type daemonConfig struct {
	Addr          string
	DBDriver      string
	DBDSN         string
	StagingDir    string
	Queue         string
	QueueCapacity int
	CacheTTL      time.Duration
	LogLevel      string
	LogPretty     bool
	ShutdownGrace time.Duration
}

func loadDaemonConfig(getenv func(string) string) (daemonConfig, error) {
	cfg := daemonConfig{
		Addr:          envString(getenv, "ADDR", ":8080"),
		DBDriver:      envString(getenv, "DB_DRIVER", "sqlite3"),
		DBDSN:         envString(getenv, "DB_DSN", "file:ingest.db?cache=shared&_fk=1"),
		StagingDir:    envString(getenv, "STAGING_DIR", os.TempDir()),
		Queue:         strings.ToLower(envString(getenv, "QUEUE", queueMemory)),
		LogLevel:      envString(getenv, "LOG_LEVEL", "info"),
		QueueCapacity: 64,
		ShutdownGrace: 10 * time.Second,
	}
	var err error
	if cfg.Queue != queueMemory && cfg.Queue != queueGoJob {
		return daemonConfig{}, fmt.Errorf("INGEST_QUEUE: expected %s or %s, got %q", queueMemory, queueGoJob, cfg.Queue)
	}
	if cfg.QueueCapacity, err = envInt(getenv, "QUEUE_CAPACITY", cfg.QueueCapacity); err != nil {
		return daemonConfig{}, err
	}
	if cfg.CacheTTL, err = envDuration(getenv, "CACHE_TTL", 0); err != nil {
		return daemonConfig{}, err
	}
	if cfg.ShutdownGrace, err = envDuration(getenv, "SHUTDOWN_GRACE", cfg.ShutdownGrace); err != nil {
		return daemonConfig{}, err
	}
	if cfg.LogPretty, err = envBool(getenv, "LOG_PRETTY", false); err != nil {
		return daemonConfig{}, err
	}
	return cfg, nil
}

// serviceRawConfig maps INGEST_* variables onto the raw layer consumed by
// core.CfgxConfigProvider. Unset variables are left out so defaults apply.
func serviceRawConfig(getenv func(string) string) (map[string]any, error) {
	raw := map[string]any{}
	set := func(section, key string, value any) {
		if section == "" {
			raw[key] = value
			return
		}
		nested, _ := raw[section].(map[string]any)
		if nested == nil {
			nested = map[string]any{}
			raw[section] = nested
		}
		nested[key] = value
	}

	if value := envString(getenv, "SERVICE_NAME", ""); value != "" {
		set("", "service_name", value)
	}
	if value := envString(getenv, "SIGNATURE_SECRET", ""); value != "" {
		set("signature", "secret", value)
	}
	if value := envString(getenv, "SIGNATURE_HEADER", ""); value != "" {
		set("signature", "header", value)
	}
	if value := envString(getenv, "EVENT_TYPE_HEADER", ""); value != "" {
		set("delivery", "event_type_header", value)
	}
	if value := envString(getenv, "BACKFILL_REPORT_DIR", ""); value != "" {
		set("backfill", "report_dir", value)
	}

	ints := []struct{ env, section, key string }{
		{"DELIVERY_MAX_RETRIES", "delivery", "max_retries"},
		{"DEAD_LETTER_LIST_LIMIT", "dead_letter", "list_limit"},
		{"BACKFILL_BATCH_SIZE", "backfill", "batch_size"},
	}
	for _, entry := range ints {
		if envString(getenv, entry.env, "") == "" {
			continue
		}
		value, err := envInt(getenv, entry.env, 0)
		if err != nil {
			return nil, err
		}
		set(entry.section, entry.key, value)
	}

	durations := []struct{ env, section, key string }{
		{"DELIVERY_CLAIM_LEASE", "delivery", "claim_lease"},
		{"SIGNATURE_TOLERANCE", "signature", "tolerance"},
	}
	for _, entry := range durations {
		if envString(getenv, entry.env, "") == "" {
			continue
		}
		value, err := envDuration(getenv, entry.env, 0)
		if err != nil {
			return nil, err
		}
		set(entry.section, entry.key, value)
	}
	return raw, nil
}

func envString(getenv func(string) string, key, fallback string) string {
	if value := strings.TrimSpace(getenv(envPrefix + key)); value != "" {
		return value
	}
	return fallback
}

func envInt(getenv func(string) string, key string, fallback int) (int, error) {
	value := envString(getenv, key, "")
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s%s: invalid integer %q", envPrefix, key, value)
	}
	return parsed, nil
}

func envDuration(getenv func(string) string, key string, fallback time.Duration) (time.Duration, error) {
	value := envString(getenv, key, "")
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s%s: invalid duration %q", envPrefix, key, value)
	}
	return parsed, nil
}

func envBool(getenv func(string) string, key string, fallback bool) (bool, error) {
	value := envString(getenv, key, "")
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s%s: invalid boolean %q", envPrefix, key, value)
	}
	return parsed, nil
}
