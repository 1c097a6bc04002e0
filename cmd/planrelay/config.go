package main

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type config struct {
	Backend          string       `toml:"backend"`
	Collection       string       `toml:"collection"`
	Retention        duration     `toml:"mutation_retention"`
	Debounce         duration     `toml:"reorder_debounce"`
	MaxWriteAttempts int          `toml:"max_write_attempts"`
	WriteRetryDelay  duration     `toml:"write_retry_delay"`
	LogLevel         string       `toml:"log_level"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func defaultConfig() config {
	return config{
		Backend:    "memory://",
		Collection: "records",
		LogLevel:   "info",
	}
}

// loadConfig reads the TOML file when present, then applies PLANRELAY_*
// environment overrides on top.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("PLANRELAY_BACKEND")); v != "" {
		cfg.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("PLANRELAY_COLLECTION")); v != "" {
		cfg.Collection = v
	}
	if v := strings.TrimSpace(os.Getenv("PLANRELAY_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	cfg.Retention.Duration = durationEnv("PLANRELAY_MUTATION_RETENTION", cfg.Retention.Duration)
	cfg.Debounce.Duration = durationEnv("PLANRELAY_REORDER_DEBOUNCE", cfg.Debounce.Duration)
	cfg.WriteRetryDelay.Duration = durationEnv("PLANRELAY_WRITE_RETRY_DELAY", cfg.WriteRetryDelay.Duration)
	cfg.MaxWriteAttempts = intEnv("PLANRELAY_MAX_WRITE_ATTEMPTS", cfg.MaxWriteAttempts)
	return cfg, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
