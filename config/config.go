// Package config loads engine configuration from defaults, an optional YAML
// file, and RIVULET_-prefixed environment variables, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	BackendPebble = "pebble"
	BackendMemory = "memory"

	ScopeKey    = "key"
	ScopeGlobal = "global"
)

type Config struct {
	// ApplicationID scopes consumer group and changelog topic names.
	ApplicationID string   `koanf:"application_id"`
	Brokers       []string `koanf:"brokers"`
	StateDir      string   `koanf:"state_dir"`

	// Commit triggers; whichever fires first starts a checkpoint cycle.
	CommitInterval time.Duration `koanf:"commit_interval"`
	CommitRecords  int           `koanf:"commit_records"`

	StoreBackend         string        `koanf:"store_backend"`
	ChangelogReplication int16         `koanf:"changelog_replication"`
	ChangelogRetention   time.Duration `koanf:"changelog_retention"`

	// WindowGrace is the default grace period for window definitions built
	// without an explicit one.
	WindowGrace time.Duration `koanf:"window_grace"`
	// WatermarkScope decides whether each key's windows close against the
	// key's own maximum timestamp or the partition-wide one.
	WatermarkScope string `koanf:"watermark_scope"`
	// SweepInterval enables the timer-driven window sweep when positive.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// DeadLetterTopic receives records that fail deserialization. Empty
	// means fail fast instead.
	DeadLetterTopic string `koanf:"dead_letter_topic"`

	RecoveryTimeout time.Duration `koanf:"recovery_timeout"`
	MaxPollRecords  int           `koanf:"max_poll_records"`
}

func Default() Config {
	return Config{
		Brokers:              []string{"localhost:9092"},
		StateDir:             "data",
		CommitInterval:       30 * time.Second,
		CommitRecords:        10_000,
		StoreBackend:         BackendPebble,
		ChangelogReplication: 1,
		WindowGrace:          10 * time.Second,
		WatermarkScope:       ScopeKey,
		RecoveryTimeout:      30 * time.Minute,
		MaxPollRecords:       1_000,
	}
}

// Load reads configuration from path (skipped when empty or missing) and the
// environment on top of the defaults.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := loadEnv(k); err != nil {
		return Config{}, err
	}
	return unmarshal(k)
}

// LoadBytes parses YAML configuration directly, for tests and embedding.
func LoadBytes(b []byte) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(b), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return unmarshal(k)
}

func loadEnv(k *koanf.Koanf) error {
	// RIVULET_COMMIT_INTERVAL -> commit_interval
	err := k.Load(env.Provider("RIVULET_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "RIVULET_"))
	}), nil)
	if err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	return nil
}

func unmarshal(k *koanf.Koanf) (Config, error) {
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ApplicationID == "" {
		return fmt.Errorf("application_id is required")
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	if c.CommitInterval <= 0 && c.CommitRecords <= 0 {
		return fmt.Errorf("at least one commit trigger must be enabled")
	}
	switch c.StoreBackend {
	case BackendPebble, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.WatermarkScope {
	case ScopeKey, ScopeGlobal:
	default:
		return fmt.Errorf("unknown watermark scope %q", c.WatermarkScope)
	}
	if c.StoreBackend == BackendPebble && c.StateDir == "" {
		return fmt.Errorf("state_dir is required for the pebble backend")
	}
	return nil
}
