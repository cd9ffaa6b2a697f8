package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("5s", "300ms") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Config represents the global ~/.msgsync/config.toml.
type Config struct {
	DefaultProfile string             `toml:"default_profile"`
	Remote         RemoteConfig       `toml:"remote"`
	Sync           SyncConfig         `toml:"sync"`
	Presence       PresenceConfig     `toml:"presence"`
	Connectivity   ConnectivityConfig `toml:"connectivity"`
	NATS           NATSConfig         `toml:"nats"`
	Metrics        MetricsConfig      `toml:"metrics"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type RemoteConfig struct {
	Backend       string `toml:"backend"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

type SyncConfig struct {
	MaxRetries   int        `toml:"max_retries"`
	Backoff      []Duration `toml:"backoff"`
	PollInterval Duration   `toml:"poll_interval"`
}

type PresenceConfig struct {
	Debounce Duration `toml:"debounce"`
	Grace    Duration `toml:"grace"`
	LeaseTTL Duration `toml:"lease_ttl"`
}

// ConnectivityConfig controls the reachability prober. An empty ProbeAddr
// disables probing and the device is treated as online.
type ConnectivityConfig struct {
	ProbeAddr     string   `toml:"probe_addr"`
	ProbeInterval Duration `toml:"probe_interval"`
}

// NATSConfig enables the event bridge when URL is set.
type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "default",
		Remote:         RemoteConfig{Backend: BackendMemory, RedisAddr: "127.0.0.1:6379"},
		Sync: SyncConfig{
			MaxRetries:   3,
			Backoff:      []Duration{{0}, {5 * time.Second}, {15 * time.Second}},
			PollInterval: Duration{30 * time.Second},
		},
		Presence: PresenceConfig{
			Debounce: Duration{300 * time.Millisecond},
			Grace:    Duration{30 * time.Second},
			LeaseTTL: Duration{30 * time.Second},
		},
		Connectivity: ConnectivityConfig{ProbeInterval: Duration{10 * time.Second}},
		NATS:         NATSConfig{SubjectPrefix: "msgsync"},
	}
}

// WithDefaults fills every unset field from Default.
func (c *Config) WithDefaults() *Config {
	d := Default()
	out := *c
	if out.DefaultProfile == "" {
		out.DefaultProfile = d.DefaultProfile
	}
	if out.Remote.Backend == "" {
		out.Remote.Backend = d.Remote.Backend
	}
	if out.Remote.RedisAddr == "" {
		out.Remote.RedisAddr = d.Remote.RedisAddr
	}
	if out.Sync.MaxRetries <= 0 {
		out.Sync.MaxRetries = d.Sync.MaxRetries
	}
	if len(out.Sync.Backoff) == 0 {
		out.Sync.Backoff = d.Sync.Backoff
	}
	if out.Sync.PollInterval.Duration <= 0 {
		out.Sync.PollInterval = d.Sync.PollInterval
	}
	if out.Presence.Debounce.Duration <= 0 {
		out.Presence.Debounce = d.Presence.Debounce
	}
	if out.Presence.Grace.Duration <= 0 {
		out.Presence.Grace = d.Presence.Grace
	}
	if out.Presence.LeaseTTL.Duration <= 0 {
		out.Presence.LeaseTTL = d.Presence.LeaseTTL
	}
	if out.Connectivity.ProbeInterval.Duration <= 0 {
		out.Connectivity.ProbeInterval = d.Connectivity.ProbeInterval
	}
	if out.NATS.SubjectPrefix == "" {
		out.NATS.SubjectPrefix = d.NATS.SubjectPrefix
	}
	return &out
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.Remote.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("remote.backend: unknown backend %q", c.Remote.Backend)
	}
	for i, b := range c.Sync.Backoff {
		if b.Duration < 0 {
			return fmt.Errorf("sync.backoff[%d]: negative duration", i)
		}
	}
	return nil
}

// BackoffDurations returns the backoff table as plain durations.
func (s SyncConfig) BackoffDurations() []time.Duration {
	out := make([]time.Duration, len(s.Backoff))
	for i, b := range s.Backoff {
		out[i] = b.Duration
	}
	return out
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads path with defaults applied, or returns Default when
// the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg = cfg.WithDefaults()
	return cfg, cfg.Validate()
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
