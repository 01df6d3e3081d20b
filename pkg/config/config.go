package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitchvision/detectd/pkg/models"
)

// Duration wraps time.Duration so yaml values can be written as "30s"
// or "15m"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration value at line %d", value.Line)
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the detectd server configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Store     StoreConfig      `yaml:"store"`
	Provider  ProviderConfig   `yaml:"provider"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Logging   LoggingConfig    `yaml:"logging"`
	APIKeys   []CredentialSeed `yaml:"api_keys"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsPath string `yaml:"metrics_path"`
}

type StoreConfig struct {
	Type            string   `yaml:"type"` // memory, sqlite or postgres
	DSN             string   `yaml:"dsn"`
	Path            string   `yaml:"path"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

type ProviderConfig struct {
	// Timeout bounds every individual backend HTTP call
	Timeout   Duration             `yaml:"timeout"`
	Fallbacks []models.ModelConfig `yaml:"fallbacks"`
}

type SchedulerConfig struct {
	MaxConcurrent int      `yaml:"max_concurrent"`
	CheckInterval Duration `yaml:"check_interval"`
	PollInterval  Duration `yaml:"poll_interval"`
	MaxProcessing Duration `yaml:"max_processing"`
	BoostAfter    Duration `yaml:"boost_after"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CredentialSeed carries one API credential; only the bcrypt hash of
// the secret is stored on disk.
type CredentialSeed struct {
	OwnerID    string `yaml:"owner_id"`
	SecretHash string `yaml:"secret_hash"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8090",
			MetricsPath: "/metrics",
		},
		Store: StoreConfig{
			Type: "memory",
		},
		Provider: ProviderConfig{
			Timeout: Duration(30 * time.Second),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 3,
			CheckInterval: Duration(5 * time.Second),
			PollInterval:  Duration(5 * time.Second),
			MaxProcessing: Duration(30 * time.Minute),
			BoostAfter:    Duration(10 * time.Minute),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path over the defaults. A missing path
// yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql", "":
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	for i, fb := range c.Provider.Fallbacks {
		if !fb.Valid() {
			return fmt.Errorf("fallback %d: provider and model_id are required", i)
		}
	}
	for i, seed := range c.APIKeys {
		if seed.OwnerID == "" || seed.SecretHash == "" {
			return fmt.Errorf("api_keys[%d]: owner_id and secret_hash are required", i)
		}
	}
	return nil
}
