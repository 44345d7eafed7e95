package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Client       ClientConfig       `yaml:"client"`
	Storage      StorageConfig      `yaml:"storage"`
	Auth         AuthConfig         `yaml:"auth"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
}

// ServerConfig holds gateway server settings.
type ServerConfig struct {
	Addr      string          `yaml:"addr"`
	Tokens    []TokenConfig   `yaml:"tokens,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Provider  ProviderConfig  `yaml:"provider"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// RateLimitConfig holds per-IP token bucket settings for the gateway.
type RateLimitConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	BurstSize      int      `yaml:"burst_size"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// ProviderConfig selects the assistant provider backing the gateway.
type ProviderConfig struct {
	Name       string        `yaml:"name"`  // "scripted" is the only built-in
	Model      string        `yaml:"model"` // reported in responses
	ChunkDelay time.Duration `yaml:"chunk_delay,omitempty"`
}

// ClientConfig holds SDK-side settings: the correlator and the REST client.
type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // per AI request
	Retries        int           `yaml:"retries"`         // REST attempts beyond the first
	RetryDelay     time.Duration `yaml:"retry_delay"`     // base backoff delay
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CacheMaxSize   int           `yaml:"cache_max_size"` // entry count bound
	Breaker        BreakerConfig `yaml:"breaker"`
	ConnTimeout    time.Duration `yaml:"conn_timeout"`
	RespTimeout    time.Duration `yaml:"resp_timeout"`
}

// BreakerConfig configures the correlator's circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"` // consecutive failures before the circuit opens
	Timeout     time.Duration `yaml:"timeout"`      // open-state duration before half-open
	Interval    time.Duration `yaml:"interval"`     // closed-state cycle for clearing counts
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`   // sqlite file path
}

// AuthConfig holds client-side credential persistence settings.
// The encryption passphrase is read from the CHUSEA_AUTH_KEY env var.
type AuthConfig struct {
	TokenPath    string        `yaml:"token_path"`
	RefreshAhead time.Duration `yaml:"refresh_ahead"` // refresh this long before expiry
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// HousekeepingConfig holds janitor settings.
type HousekeepingConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Schedule           string        `yaml:"schedule"` // cron spec, e.g. "@every 1m"
	ConversationMaxAge time.Duration `yaml:"conversation_max_age"`
}

// defaultDataDir returns the persistent data directory under $HOME/.chusea.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".chusea")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr: ":8090",
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: 120,
				BurstSize:      30,
			},
			Provider: ProviderConfig{
				Name:  "scripted",
				Model: "chusea-drafter",
			},
		},
		Client: ClientConfig{
			BaseURL:        "http://localhost:8090",
			WSURL:          "ws://localhost:8090/ws",
			RequestTimeout: 30 * time.Second,
			Retries:        3,
			RetryDelay:     time.Second,
			CacheTTL:       5 * time.Minute,
			CacheMaxSize:   512,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			ConnTimeout: 30 * time.Second,
			RespTimeout: 120 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   filepath.Join(dataDir, "chusea.db"),
		},
		Auth: AuthConfig{
			TokenPath:    filepath.Join(dataDir, "tokens.bin"),
			RefreshAhead: 2 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Housekeeping: HousekeepingConfig{
			Enabled:            true,
			Schedule:           "@every 1m",
			ConversationMaxAge: 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file is not an error; defaults plus overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies CHUSEA_* environment variables on top of cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHUSEA_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHUSEA_CLIENT_BASE_URL"); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := os.Getenv("CHUSEA_CLIENT_WS_URL"); v != "" {
		cfg.Client.WSURL = v
	}
	if v := os.Getenv("CHUSEA_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("CHUSEA_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CHUSEA_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHUSEA_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHUSEA_TRACER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracer.Enabled = b
		}
	}
	if v := os.Getenv("CHUSEA_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CHUSEA_CLIENT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Client.Retries = n
		}
	}
}

// Validate checks cfg for values that cannot work at runtime.
func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	switch cfg.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver %q: must be sqlite or memory", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path must be set for the sqlite driver")
	}
	if cfg.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be positive")
	}
	if cfg.Client.Retries < 0 {
		return fmt.Errorf("client.retries must not be negative")
	}
	if cfg.Client.RetryDelay <= 0 {
		return fmt.Errorf("client.retry_delay must be positive")
	}
	if cfg.Client.CacheMaxSize < 0 {
		return fmt.Errorf("client.cache_max_size must not be negative")
	}
	switch cfg.Logger.Level {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("logger.level %q: unknown level", cfg.Logger.Level)
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		return fmt.Errorf("tracer.exporter %q: must be stdout or noop", cfg.Tracer.Exporter)
	}
	if cfg.Server.RateLimit.Enabled {
		if cfg.Server.RateLimit.RequestsPerMin <= 0 {
			return fmt.Errorf("server.rate_limit.requests_per_min must be positive")
		}
		if cfg.Server.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("server.rate_limit.burst_size must be positive")
		}
	}
	return nil
}
