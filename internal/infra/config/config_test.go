package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Client.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Client.RequestTimeout)
	}
	if cfg.Client.Retries != 3 {
		t.Errorf("Retries = %d", cfg.Client.Retries)
	}
	if cfg.Client.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v", cfg.Client.CacheTTL)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8090" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  addr: ":9999"
client:
  retries: 5
  retry_delay: 2s
storage:
  driver: memory
logger:
  level: debug
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Client.Retries != 5 {
		t.Errorf("Retries = %d", cfg.Client.Retries)
	}
	if cfg.Client.RetryDelay != 2*time.Second {
		t.Errorf("RetryDelay = %v", cfg.Client.RetryDelay)
	}
	// Unset fields keep defaults.
	if cfg.Client.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.Client.RequestTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHUSEA_SERVER_ADDR", ":7070")
	t.Setenv("CHUSEA_LOGGER_LEVEL", "debug")
	t.Setenv("CHUSEA_CLIENT_RETRIES", "1")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Level = %q", cfg.Logger.Level)
	}
	if cfg.Client.Retries != 1 {
		t.Errorf("Retries = %d", cfg.Client.Retries)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }},
		{"zero timeout", func(c *Config) { c.Client.RequestTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Client.Retries = -1 }},
		{"bad level", func(c *Config) { c.Logger.Level = "loud" }},
		{"bad exporter", func(c *Config) { c.Tracer.Exporter = "jaeger" }},
		{"rate limit zero rpm", func(c *Config) { c.Server.RateLimit.RequestsPerMin = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
