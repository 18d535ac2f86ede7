// Package config loads the description of a levlend deployment: tokens,
// genesis balances, oracle prices, lending reserves, swap venues, leverage
// markets and the service settings around them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultService               = "levlend"
	DefaultListen                = ":8645"
	DefaultRequestTimeoutSeconds = 10
	DefaultRequestsPerMinute     = 120
	DefaultBurst                 = 30
)

// Load reads a TOML or YAML file, chosen by extension, applies defaults and
// validates the result. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path required")
	}
	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %q", path, undecoded[0].String())
		}
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", ext)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Service = strings.TrimSpace(c.Service)
	if c.Service == "" {
		c.Service = DefaultService
	}
	c.Environment = strings.TrimSpace(c.Environment)
	c.Server.Listen = strings.TrimSpace(c.Server.Listen)
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		c.Server.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}
	if c.Server.RateLimit.RequestsPerMinute <= 0 {
		c.Server.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = DefaultBurst
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
}

// Save writes cfg to path in the format its extension selects.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return toml.NewEncoder(f).Encode(cfg)
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(f)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}
}

// AuthSecret returns the HMAC secret, preferring the environment variable
// named by HMACSecretEnv when it is set.
func (a Auth) AuthSecret() string {
	if env := strings.TrimSpace(a.HMACSecretEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(a.HMACSecret)
}
