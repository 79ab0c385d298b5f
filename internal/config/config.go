// Package config loads gateway configuration from environment variables
// layered over an optional YAML file, following the bind-address and
// provider-credential-envelope shape described for the gateway's external
// interface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderCredential names one upstream provider credential envelope.
type ProviderCredential struct {
	Name         string `yaml:"name"`
	Kind         string `yaml:"kind"` // "openai", "anthropic", "bedrock", "gemini", "compat"
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url,omitempty"`
	Region       string `yaml:"region,omitempty"`
	DefaultModel string `yaml:"default_model,omitempty"`
}

// Config is the gateway's fully resolved runtime configuration.
type Config struct {
	BindAddress string `yaml:"bind_address"`
	LogLevel    string `yaml:"log_level"`

	SpanStoreDriver string `yaml:"span_store_driver"` // "sqlite" or "postgres"
	SpanStoreDSN    string `yaml:"span_store_dsn"`

	RedisAddr string `yaml:"redis_addr"`

	Providers []ProviderCredential `yaml:"providers"`
	Routes    []RouteConfig        `yaml:"routes"`
	Models    []ModelConfig        `yaml:"models"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RouteConfig is the on-disk shape of a router.Route before compilation.
type RouteConfig struct {
	Name      string         `yaml:"name"`
	When      map[string]any `yaml:"when"`
	Model     string         `yaml:"model,omitempty"`
	AnyOf     []string       `yaml:"any_of,omitempty"`
	SortBy    string         `yaml:"sort_by,omitempty"`
	Ascending bool           `yaml:"ascending,omitempty"`
	Priority  int            `yaml:"priority,omitempty"`
}

// ModelConfig is the on-disk shape of one model catalog entry: the
// model's serving provider and its per-token-class pricing.
type ModelConfig struct {
	Name                  string  `yaml:"name"`
	Provider              string  `yaml:"provider"`
	InputPricePerMToken   float64 `yaml:"input_price_per_mtoken"`
	OutputPricePerMToken  float64 `yaml:"output_price_per_mtoken"`
	CachedInputPrice      float64 `yaml:"cached_input_price,omitempty"`
	CachedInputWritePrice float64 `yaml:"cached_input_write_price,omitempty"`
	SupportsStreaming     bool    `yaml:"supports_streaming"`
}

// Default returns the zero-config defaults used when neither a file nor
// environment overrides are present.
func Default() Config {
	return Config{
		BindAddress:     ":8080",
		LogLevel:        "info",
		SpanStoreDriver: "sqlite",
		SpanStoreDSN:    "file:gateway.db?cache=shared",
		RequestTimeout:  2 * time.Minute,
	}
}

// Load reads Config from an optional YAML file at path (skipped if path is
// empty or the file doesn't exist) and then applies environment variable
// overrides, which always win.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GATEWAY_SPAN_STORE_DRIVER"); v != "" {
		cfg.SpanStoreDriver = v
	}
	if v := os.Getenv("GATEWAY_SPAN_STORE_DSN"); v != "" {
		cfg.SpanStoreDSN = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("GATEWAY_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		}
	}

	// Provider credentials loaded individually so a deployment can supply
	// just OPENAI_API_KEY/ANTHROPIC_API_KEY without a config file at all.
	for _, p := range []struct {
		envKey string
		name   string
		kind   string
	}{
		{"OPENAI_API_KEY", "openai", "openai"},
		{"ANTHROPIC_API_KEY", "anthropic", "anthropic"},
		{"GEMINI_API_KEY", "gemini", "gemini"},
	} {
		if v := os.Getenv(p.envKey); v != "" {
			cfg.Providers = upsertCredential(cfg.Providers, ProviderCredential{
				Name: p.name, Kind: p.kind, APIKey: v,
			})
		}
	}
	if v := os.Getenv("BEDROCK_REGION"); v != "" {
		cfg.Providers = upsertCredential(cfg.Providers, ProviderCredential{
			Name: "bedrock", Kind: "bedrock", Region: v,
		})
	}
}

func upsertCredential(creds []ProviderCredential, c ProviderCredential) []ProviderCredential {
	for i, existing := range creds {
		if existing.Name == c.Name {
			creds[i] = c
			return creds
		}
	}
	return append(creds, c)
}

// ParseBool parses v with strconv.ParseBool, returning fallback when v is
// empty or not a valid boolean.
func ParseBool(v string, fallback bool) bool {
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
