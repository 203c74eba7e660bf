// Package config loads the firewall's configuration from a YAML file,
// applies the spec's environment-variable overrides, and validates the
// result before anything downstream reads it. Load follows the teacher's
// four-phase shape: defaults, then YAML, then environment, then validate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the prompt firewall.
type Config struct {
	Control    ControlConfig    `yaml:"control"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Patterns   PatternsConfig   `yaml:"patterns"`
	Policy     PolicyConfig     `yaml:"policy"`
	Semantic   SemanticConfig   `yaml:"semantic"`
	Cache      CacheConfig      `yaml:"cache"`
	Sink       SinkConfig       `yaml:"sink"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Forwarder  ForwarderConfig  `yaml:"forwarder"`
}

// ControlConfig holds the ambient HTTP control surface's settings.
type ControlConfig struct {
	Listen  string            `yaml:"listen"`
	Enabled bool              `yaml:"enabled"`
	Auth    ControlAuthConfig `yaml:"auth"`
}

// ControlAuthConfig holds control API authentication settings.
type ControlAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// PatternsConfig points at the pattern catalogue PatternProvider loads.
type PatternsConfig struct {
	File string `yaml:"file"`
}

// PolicyConfig points at the policy set PolicyProvider loads.
type PolicyConfig struct {
	Dir         string `yaml:"dir"`          // directory of one YAML file per policy_id
	DefaultOnly bool   `yaml:"default_only"` // skip Dir, serve only the baked-in default policy
}

// SemanticConfig holds the semantic detector's vector index, default match
// threshold, and embedder selection (spec §4.2: a HashEmbedder or a
// RemoteEmbedder, both satisfying the same Embedder interface).
type SemanticConfig struct {
	VectorFile string          `yaml:"vector_file"`
	Threshold  float64         `yaml:"threshold"` // SEMANTIC_THRESHOLD
	Embedding  EmbeddingConfig `yaml:"embedding"`
}

// EmbeddingConfig selects which Embedder implementation the semantic
// detector uses.
type EmbeddingConfig struct {
	Kind     string `yaml:"kind"` // "hash" (default) or "remote"
	Endpoint string `yaml:"endpoint"`
}

// CacheConfig holds the two-tier result cache's sizing and TTLs.
type CacheConfig struct {
	L1Size int           `yaml:"l1_size"` // CACHE_L1_SIZE
	L1TTL  time.Duration `yaml:"l1_ttl"`  // CACHE_TTL_L1
	L2TTL  time.Duration `yaml:"l2_ttl"`  // CACHE_TTL_L2
	Redis  RedisConfig   `yaml:"redis"`
}

// RedisConfig holds L2 cache Redis connection configuration.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SinkConfig holds the detection sink's storage settings.
type SinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite database path
}

// PipelineConfig holds the fan-out deadline and input size limits.
type PipelineConfig struct {
	DeadlineMS     int `yaml:"deadline_ms"`      // DEADLINE_MS
	MaxPromptBytes int `yaml:"max_prompt_bytes"` // MAX_PROMPT_BYTES
	MaxBatchSize   int `yaml:"max_batch_size"`   // MAX_BATCH_SIZE
}

// ForwarderConfig holds the optional cmd-level forward-on-allow wiring
// (spec §2 [DOMAIN] Forwarder, outside the core).
type ForwarderConfig struct {
	Enabled  bool                     `yaml:"enabled"`
	Backends map[string]BackendConfig `yaml:"backends"`
}

// BackendConfig defines a single downstream backend the Forwarder may
// route an allowed prompt to.
type BackendConfig struct {
	URL     string   `yaml:"url"`
	Models  []string `yaml:"models"` // glob patterns: ["gpt-*", "claude-*"]
	Default bool     `yaml:"default"`
}

// Load reads and parses the configuration file, falling back to defaults
// if it does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.applyEnvOverrides()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with sensible default values.
func defaults() *Config {
	return &Config{
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "promptfirewall",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Patterns: PatternsConfig{
			File: "config/patterns.yaml",
		},
		Policy: PolicyConfig{
			Dir:         "config/policies",
			DefaultOnly: false,
		},
		Semantic: SemanticConfig{
			VectorFile: "config/vectors.yaml",
			Threshold:  0.85,
			Embedding: EmbeddingConfig{
				Kind: "hash",
			},
		},
		Cache: CacheConfig{
			L1Size: 1000,
			L1TTL:  5 * time.Minute,
			L2TTL:  time.Hour,
			Redis: RedisConfig{
				Enabled:   false,
				Addr:      "localhost:6379",
				DB:        0,
				KeyPrefix: "promptfirewall:cache:",
			},
		},
		Sink: SinkConfig{
			Enabled: false,
			Path:    "data/promptfirewall.db",
		},
		Pipeline: PipelineConfig{
			DeadlineMS:     150,
			MaxPromptBytes: 65536,
			MaxBatchSize:   100,
		},
		Forwarder: ForwarderConfig{
			Enabled: false,
		},
	}
}

// applyEnvOverrides applies the spec's environment variable overrides,
// plus the ambient PROMPTFIREWALL_* overrides for everything else.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CACHE_TTL_L1"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.L1TTL = d
		}
	}
	if v := os.Getenv("CACHE_TTL_L2"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.L2TTL = d
		}
	}
	if v := os.Getenv("CACHE_L1_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cache.L1Size = n
		}
	}
	if v := os.Getenv("SEMANTIC_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Semantic.Threshold = f
		}
	}
	if v := os.Getenv("PROMPTFIREWALL_EMBEDDING_KIND"); v != "" {
		c.Semantic.Embedding.Kind = v
	}
	if v := os.Getenv("PROMPTFIREWALL_EMBEDDING_ENDPOINT"); v != "" {
		c.Semantic.Embedding.Endpoint = v
		c.Semantic.Embedding.Kind = "remote"
	}
	if v := os.Getenv("DEADLINE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.DeadlineMS = n
		}
	}
	if v := os.Getenv("MAX_PROMPT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.MaxPromptBytes = n
		}
	}
	if v := os.Getenv("MAX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.MaxBatchSize = n
		}
	}

	if v := os.Getenv("PROMPTFIREWALL_CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}
	if v := os.Getenv("PROMPTFIREWALL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if os.Getenv("PROMPTFIREWALL_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("PROMPTFIREWALL_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("PROMPTFIREWALL_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	// Also support standard OTEL env vars, as the teacher does.
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	if os.Getenv("PROMPTFIREWALL_SINK_ENABLED") == "true" {
		c.Sink.Enabled = true
	}
	if v := os.Getenv("PROMPTFIREWALL_SINK_PATH"); v != "" {
		c.Sink.Path = v
	}

	if os.Getenv("PROMPTFIREWALL_CACHE_REDIS_ENABLED") == "true" {
		c.Cache.Redis.Enabled = true
	}
	if v := os.Getenv("PROMPTFIREWALL_CACHE_REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
		c.Cache.Redis.Enabled = true
	}
	if v := os.Getenv("PROMPTFIREWALL_CACHE_REDIS_PASSWORD"); v != "" {
		c.Cache.Redis.Password = v
	}

	if os.Getenv("PROMPTFIREWALL_CONTROL_AUTH_ENABLED") == "true" {
		c.Control.Auth.Enabled = true
	}
	if v := os.Getenv("PROMPTFIREWALL_CONTROL_API_KEY"); v != "" {
		c.Control.Auth.APIKey = v
		c.Control.Auth.Enabled = true
	}
}

// validate checks that the configuration is internally consistent.
func (c *Config) validate() error {
	if c.Pipeline.DeadlineMS <= 0 {
		return fmt.Errorf("pipeline deadline_ms must be positive")
	}
	if c.Pipeline.MaxPromptBytes <= 0 {
		return fmt.Errorf("pipeline max_prompt_bytes must be positive")
	}
	if c.Pipeline.MaxBatchSize <= 0 {
		return fmt.Errorf("pipeline max_batch_size must be positive")
	}
	if c.Cache.L1Size <= 0 {
		return fmt.Errorf("cache l1_size must be positive")
	}
	if c.Semantic.Threshold <= 0 || c.Semantic.Threshold > 1 {
		return fmt.Errorf("semantic threshold must be in (0, 1], got %f", c.Semantic.Threshold)
	}
	switch c.Semantic.Embedding.Kind {
	case "", "hash":
	case "remote":
		if c.Semantic.Embedding.Endpoint == "" {
			return fmt.Errorf("semantic embedding endpoint is required when kind is \"remote\"")
		}
	default:
		return fmt.Errorf("semantic embedding kind must be \"hash\" or \"remote\", got %q", c.Semantic.Embedding.Kind)
	}
	if c.Cache.Redis.Enabled && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache redis addr is required when redis is enabled")
	}
	if c.Forwarder.Enabled {
		hasDefault := false
		for name, b := range c.Forwarder.Backends {
			if b.URL == "" {
				return fmt.Errorf("forwarder backend %q: url is required", name)
			}
			if b.Default {
				hasDefault = true
			}
		}
		if len(c.Forwarder.Backends) > 0 && !hasDefault {
			return fmt.Errorf("forwarder: at least one backend must be marked default")
		}
	}
	return nil
}

// Deadline returns the pipeline fan-out deadline as a time.Duration.
func (c *Config) Deadline() time.Duration {
	return time.Duration(c.Pipeline.DeadlineMS) * time.Millisecond
}
