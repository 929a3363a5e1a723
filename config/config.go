// Package config loads AiMesh's bootstrap configuration (spec.md §6,
// "Environment inputs"): bind address, storage backend URLs, default
// rate, dedup TTL, and default queue capacities.
//
// Adapted from the teacher's config.LoadConfig: the same "YAML file or
// remote URL, then environment-variable overrides take precedence"
// shape is kept; the field set is narrowed from per-provider API keys
// to AiMesh's dispatch-engine knobs.
package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aimesh/aimesh/utils/env"
)

// Config is AiMesh's full bootstrap configuration.
type Config struct {
	// BindAddress is the address the transport layer listens on.
	BindAddress string `yaml:"bind_address"`

	// ValkeyEndpoint, if set, backs the dedup cache's cross-process
	// KVStore; the rate limiter stays per-process either way. Empty means
	// in-memory only.
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// DefaultRatePerSec is the per-key token bucket refill rate R.
	DefaultRatePerSec float64 `yaml:"default_rate_per_sec"`

	// DefaultBurst is the per-key token bucket burst capacity B.
	DefaultBurst int `yaml:"default_burst"`

	// GlobalRatePerSec and GlobalBurst size the system-wide rate bucket.
	GlobalRatePerSec float64 `yaml:"global_rate_per_sec"`
	GlobalBurst      int     `yaml:"global_burst"`

	// DedupTTLSeconds is the default memoization lifetime for dedup entries.
	DedupTTLSeconds int `yaml:"dedup_ttl_seconds"`

	// DedupMaxBytes bounds the dedup cache's soft capacity.
	DedupMaxBytes int64 `yaml:"dedup_max_bytes"`

	// QueueCapacity is the default bounded FIFO depth per priority class.
	QueueCapacity int `yaml:"queue_capacity"`

	// Workers is the fixed worker pool size; 0 means #CPUs*2.
	Workers int `yaml:"workers"`

	// ShutdownGraceSeconds bounds cooperative shutdown drain time (spec.md §5).
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`

	// AdminBindAddress is the address the admin HTTP surface listens on.
	AdminBindAddress string `yaml:"admin_bind_address"`

	// MetricsNamespace prefixes every exported Prometheus metric name.
	MetricsNamespace string `yaml:"metrics_namespace"`

	// TracingEndpoint is the OTLP/HTTP collector address spans are
	// exported to. Empty disables tracing.
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// TracingInsecure disables TLS on the OTLP/HTTP exporter connection.
	TracingInsecure bool `yaml:"tracing_insecure"`

	// TracingSampleRatio is the fraction of spans kept, in [0, 1].
	TracingSampleRatio float64 `yaml:"tracing_sample_ratio"`
}

// Load reads configuration from path (or a remote URL), applying
// environment-variable overrides on top, matching the teacher's
// CONFIG_SOURCE/CONFIG_TOKEN precedence rule.
func Load(path string, logger *zap.SugaredLogger) (*Config, error) {
	cfg := Config{
		BindAddress:          ":8443",
		DefaultRatePerSec:    10,
		DefaultBurst:         20,
		GlobalRatePerSec:     1000,
		GlobalBurst:          2000,
		DedupTTLSeconds:      3600,
		DedupMaxBytes:        64 << 20,
		QueueCapacity:        10000,
		Workers:              0,
		ShutdownGraceSeconds: 30,
		AdminBindAddress:     ":8444",
		MetricsNamespace:     "aimesh",
		TracingSampleRatio:   0.1,
	}

	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")

	configData, err := loadConfigData(configSource, configToken, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	if len(configData) > 0 {
		if err := yaml.Unmarshal(configData, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %v", err)
		}
	}

	cfg.BindAddress = env.OptionalStringVariable("BIND_ADDRESS", cfg.BindAddress)
	cfg.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", cfg.ValkeyEndpoint)
	cfg.DefaultRatePerSec = env.OptionalFloatVariable("DEFAULT_RATE_PER_SEC", cfg.DefaultRatePerSec)
	cfg.DefaultBurst = env.OptionalIntVariable("DEFAULT_BURST", cfg.DefaultBurst)
	cfg.GlobalRatePerSec = env.OptionalFloatVariable("GLOBAL_RATE_PER_SEC", cfg.GlobalRatePerSec)
	cfg.GlobalBurst = env.OptionalIntVariable("GLOBAL_BURST", cfg.GlobalBurst)
	cfg.DedupTTLSeconds = env.OptionalIntVariable("DEDUP_TTL_SECONDS", cfg.DedupTTLSeconds)
	cfg.QueueCapacity = env.OptionalIntVariable("QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.Workers = env.OptionalIntVariable("WORKERS", cfg.Workers)
	cfg.ShutdownGraceSeconds = env.OptionalIntVariable("SHUTDOWN_GRACE_SECONDS", cfg.ShutdownGraceSeconds)
	cfg.AdminBindAddress = env.OptionalStringVariable("ADMIN_BIND_ADDRESS", cfg.AdminBindAddress)
	cfg.MetricsNamespace = env.OptionalStringVariable("METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.TracingEndpoint = env.OptionalStringVariable("TRACING_ENDPOINT", cfg.TracingEndpoint)
	cfg.TracingInsecure = env.OptionalBoolVariable("TRACING_INSECURE", cfg.TracingInsecure)
	cfg.TracingSampleRatio = env.OptionalFloatVariable("TRACING_SAMPLE_RATIO", cfg.TracingSampleRatio)

	return &cfg, nil
}

// DedupTTL returns the configured dedup entry lifetime as a Duration.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSeconds) * time.Second
}

// ShutdownGrace returns the configured shutdown drain period as a Duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func loadConfigData(source, token string, logger *zap.SugaredLogger) ([]byte, error) {
	if source == "" {
		return nil, nil
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		if logger != nil {
			logger.Infow("fetching remote config", "url", source)
		}
		return fetchRemoteConfig(source, token)
	}
	if logger != nil {
		logger.Infow("loading local config", "path", source)
	}
	return os.ReadFile(source)
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
