package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the agentloom server.
type Config struct {
	Port       int
	Version    string
	Completion CompletionConfig
	Catalog    CatalogConfig
	Runs       RunsConfig
	Telemetry  TelemetryConfig
}

// CompletionConfig points the engine at the upstream completion endpoint
// every agent call goes through.
type CompletionConfig struct {
	Endpoint    string
	APIKey      string
	TimeoutSecs int
	MaxRetries  int
	// BreakerFailures opens a circuit breaker after this many
	// consecutive failed calls. 0 leaves the breaker off.
	BreakerFailures int
}

type CatalogConfig struct {
	// Path is a YAML file of agent presets loaded at startup and merged
	// over the builtins. Empty leaves only the builtin presets.
	Path string
}

type RunsConfig struct {
	// MaxKept caps the in-memory run history; older runs are evicted.
	MaxKept int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("AGENTLOOM_PORT", 8080),
		Version: envStr("AGENTLOOM_VERSION", "0.2.0"),
		Completion: CompletionConfig{
			Endpoint:        envStr("AGENTLOOM_COMPLETION_ENDPOINT", "http://localhost:8000/v1/completions"),
			APIKey:          envStr("AGENTLOOM_COMPLETION_API_KEY", ""),
			TimeoutSecs:     envInt("AGENTLOOM_COMPLETION_TIMEOUT", 30),
			MaxRetries:      envInt("AGENTLOOM_COMPLETION_MAX_RETRIES", 3),
			BreakerFailures: envInt("AGENTLOOM_COMPLETION_BREAKER_FAILURES", 0),
		},
		Catalog: CatalogConfig{
			Path: envStr("AGENTLOOM_CATALOG_PATH", ""),
		},
		Runs: RunsConfig{
			MaxKept: envInt("AGENTLOOM_RUNS_MAX_KEPT", 1000),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agentloom"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
