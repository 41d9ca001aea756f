package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBreakerNames lists the breaker names registered by default.
// Used by [Validate] to warn about unrecognised breaker overrides.
var ValidBreakerNames = []string{"storage", "devtools", "network", "stream"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Pipeline
	if cfg.Pipeline.BufferTimeMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.buffer_time_ms %d must not be negative", cfg.Pipeline.BufferTimeMs))
	}
	if cfg.Pipeline.MaxBufferSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_buffer_size %d must not be negative", cfg.Pipeline.MaxBufferSize))
	}
	if cfg.Pipeline.MaxConcurrentBatches < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent_batches %d must not be negative", cfg.Pipeline.MaxConcurrentBatches))
	}
	if cfg.Pipeline.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_retries %d must not be negative", cfg.Pipeline.MaxRetries))
	}
	if cfg.Pipeline.RetryDelayMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry_delay_ms %d must not be negative", cfg.Pipeline.RetryDelayMs))
	}
	if cfg.Pipeline.OperationTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("pipeline.operation_timeout_ms %d must not be negative", cfg.Pipeline.OperationTimeoutMs))
	}

	// Resilience
	if cfg.Resilience.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_retries %d must not be negative", cfg.Resilience.MaxRetries))
	}
	if cfg.Resilience.RetryDelayMs < 0 {
		errs = append(errs, fmt.Errorf("resilience.retry_delay_ms %d must not be negative", cfg.Resilience.RetryDelayMs))
	}
	if cfg.Resilience.HealthCheckIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("resilience.health_check_interval_ms %d must not be negative", cfg.Resilience.HealthCheckIntervalMs))
	}
	for name, bc := range cfg.Resilience.Breakers {
		validateBreakerName(name)
		prefix := fmt.Sprintf("resilience.breakers.%s", name)
		if bc.FailureThreshold < 0 {
			errs = append(errs, fmt.Errorf("%s.failure_threshold %d must not be negative", prefix, bc.FailureThreshold))
		}
		if bc.OperationTimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("%s.operation_timeout_ms %d must not be negative", prefix, bc.OperationTimeoutMs))
		}
		if bc.ResetTimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("%s.reset_timeout_ms %d must not be negative", prefix, bc.ResetTimeoutMs))
		}
	}
	if !boolOr(cfg.Resilience.CircuitBreakerEnabled, true) && boolOr(cfg.Resilience.FallbackEnabled, true) {
		slog.Warn("resilience.fallback_enabled has no effect while circuit breakers are disabled")
	}

	// Sinks
	switch cfg.Sinks.Mode {
	case "", DeliveryFanout, DeliveryFailover:
	default:
		errs = append(errs, fmt.Errorf("sinks.mode %q is invalid; valid values: fanout, failover", cfg.Sinks.Mode))
	}
	if cfg.Sinks.Mode == DeliveryFailover && (cfg.Sinks.Postgres.DSN == "" || cfg.Sinks.Redis.Addr == "") {
		slog.Warn("sinks.mode is failover but fewer than two store sinks are configured; delivery behaves like fanout")
	}
	if cfg.Sinks.Postgres.DSN == "" && cfg.Sinks.Redis.Addr == "" && !cfg.Sinks.Devtools.Enabled {
		slog.Warn("no sinks configured; delivered events will be logged and dropped")
	}
	if cfg.Sinks.Postgres.RetentionHours < 0 {
		errs = append(errs, fmt.Errorf("sinks.postgres.retention_hours %d must not be negative", cfg.Sinks.Postgres.RetentionHours))
	}
	if cfg.Sinks.Redis.DB < 0 || cfg.Sinks.Redis.DB > 15 {
		errs = append(errs, fmt.Errorf("sinks.redis.db %d is out of range [0, 15]", cfg.Sinks.Redis.DB))
	}
	if cfg.Sinks.Redis.MaxLen < 0 {
		errs = append(errs, fmt.Errorf("sinks.redis.max_len %d must not be negative", cfg.Sinks.Redis.MaxLen))
	}
	if cfg.Sinks.Devtools.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("sinks.devtools.send_buffer %d must not be negative", cfg.Sinks.Devtools.SendBuffer))
	}

	// Alerts
	if (cfg.Alerts.DiscordWebhookID == "") != (cfg.Alerts.DiscordWebhookToken == "") {
		errs = append(errs, errors.New("alerts.discord_webhook_id and alerts.discord_webhook_token must be set together"))
	}
	if cfg.Alerts.GroupSimilarity < 0 || cfg.Alerts.GroupSimilarity > 1 {
		errs = append(errs, fmt.Errorf("alerts.group_similarity %.2f is out of range [0, 1]", cfg.Alerts.GroupSimilarity))
	}
	if cfg.Alerts.CooldownMs < 0 {
		errs = append(errs, fmt.Errorf("alerts.cooldown_ms %d must not be negative", cfg.Alerts.CooldownMs))
	}
	if cfg.Alerts.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("alerts.queue_size %d must not be negative", cfg.Alerts.QueueSize))
	}

	// Capture
	if cfg.Capture.SampleRate < 0 || cfg.Capture.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %.2f is out of range [0, 1]", cfg.Capture.SampleRate))
	}

	return errors.Join(errs...)
}

// validateBreakerName logs a warning if name is not one of the default
// breaker names.
func validateBreakerName(name string) {
	if slices.Contains(ValidBreakerNames, name) {
		return
	}
	slog.Warn("unknown breaker name — may be a typo or a custom breaker",
		"name", name,
		"known", ValidBreakerNames,
	)
}
