package config

import (
	"maps"
	"time"

	"github.com/flowmetry/flowmetry/internal/stream"
)

// ConfigDiff describes what changed between two configs. Pipeline tuning and
// the log level can be applied without a restart; everything else is listed
// in RestartRequired.
type ConfigDiff struct {
	PipelineChanged bool
	Pipeline        stream.Patch

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the parts of the config whose changes only
	// take effect after a restart.
	RestartRequired []string
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.PipelineChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.Pipeline, d.PipelineChanged = diffPipeline(old.Pipeline, new.Pipeline)

	// Everything below only takes effect after a restart. The latency window
	// sizes the percentile ring at construction, so it cannot hot-patch with
	// the rest of the pipeline section.
	if old.Pipeline.LatencyWindow != new.Pipeline.LatencyWindow {
		d.RestartRequired = append(d.RestartRequired, "pipeline.latency_window")
	}
	if serverChanged(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if resilienceChanged(old.Resilience, new.Resilience) {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if old.Sinks != new.Sinks {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}
	if old.Alerts != new.Alerts {
		d.RestartRequired = append(d.RestartRequired, "alerts")
	}
	if captureChanged(old.Capture, new.Capture) {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Observability != new.Observability {
		d.RestartRequired = append(d.RestartRequired, "observability")
	}

	return d
}

// diffPipeline builds a patch holding only the fields that differ.
func diffPipeline(old, new PipelineConfig) (stream.Patch, bool) {
	var p stream.Patch
	changed := false

	if old.BufferTimeMs != new.BufferTimeMs {
		p.BufferTime = ptr(time.Duration(new.BufferTimeMs) * time.Millisecond)
		changed = true
	}
	if old.MaxBufferSize != new.MaxBufferSize {
		p.MaxBufferSize = ptr(new.MaxBufferSize)
		changed = true
	}
	if old.MaxConcurrentBatches != new.MaxConcurrentBatches {
		p.MaxConcurrentBatches = ptr(new.MaxConcurrentBatches)
		changed = true
	}
	if old.MaxRetries != new.MaxRetries {
		p.RetryAttempts = ptr(new.MaxRetries)
		changed = true
	}
	if old.RetryDelayMs != new.RetryDelayMs {
		p.RetryDelay = ptr(time.Duration(new.RetryDelayMs) * time.Millisecond)
		changed = true
	}
	if old.OperationTimeoutMs != new.OperationTimeoutMs {
		p.OperationTimeout = ptr(time.Duration(new.OperationTimeoutMs) * time.Millisecond)
		changed = true
	}
	if old.ErrorThrottleMs != new.ErrorThrottleMs {
		p.ErrorThrottle = ptr(time.Duration(new.ErrorThrottleMs) * time.Millisecond)
		changed = true
	}

	return p, changed
}

// serverChanged ignores the log level, which hot-reloads separately.
func serverChanged(old, new ServerConfig) bool {
	if old.ListenAddr != new.ListenAddr {
		return true
	}
	oldTLS, newTLS := old.TLS, new.TLS
	if (oldTLS == nil) != (newTLS == nil) {
		return true
	}
	return oldTLS != nil && *oldTLS != *newTLS
}

func resilienceChanged(old, new ResilienceConfig) bool {
	if boolOr(old.CircuitBreakerEnabled, true) != boolOr(new.CircuitBreakerEnabled, true) {
		return true
	}
	if boolOr(old.FallbackEnabled, true) != boolOr(new.FallbackEnabled, true) {
		return true
	}
	if old.MaxRetries != new.MaxRetries ||
		old.RetryDelayMs != new.RetryDelayMs ||
		old.HealthCheckIntervalMs != new.HealthCheckIntervalMs {
		return true
	}
	return !maps.Equal(old.Breakers, new.Breakers)
}

func captureChanged(old, new CaptureConfig) bool {
	return boolOr(old.HTTP, true) != boolOr(new.HTTP, true) ||
		boolOr(old.DBQueries, true) != boolOr(new.DBQueries, true) ||
		boolOr(old.Jobs, true) != boolOr(new.Jobs, true) ||
		old.SampleRate != new.SampleRate
}

func ptr[T any](v T) *T { return &v }
