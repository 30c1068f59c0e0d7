package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateGateway(cfg, ve)
	validateStore(cfg, ve)
	validatePubSub(cfg, ve)
	validateRetention(cfg, ve)
	validateRealtime(cfg, ve)
	validateSnapshot(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

var validLogFormats = map[string]bool{
	"text": true, "json": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "" && !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

var validTracerExporters = map[string]bool{
	"noop": true, "stdout": true,
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if !validTracerExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.MaxPayloadBytes <= 0 {
		ve.Add("gateway.max_payload_bytes must be > 0")
	}
	if cfg.Gateway.PublishRatePerSecond <= 0 {
		ve.Add("gateway.publish_rate_per_second must be > 0")
	}
	if cfg.Gateway.SendBuffer <= 0 {
		ve.Add("gateway.send_buffer must be > 0")
	}
	for i, p := range cfg.Gateway.OriginPatterns {
		if strings.TrimSpace(p) == "" {
			ve.Add("gateway.origin_patterns[%d] must not be empty", i)
		}
	}
	names := make(map[string]bool)
	for i, k := range cfg.Gateway.Keys {
		if k.Name == "" {
			ve.Add("gateway.keys[%d].name must not be empty", i)
		} else if names[k.Name] {
			ve.Add("gateway.keys[%d]: duplicate key name %q", i, k.Name)
		}
		names[k.Name] = true

		salt, err := hex.DecodeString(k.Salt)
		if err != nil || len(salt) == 0 {
			ve.Add("gateway.keys[%d] (%s): salt is not valid hex", i, k.Name)
		}
		hash, err := hex.DecodeString(k.Hash)
		if err != nil {
			ve.Add("gateway.keys[%d] (%s): hash is not valid hex", i, k.Name)
		} else if len(hash) != 32 {
			ve.Add("gateway.keys[%d] (%s): hash must be 32 bytes, got %d", i, k.Name, len(hash))
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
}

var validPubSubBackends = map[string]bool{
	"memory": true, "redis": true,
}

func validatePubSub(cfg *Config, ve *ValidationError) {
	if !validPubSubBackends[cfg.PubSub.Backend] {
		ve.Add("pubsub.backend %q is invalid (want: memory, redis)", cfg.PubSub.Backend)
	}
	if cfg.PubSub.Buffer <= 0 {
		ve.Add("pubsub.buffer must be > 0")
	}
	if cfg.PubSub.Backend == "redis" {
		if cfg.PubSub.Redis.Addr == "" {
			ve.Add("pubsub.redis.addr is required when backend is redis (set via CHATWIRE_REDIS_ADDR)")
		}
		if cfg.PubSub.Redis.DB < 0 {
			ve.Add("pubsub.redis.db must be >= 0")
		}
	}
}

func validateRetention(cfg *Config, ve *ValidationError) {
	if !cfg.Retention.Enabled {
		return
	}
	if cfg.Retention.Schedule == "" {
		ve.Add("retention.schedule is required when retention is enabled")
	} else if _, err := cron.ParseStandard(cfg.Retention.Schedule); err != nil {
		ve.Add("retention.schedule %q is not a valid cron expression: %v", cfg.Retention.Schedule, err)
	}
	if cfg.Retention.MaxAge <= 0 {
		ve.Add("retention.max_age must be > 0 when retention is enabled")
	}
}

func validateRealtime(cfg *Config, ve *ValidationError) {
	if err := cfg.Realtime.Validate(); err != nil {
		ve.Add("realtime: %v", err)
	}
}

func validateSnapshot(cfg *Config, ve *ValidationError) {
	if cfg.Snapshot.BaseURL == "" {
		return
	}
	u, err := url.Parse(cfg.Snapshot.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		ve.Add("snapshot.base_url %q must be an http or https URL", cfg.Snapshot.BaseURL)
	}
	if cfg.Snapshot.Timeout <= 0 {
		ve.Add("snapshot.timeout must be > 0")
	}
	if cfg.Snapshot.Breaker.MaxFailures == 0 {
		ve.Add("snapshot.breaker.max_failures must be > 0")
	}
	if cfg.Snapshot.Breaker.Timeout <= 0 {
		ve.Add("snapshot.breaker.timeout must be > 0")
	}
}
