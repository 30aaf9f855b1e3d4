package config

import (
	"fmt"
	"net"
	"strings"
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
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateAuth(cfg, ve)
	validateProcess(cfg, ve)
	validateStream(cfg, ve)
	validateOptional(cfg, ve)
	validateEngine(cfg, ve)
	validateObservability(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		ve.Add("server.addr %q is not host:port: %v", s.Addr, err)
	}
	if s.RateLimitRPM < 0 {
		ve.Add("server.rate_limit_rpm must be >= 0")
	}
	if s.RateLimitRPM > 0 && s.RateLimitBurst <= 0 {
		ve.Add("server.rate_limit_burst must be > 0 when rate limiting is enabled")
	}
	for _, p := range s.TrustedProxies {
		if net.ParseIP(p) == nil {
			ve.Add("server.trusted_proxies: %q is not an IP address", p)
		}
	}
	if s.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
}

func validateAuth(cfg *Config, ve *ValidationError) {
	if !cfg.Auth.Enabled {
		return
	}
	if len(cfg.Auth.Tokens) == 0 {
		ve.Add("auth.tokens must not be empty when auth is enabled")
	}
	names := make(map[string]bool)
	for i, t := range cfg.Auth.Tokens {
		if t.Token == "" {
			ve.Add("auth.tokens[%d].token must not be empty", i)
		}
		if t.Name == "" {
			ve.Add("auth.tokens[%d].name must not be empty", i)
			continue
		}
		if names[t.Name] {
			ve.Add("auth.tokens: duplicate name %q", t.Name)
		}
		names[t.Name] = true
	}
}

var validPermissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"plan":              true,
	"bypassPermissions": true,
}

func validateProcess(cfg *Config, ve *ValidationError) {
	p := cfg.Process
	if p.MaxProcesses <= 0 {
		ve.Add("process.max_processes must be > 0")
	}
	if p.HistoryLimit <= 0 {
		ve.Add("process.history_limit must be > 0")
	}
	if p.CleanupInterval <= 0 {
		ve.Add("process.cleanup_interval must be > 0")
	}
	if p.PermissionMode != "" && !validPermissionModes[p.PermissionMode] {
		ve.Add("process.permission_mode %q is not one of default, acceptEdits, plan, bypassPermissions", p.PermissionMode)
	}
	if cfg.Ownership.Decay <= 0 {
		ve.Add("ownership.decay must be > 0")
	}
}

func validateStream(cfg *Config, ve *ValidationError) {
	s := cfg.Stream
	if s.HeartbeatInterval <= 0 {
		ve.Add("stream.heartbeat_interval must be > 0")
	}
	if s.QueueSize <= 0 {
		ve.Add("stream.queue_size must be > 0")
	}
	if s.FlushTimeout <= 0 {
		ve.Add("stream.flush_timeout must be > 0")
	}
	if cfg.Render.BreakerTimeout < 0 {
		ve.Add("render.breaker_timeout must be >= 0")
	}
}

func validateOptional(cfg *Config, ve *ValidationError) {
	if cfg.Watcher.Enabled && cfg.Watcher.Root == "" {
		ve.Add("watcher.root must be set when the watcher is enabled")
	}
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		ve.Add("journal.path must be set when the journal is enabled")
	}
	if cfg.Journal.MaxRows < 0 {
		ve.Add("journal.max_rows must be >= 0")
	}
}

func validateEngine(cfg *Config, ve *ValidationError) {
	if cfg.Engine.CLIPath == "" {
		ve.Add("engine.cli_path must not be empty")
	}
	if cfg.Engine.StopGrace < 0 {
		ve.Add("engine.stop_grace must be >= 0")
	}
	for k := range cfg.Engine.Env {
		if k == "" || strings.Contains(k, "=") {
			ve.Add("engine.env: invalid variable name %q", k)
		}
	}
}

func validateObservability(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not text or json", cfg.Logger.Format)
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported (want stdout or noop)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1], got %g", cfg.Tracer.SampleRatio)
	}
}
