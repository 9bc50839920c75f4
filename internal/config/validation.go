package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MinKeyLength is the shortest accepted shared secret.
const MinKeyLength = 16

// MinSnapshotInterval is the shortest accepted snapshot interval.
const MinSnapshotInterval = 10 * time.Second

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.HTTPAddr == "" {
		add("server.http_addr", "is required")
	}

	for _, k := range []struct{ field, value string }{
		{"auth.dashboard_key", c.Auth.DashboardKey},
		{"auth.internal_key", c.Auth.InternalKey},
		{"auth.snapshot_key", c.Auth.SnapshotKey},
		{"gateway.key", c.Gateway.Key},
	} {
		if k.value != "" && len(k.value) < MinKeyLength {
			add(k.field, "must be at least %d characters", MinKeyLength)
		}
	}

	switch c.Storage.Type {
	case "memory", "sqlite", "json":
	default:
		add("storage.type", "unknown backend %q (memory, json, sqlite)", c.Storage.Type)
	}
	if c.Storage.Type != "memory" && c.Storage.DataDir == "" {
		add("storage.data_dir", "is required for the %s backend", c.Storage.Type)
	}
	if c.Storage.OpTimeout.Duration <= 0 {
		add("storage.op_timeout", "must be positive")
	}

	if c.Registry.LivenessWindow.Duration <= 0 {
		add("registry.liveness_window", "must be positive")
	}

	if c.Snapshot.Enabled {
		s := c.Snapshot
		if s.Interval.Duration < MinSnapshotInterval {
			add("snapshot.interval", "must be at least %s", MinSnapshotInterval)
		}
		if s.InitialDelay.Duration < 0 {
			add("snapshot.initial_delay", "must not be negative")
		}
		if s.CaptureTimeout.Duration <= 0 {
			add("snapshot.capture_timeout", "must be positive")
		}
		for _, id := range s.Subjects {
			if id == "" || strings.ContainsAny(id, "/\\") {
				add("snapshot.subjects", "invalid subject id %q", id)
			}
		}
		switch s.Source.Type {
		case "http":
			if len(s.Subjects) > 0 && !isValidURL(s.Source.URL) {
				add("snapshot.source.url", "must be an http(s) URL")
			}
		case "file":
			if len(s.Subjects) > 0 && s.Source.Path == "" {
				add("snapshot.source.path", "is required for the file source")
			}
		default:
			add("snapshot.source.type", "unknown source %q (http, file)", s.Source.Type)
		}
		if s.Source.PageSize < 0 {
			add("snapshot.source.page_size", "must not be negative")
		}
	}

	if c.Gateway.Addr != "" {
		if c.Gateway.Service == "" {
			add("gateway.service", "is required when gateway.addr is set")
		}
		if c.Gateway.HeartbeatInterval.Duration <= 0 {
			add("gateway.heartbeat_interval", "must be positive")
		}
		if c.Gateway.RefreshInterval.Duration <= 0 {
			add("gateway.refresh_interval", "must be positive")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		add("logging.format", "unknown format %q", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func isValidURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
