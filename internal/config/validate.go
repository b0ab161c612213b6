package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var sha256Re = regexp.MustCompile(`^[A-Fa-f0-9]{64}$`)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if cfg.Server.MaxRequestBodyBytes < 0 {
		return errors.New("server.max_request_body_bytes must not be negative")
	}
	if cfg.Server.MaxConnections < 0 {
		return errors.New("server.max_connections must not be negative")
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RequestsPerSecond <= 0 {
			return errors.New("rate_limit.requests_per_second must be positive")
		}
		if cfg.RateLimit.Burst <= 0 {
			return errors.New("rate_limit.burst must be positive")
		}
	}

	if strings.TrimSpace(cfg.Model.Path) == "" {
		return errors.New("model.path must be set")
	}
	if cfg.Model.SHA256 != "" && !sha256Re.MatchString(cfg.Model.SHA256) {
		return errors.New("model.sha256 must be 64 hex characters")
	}

	if err := validateStoreConfig(cfg.Store); err != nil {
		return err
	}

	if cfg.Scan.Workers < 0 {
		return errors.New("scan.workers must not be negative")
	}

	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}

	if err := validateEventsConfig(cfg.Events); err != nil {
		return err
	}

	return nil
}

func validateStoreConfig(s StoreConfig) error {
	switch s.Backend {
	case "pebble", "sqlite":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("store.path must be set for backend %q", s.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be pebble, sqlite or memory, got %q", s.Backend)
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}

func validateEventsConfig(e EventsConfig) error {
	for i, s := range e.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("events sink %d (file_jsonl) missing path", i)
			}
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("events sink %d (webhook) missing url", i)
			}
			u, err := url.Parse(s.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("events sink %d (webhook) has invalid url", i)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("events sink %d (webhook) url must be http or https", i)
			}
		default:
			return fmt.Errorf("events sink %d has unknown type %q", i, s.Type)
		}
	}
	return nil
}
