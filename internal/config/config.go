// Package config provides configuration management for the IMAP
// pre-authentication front-end.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// Config holds the complete imap-login server configuration.
type Config struct {
	Hostname string `toml:"hostname"`
	LogLevel string `toml:"log_level"`

	// Greeting is the text appended to the initial "* OK ..." banner.
	Greeting string `toml:"greeting"`
	// GreetingCapability includes "[CAPABILITY ...]" in the greeting line.
	GreetingCapability bool `toml:"greeting_capability"`

	// DisablePlaintextAuth refuses LOGIN and cleartext SASL mechanisms on
	// unsecured connections, advertising LOGINDISABLED instead.
	DisablePlaintextAuth bool `toml:"disable_plaintext_auth"`
	// SSLInitialized gates whether STARTTLS is advertised and accepted at all.
	SSLInitialized bool `toml:"ssl_initialized"`

	VerboseProctitle     bool `toml:"verbose_proctitle"`
	ProcessPerConnection bool `toml:"process_per_connection"`

	MaxLoggingUsers int `toml:"max_logging_users"`

	Listeners   []ListenerConfig  `toml:"listeners"`
	TLS         TLSConfig         `toml:"tls"`
	Timeouts    TimeoutsConfig    `toml:"timeouts"`
	AuthService AuthServiceConfig `toml:"auth_service"`
	Master      MasterConfig      `toml:"master"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string `toml:"address"`
	// TLS marks an implicit-TLS listener (e.g. port 993); plain listeners
	// still advertise and accept STARTTLS when SSLInitialized is true.
	TLS bool `toml:"tls"`
}

// TLSConfig holds TLS certificate and version settings for the
// in-process stand-in for the external "TLS proxy" of spec.md §6.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// TimeoutsConfig defines timeout durations.
type TimeoutsConfig struct {
	// Idle is the CLIENT_LOGIN_IDLE_TIMEOUT sweep threshold.
	Idle string `toml:"idle"`
	// TLSHandshake bounds how long a STARTTLS/implicit-TLS handshake may take.
	TLSHandshake string `toml:"tls_handshake"`
}

// AuthServiceConfig describes how to reach the out-of-process
// authentication service (spec.md §6, "Auth-service interface").
type AuthServiceConfig struct {
	Network string `toml:"network"` // "tcp" or "unix"
	Address string `toml:"address"`
	Timeout string `toml:"timeout"`
}

// MasterConfig describes how to reach the post-login master process for
// the authenticated-fd handoff (spec.md §6, "Master handoff").
type MasterConfig struct {
	SocketPath string `toml:"socket_path"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// DestroyOldestCount is CLIENT_DESTROY_OLDEST_COUNT from spec.md §4.5/§7.
const DestroyOldestCount = 16

// Default returns a Config with sensible default values, mirroring
// Dovecot's compiled-in imap-login defaults where applicable.
func Default() Config {
	return Config{
		Hostname:             "localhost",
		LogLevel:             "info",
		Greeting:             "IMAP ready.",
		GreetingCapability:   true,
		DisablePlaintextAuth: true,
		SSLInitialized:       false,
		MaxLoggingUsers:      256,
		Listeners: []ListenerConfig{
			{Address: ":143"},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Timeouts: TimeoutsConfig{
			Idle:         "60s",
			TLSHandshake: "10s",
		},
		AuthService: AuthServiceConfig{
			Network: "tcp",
			Address: "127.0.0.1:12345",
			Timeout: "90s",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9101",
			Path:    "/metrics",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}
	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
	}

	if c.MaxLoggingUsers <= 0 {
		return errors.New("max_logging_users must be positive")
	}

	if c.Timeouts.Idle != "" {
		if _, err := time.ParseDuration(c.Timeouts.Idle); err != nil {
			return fmt.Errorf("invalid idle timeout: %w", err)
		}
	}
	if c.Timeouts.TLSHandshake != "" {
		if _, err := time.ParseDuration(c.Timeouts.TLSHandshake); err != nil {
			return fmt.Errorf("invalid tls_handshake timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.AuthService.Address == "" {
		return errors.New("auth_service.address is required")
	}
	if c.AuthService.Timeout != "" {
		if _, err := time.ParseDuration(c.AuthService.Timeout); err != nil {
			return fmt.Errorf("invalid auth_service timeout: %w", err)
		}
	}
	if c.Timeouts.IdleTimeout() >= c.AuthService.RequestTimeout() {
		return errors.New("timeouts.idle must be strictly less than auth_service.timeout")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// IdleTimeout returns the idle timeout as a time.Duration.
// Returns 60s (CLIENT_LOGIN_IDLE_TIMEOUT) if not configured or invalid.
func (c *TimeoutsConfig) IdleTimeout() time.Duration {
	if c.Idle == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(c.Idle)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// TLSHandshakeTimeout returns the TLS handshake timeout as a time.Duration.
func (c *TimeoutsConfig) TLSHandshakeTimeout() time.Duration {
	if c.TLSHandshake == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(c.TLSHandshake)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// RequestTimeout returns the auth-service request timeout as a
// time.Duration. Must stay strictly greater than the idle timeout so a
// stalled SASL exchange is reaped by the idle sweep first (spec.md §4.5).
func (c *AuthServiceConfig) RequestTimeout() time.Duration {
	if c.Timeout == "" {
		return 90 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 90 * time.Second
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}
