package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath      string
	Hostname        string
	LogLevel        string
	Listen          string
	TLSCert         string
	TLSKey          string
	MaxLoggingUsers int
	AuthServiceAddr string
	MasterSocket    string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./imap-login.toml", "Path to configuration file")
	flag.StringVar(&f.Hostname, "hostname", "", "Server hostname")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Listen, "listen", "", "Listen address (replaces all config listeners)")
	flag.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&f.TLSKey, "tls-key", "", "TLS key file path")
	flag.IntVar(&f.MaxLoggingUsers, "max-logging-users", 0, "Maximum concurrent pre-authentication connections")
	flag.StringVar(&f.AuthServiceAddr, "auth-service", "", "Auth service address")
	flag.StringVar(&f.MasterSocket, "master-socket", "", "Master handoff UNIX socket path")

	flag.Parse()
	return f
}

// FileConfig is the shape of the TOML configuration file. Settings under
// [server] are shared with sibling daemons in the same family; settings
// under [imap_login] are specific to this daemon and take precedence.
type FileConfig struct {
	Server    ServerConfig `toml:"server"`
	ImapLogin Config       `toml:"imap_login"`
}

// ServerConfig holds settings shared across the infodancer mail-server
// family (imap-login, pop3d, smtpd share a hostname and TLS certificate).
type ServerConfig struct {
	Hostname string    `toml:"hostname"`
	TLS      TLSConfig `toml:"tls"`
}

// Load parses a TOML configuration file and returns the Config. If the
// file does not exist, returns the default configuration. The loader
// reads from both [server] (shared settings) and [imap_login]
// (specific settings), with [imap_login] values taking precedence over
// [server] values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig FileConfig
	if err := toml.Unmarshal(data, &fileConfig); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	cfg = mergeServerConfig(cfg, fileConfig.Server)
	cfg = mergeConfig(cfg, fileConfig.ImapLogin)

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Hostname != "" {
		cfg.Hostname = f.Hostname
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Listen != "" {
		// -listen replaces ALL listeners with a single plain listener.
		cfg.Listeners = []ListenerConfig{{Address: f.Listen}}
	}

	if f.TLSCert != "" {
		cfg.TLS.CertFile = f.TLSCert
	}

	if f.TLSKey != "" {
		cfg.TLS.KeyFile = f.TLSKey
	}

	if f.MaxLoggingUsers > 0 {
		cfg.MaxLoggingUsers = f.MaxLoggingUsers
	}

	if f.AuthServiceAddr != "" {
		cfg.AuthService.Address = f.AuthServiceAddr
	}

	if f.MasterSocket != "" {
		cfg.Master.SocketPath = f.MasterSocket
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}

// mergeServerConfig merges shared server settings into the config.
func mergeServerConfig(dst Config, src ServerConfig) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	return dst
}

// mergeConfig merges non-zero values from src into dst.
func mergeConfig(dst, src Config) Config {
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}

	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}

	if src.Greeting != "" {
		dst.Greeting = src.Greeting
	}

	if src.GreetingCapability {
		dst.GreetingCapability = src.GreetingCapability
	}

	if src.DisablePlaintextAuth {
		dst.DisablePlaintextAuth = src.DisablePlaintextAuth
	}

	if src.SSLInitialized {
		dst.SSLInitialized = src.SSLInitialized
	}

	if src.VerboseProctitle {
		dst.VerboseProctitle = src.VerboseProctitle
	}

	if src.ProcessPerConnection {
		dst.ProcessPerConnection = src.ProcessPerConnection
	}

	if src.MaxLoggingUsers > 0 {
		dst.MaxLoggingUsers = src.MaxLoggingUsers
	}

	if len(src.Listeners) > 0 {
		dst.Listeners = src.Listeners
	}

	if src.TLS.CertFile != "" {
		dst.TLS.CertFile = src.TLS.CertFile
	}

	if src.TLS.KeyFile != "" {
		dst.TLS.KeyFile = src.TLS.KeyFile
	}

	if src.TLS.MinVersion != "" {
		dst.TLS.MinVersion = src.TLS.MinVersion
	}

	if src.Timeouts.Idle != "" {
		dst.Timeouts.Idle = src.Timeouts.Idle
	}

	if src.Timeouts.TLSHandshake != "" {
		dst.Timeouts.TLSHandshake = src.Timeouts.TLSHandshake
	}

	if src.AuthService.Network != "" {
		dst.AuthService.Network = src.AuthService.Network
	}

	if src.AuthService.Address != "" {
		dst.AuthService.Address = src.AuthService.Address
	}

	if src.AuthService.Timeout != "" {
		dst.AuthService.Timeout = src.AuthService.Timeout
	}

	if src.Master.SocketPath != "" {
		dst.Master.SocketPath = src.Master.SocketPath
	}

	if src.Metrics.Enabled {
		dst.Metrics.Enabled = src.Metrics.Enabled
	}

	if src.Metrics.Address != "" {
		dst.Metrics.Address = src.Metrics.Address
	}

	if src.Metrics.Path != "" {
		dst.Metrics.Path = src.Metrics.Path
	}

	return dst
}
