// Package config loads and validates VibeTunnel server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the VibeTunnel server.
type Config struct {
	// Server settings
	Port       int    `mapstructure:"port"`
	Host       string `mapstructure:"host"`
	StaticPath string `mapstructure:"static_path"`

	// Authentication
	BasicAuthUsername string `mapstructure:"username"`
	BasicAuthPassword string `mapstructure:"password"`

	// HQ Mode settings
	IsHQMode        bool   `mapstructure:"hq"`
	HQUrl           string `mapstructure:"hq_url"`
	HQUsername      string `mapstructure:"hq_username"`
	HQPassword      string `mapstructure:"hq_password"`
	RemoteName      string `mapstructure:"name"`
	AllowInsecureHQ bool   `mapstructure:"allow_insecure_hq"`
	BearerToken     string `mapstructure:"-"` // generated for remote mode, never read from config sources

	// Directories
	ControlDir string `mapstructure:"control_dir"`

	// Terminal defaults
	DefaultCols      int    `mapstructure:"default_cols"`
	DefaultRows      int    `mapstructure:"default_rows"`
	DefaultTerm      string `mapstructure:"default_term"`
	ScrollbackBuffer int    `mapstructure:"scrollback_buffer"`

	// Timeouts and intervals
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
	SessionIdleTimeout    time.Duration `mapstructure:"session_idle_timeout"`
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval"`
	HealthCheckTimeout    time.Duration `mapstructure:"health_check_timeout"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	WebSocketPingInterval time.Duration `mapstructure:"websocket_ping_interval"`
	PTYKillDeadline       time.Duration `mapstructure:"pty_kill_deadline"`
	RemoteHeartbeatWindow time.Duration `mapstructure:"remote_heartbeat_window"`
	HQProxyTimeout        time.Duration `mapstructure:"hq_proxy_timeout"`
	SSEIdleTimeout        time.Duration `mapstructure:"sse_idle_timeout"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	controlDir := filepath.Join(homeDir, ".vibetunnel", "control")

	return &Config{
		Port: 4020,
		Host: "",

		ControlDir: controlDir,

		DefaultCols:      80,
		DefaultRows:      24,
		DefaultTerm:      "xterm-256color",
		ScrollbackBuffer: 10000,

		CleanupInterval:       5 * time.Minute,
		SessionIdleTimeout:    30 * time.Minute,
		HealthCheckInterval:   15 * time.Second,
		HealthCheckTimeout:    5 * time.Second,
		RequestTimeout:        10 * time.Second,
		WebSocketPingInterval: 30 * time.Second,
		PTYKillDeadline:       3 * time.Second,
		RemoteHeartbeatWindow: 15 * time.Second,
		HQProxyTimeout:        30 * time.Second,
		SSEIdleTimeout:        60 * time.Second,

		LogLevel: "info",
		LogJSON:  false,
	}
}

// BindFlags registers the server's CLI flags on v and binds them so that
// flag > env > config-file > default precedence holds once Load runs.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	def := DefaultConfig()

	flags.Int("port", def.Port, "Server port")
	flags.String("host", def.Host, "Server bind host")
	flags.String("static", "", "Path to static files (required)")
	flags.String("username", "", "Basic auth username")
	flags.String("password", "", "Basic auth password")
	flags.Bool("hq", false, "Run as HQ server")
	flags.String("hq-url", "", "HQ server URL to register with")
	flags.String("hq-username", "", "Username for HQ authentication")
	flags.String("hq-password", "", "Password for HQ authentication")
	flags.String("name", "", "Unique name for this remote server")
	flags.Bool("allow-insecure-hq", false, "Allow insecure HTTP for HQ URL")
	flags.String("control-dir", def.ControlDir, "Session control directory")
	flags.String("log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	flags.Bool("log-json", def.LogJSON, "Emit logs as JSON")

	bindings := map[string]string{
		"port":              "port",
		"host":              "host",
		"static":            "static_path",
		"username":          "username",
		"password":          "password",
		"hq":                "hq",
		"hq-url":            "hq_url",
		"hq-username":       "hq_username",
		"hq-password":       "hq_password",
		"name":              "name",
		"allow-insecure-hq": "allow_insecure_hq",
		"control-dir":       "control_dir",
		"log-level":         "log_level",
		"log-json":          "log_json",
	}
	for flagName, key := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flagName)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flagName, err)
		}
	}
	return nil
}

// Load builds a *viper.Viper with VibeTunnel's defaults, env prefix, and
// optional config file, then unmarshals it into a Config. Precedence is
// flag > env > config file > default, viper's standard layering.
func Load(v *viper.Viper) (*Config, error) {
	def := DefaultConfig()
	v.SetDefault("port", def.Port)
	v.SetDefault("host", def.Host)
	v.SetDefault("control_dir", def.ControlDir)
	v.SetDefault("default_cols", def.DefaultCols)
	v.SetDefault("default_rows", def.DefaultRows)
	v.SetDefault("default_term", def.DefaultTerm)
	v.SetDefault("scrollback_buffer", def.ScrollbackBuffer)
	v.SetDefault("cleanup_interval", def.CleanupInterval)
	v.SetDefault("session_idle_timeout", def.SessionIdleTimeout)
	v.SetDefault("health_check_interval", def.HealthCheckInterval)
	v.SetDefault("health_check_timeout", def.HealthCheckTimeout)
	v.SetDefault("request_timeout", def.RequestTimeout)
	v.SetDefault("websocket_ping_interval", def.WebSocketPingInterval)
	v.SetDefault("pty_kill_deadline", def.PTYKillDeadline)
	v.SetDefault("remote_heartbeat_window", def.RemoteHeartbeatWindow)
	v.SetDefault("hq_proxy_timeout", def.HQProxyTimeout)
	v.SetDefault("sse_idle_timeout", def.SSEIdleTimeout)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_json", def.LogJSON)

	v.SetEnvPrefix("VIBETUNNEL")
	v.AutomaticEnv()
	// VIBETUNNEL_CONTROL_PATH is the env var spec.md names explicitly;
	// VIBETUNNEL_CONTROL_DIR is the teacher's historical name, kept as a
	// fallback alias so existing deployments aren't broken.
	if err := v.BindEnv("control_dir", "VIBETUNNEL_CONTROL_PATH", "VIBETUNNEL_CONTROL_DIR"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("port", "VIBETUNNEL_PORT", "PORT"); err != nil {
		return nil, err
	}

	if v.ConfigFileUsed() == "" {
		v.SetConfigName("vibetunnel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".vibetunnel"))
		}
		_ = v.ReadInConfig() // absence of a config file is not an error
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StaticPath == "" {
		return fmt.Errorf("static path is required")
	}
	if _, err := os.Stat(c.StaticPath); err != nil {
		return fmt.Errorf("static path does not exist: %s", c.StaticPath)
	}

	if c.HQUrl != "" {
		if c.IsHQMode {
			return fmt.Errorf("cannot specify both --hq and --hq-url")
		}
		if !c.AllowInsecureHQ && !strings.HasPrefix(c.HQUrl, "https://") {
			return fmt.Errorf("HQ URL must use HTTPS (use --allow-insecure-hq to override)")
		}
		if c.RemoteName == "" {
			return fmt.Errorf("--name is required when using --hq-url")
		}
		if c.HQUsername == "" || c.HQPassword == "" {
			return fmt.Errorf("--hq-username and --hq-password are required when using --hq-url")
		}
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.DefaultCols < 1 || c.DefaultCols > 1000 {
		return fmt.Errorf("invalid default columns: %d", c.DefaultCols)
	}
	if c.DefaultRows < 1 || c.DefaultRows > 1000 {
		return fmt.Errorf("invalid default rows: %d", c.DefaultRows)
	}

	return nil
}

// IsRemoteMode returns true if this server is configured as a remote.
func (c *Config) IsRemoteMode() bool {
	return c.HQUrl != ""
}

// HasAuth returns true if dashboard authentication is configured.
func (c *Config) HasAuth() bool {
	return c.BasicAuthPassword != ""
}

// GetServerMode returns a string describing the server mode.
func (c *Config) GetServerMode() string {
	if c.IsHQMode {
		return "hq"
	}
	if c.IsRemoteMode() {
		return "remote"
	}
	return "normal"
}
