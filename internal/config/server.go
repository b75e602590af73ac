package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/subrelay/core/config"
)

// ServerConfig holds configuration for the subrelay background service.
type ServerConfig struct {
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	ClientKey      string        `yaml:"client_key"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RedisAddr      string        `yaml:"redis_addr"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`

	// PlayerURL is opened when a mining request needs a player and none is live.
	PlayerURL string `yaml:"player_url"`
	// Launcher is the command (and leading arguments) used to open new tabs.
	Launcher        []string      `yaml:"launcher"`
	LivenessWindow  time.Duration `yaml:"liveness_window"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	FindAttempts    int           `yaml:"find_attempts"`
	FindInterval    time.Duration `yaml:"find_interval"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`

	Settings map[string]any `yaml:"settings"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.LivenessWindow == 0 {
		c.LivenessWindow = 5 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Second
	}
	if c.FindAttempts == 0 {
		c.FindAttempts = 5
	}
	if c.FindInterval == 0 {
		c.FindInterval = time.Second
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("server.yaml")
	}
}

// envOverlay mirrors the environment variables understood by the service.
// Unset variables leave the pointer nil so file values survive.
type envOverlay struct {
	ConfigFile      *string        `envconfig:"CONFIG_FILE"`
	LogLevel        *string        `envconfig:"LOG_LEVEL"`
	Port            *int           `envconfig:"PORT"`
	MetricsPort     *string        `envconfig:"METRICS_PORT"`
	ClientKey       *string        `envconfig:"CLIENT_KEY"`
	AllowedOrigins  []string       `envconfig:"ALLOWED_ORIGINS"`
	RedisAddr       *string        `envconfig:"REDIS_ADDR"`
	DrainTimeout    *time.Duration `envconfig:"DRAIN_TIMEOUT"`
	PlayerURL       *string        `envconfig:"PLAYER_URL"`
	Launcher        *string        `envconfig:"LAUNCHER"`
	LivenessWindow  *time.Duration `envconfig:"LIVENESS_WINDOW"`
	SweepInterval   *time.Duration `envconfig:"SWEEP_INTERVAL"`
	FindAttempts    *int           `envconfig:"FIND_ATTEMPTS"`
	FindInterval    *time.Duration `envconfig:"FIND_INTERVAL"`
	ResponseTimeout *time.Duration `envconfig:"RESPONSE_TIMEOUT"`
	FetchTimeout    *time.Duration `envconfig:"FETCH_TIMEOUT"`
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() error {
	var e envOverlay
	if err := envconfig.Process("", &e); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	set(&c.ConfigFile, e.ConfigFile)
	set(&c.LogLevel, e.LogLevel)
	set(&c.Port, e.Port)
	if e.MetricsPort != nil {
		c.MetricsAddr = metricsAddr(*e.MetricsPort)
	}
	set(&c.ClientKey, e.ClientKey)
	if e.AllowedOrigins != nil {
		c.AllowedOrigins = e.AllowedOrigins
	}
	set(&c.RedisAddr, e.RedisAddr)
	set(&c.DrainTimeout, e.DrainTimeout)
	set(&c.PlayerURL, e.PlayerURL)
	if e.Launcher != nil {
		c.Launcher = strings.Fields(*e.Launcher)
	}
	set(&c.LivenessWindow, e.LivenessWindow)
	set(&c.SweepInterval, e.SweepInterval)
	set(&c.FindAttempts, e.FindAttempts)
	set(&c.FindInterval, e.FindInterval)
	set(&c.ResponseTimeout, e.ResponseTimeout)
	set(&c.FetchTimeout, e.FetchTimeout)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.StringVar(&c.ClientKey, "client-key", c.ClientKey, "shared key contexts must present when registering")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for the settings store; empty keeps settings in memory")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for connections to close on shutdown")
	fs.StringVar(&c.PlayerURL, "player-url", c.PlayerURL, "URL opened when a player tab is needed")
	fs.Func("launcher", "command used to open new tabs; the URL is appended", func(v string) error {
		c.Launcher = strings.Fields(v)
		return nil
	})
	fs.DurationVar(&c.LivenessWindow, "liveness-window", c.LivenessWindow, "heartbeat age after which a context is considered gone")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "interval between registry sweeps and tab broadcasts")
	fs.IntVar(&c.FindAttempts, "find-attempts", c.FindAttempts, "polls for a heartbeat from a newly opened player tab")
	fs.DurationVar(&c.FindInterval, "find-interval", c.FindInterval, "spacing between player tab polls")
	fs.DurationVar(&c.ResponseTimeout, "response-timeout", c.ResponseTimeout, "time an asynchronous handler has to reply")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", c.FetchTimeout, "timeout for privileged HTTP requests")
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Load resolves the configuration from defaults, the YAML file, the
// environment and args, each overriding the previous. A missing config file
// is not an error.
func Load(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	var c ServerConfig
	c.SetDefaults()
	if err := c.ApplyEnv(); err != nil {
		return c, err
	}
	if p := configFlag(args); p != "" {
		c.ConfigFile = p
	}
	if c.ConfigFile != "" {
		if err := c.LoadFile(c.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return c, fmt.Errorf("load %s: %w", c.ConfigFile, err)
		}
		c.SetDefaults()
		if err := c.ApplyEnv(); err != nil {
			return c, err
		}
	}
	c.BindFlagsFromCurrent(fs)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	return c, nil
}

// configFlag finds --config in args ahead of the full flag parse.
func configFlag(args []string) string {
	for i, a := range args {
		name, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasVal {
			return val
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
