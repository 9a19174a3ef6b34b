// Package config loads listener configuration from defaults, an optional
// YAML file, TOPOLOGY_LISTENER_* environment variables and bound flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TOPOLOGY_LISTENER"

// Config holds the application configuration.
type Config struct {
	Mongo   MongoConfig   `mapstructure:"mongo"`
	Rescan  RescanConfig  `mapstructure:"rescan"`
	Sink    SinkConfig    `mapstructure:"sink"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// MongoConfig describes how to reach the cluster. URI holds two %s
// placeholders for the escaped user and password.
type MongoConfig struct {
	URI               string        `mapstructure:"uri"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	TLS               bool          `mapstructure:"tls"`
	ReadPreference    string        `mapstructure:"read_preference"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	RegionTag         string        `mapstructure:"region_tag"`
	ProviderTag       string        `mapstructure:"provider_tag"`
}

// RescanConfig bounds the work done per trigger.
type RescanConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MinInterval    time.Duration `mapstructure:"min_interval"`
}

// SinkConfig selects where events go.
type SinkConfig struct {
	Console bool       `mapstructure:"console"`
	Log     bool       `mapstructure:"log"`
	NATS    NATSConfig `mapstructure:"nats"`
}

// NATSConfig enables the NATS publisher when URL is set.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Stream        string        `mapstructure:"stream"`
	MaxAge        time.Duration `mapstructure:"max_age"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads configFile, if any, into v and unmarshals the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate reports missing credentials and a malformed URI pattern.
func (c *Config) Validate() error {
	var errs []error

	if c.Mongo.URI == "" {
		errs = append(errs, errors.New("mongo.uri is required"))
	} else if n := strings.Count(c.Mongo.URI, "%s"); n != 2 {
		errs = append(errs, fmt.Errorf("mongo.uri must contain two %%s placeholders for user and password, found %d", n))
	}

	if c.Mongo.User == "" {
		errs = append(errs, errors.New("mongo.user is required"))
	}

	if c.Mongo.Password == "" {
		errs = append(errs, errors.New("mongo.password is required"))
	}

	if c.Rescan.MaxBackoff < c.Rescan.InitialBackoff {
		errs = append(errs, errors.New("rescan.max_backoff must not be below rescan.initial_backoff"))
	}

	if c.Sink.NATS.Stream != "" && c.Sink.NATS.URL == "" {
		errs = append(errs, errors.New("sink.nats.stream requires sink.nats.url"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Mongo defaults
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.user", "")
	v.SetDefault("mongo.password", "")
	v.SetDefault("mongo.tls", true)
	v.SetDefault("mongo.read_preference", "primaryPreferred")
	v.SetDefault("mongo.heartbeat_interval", "10s")
	v.SetDefault("mongo.connect_timeout", "30s")
	v.SetDefault("mongo.region_tag", "region")
	v.SetDefault("mongo.provider_tag", "provider")

	// Rescan defaults
	v.SetDefault("rescan.timeout", "30s")
	v.SetDefault("rescan.max_retries", 3)
	v.SetDefault("rescan.initial_backoff", "500ms")
	v.SetDefault("rescan.max_backoff", "10s")
	v.SetDefault("rescan.min_interval", "0s")

	// Sink defaults
	v.SetDefault("sink.console", true)
	v.SetDefault("sink.log", false)
	v.SetDefault("sink.nats.url", "")
	v.SetDefault("sink.nats.subject_prefix", "topology.events")
	v.SetDefault("sink.nats.stream", "")
	v.SetDefault("sink.nats.max_age", "24h")

	// Server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":9216")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
