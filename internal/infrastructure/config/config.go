package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for onionwarden.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Tor      TorConfig      `yaml:"tor"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// TorConfig contains settings for the supervised Tor daemon.
type TorConfig struct {
	// Binary is the path to an installed, executable tor binary.
	Binary string `yaml:"binary"`

	// DataRoot is the writable directory; Tor state lives in <data_root>/tordata.
	DataRoot string `yaml:"data_root"`

	// SocksAddress is the host:port Tor binds its SOCKS listener to.
	// Default: "127.0.0.1:9050"
	SocksAddress string `yaml:"socks_address"`

	// LogLevel is the Tor log severity (debug, info, notice, warn, err).
	// Default: "notice"
	LogLevel string `yaml:"log_level"`

	// GracefulTimeout is how long stop waits after SIGTERM before SIGKILL.
	// Default: 10s
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	// ReadyTimeout is how long the run command waits for bootstrap before
	// reporting "still starting". Zero checks once without waiting.
	// Default: 2m
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// Stderr selects what happens to Tor's stderr: "log" or "discard".
	// Default: "log"
	Stderr string `yaml:"stderr"`
}

// DatabaseConfig contains SQLite settings for the run journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// PublishLines mirrors every Tor log line to the log topic.
	PublishLines bool `yaml:"publish_lines"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values, if path is not empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ONIONWARDEN_SECTION_KEY
// For example: ONIONWARDEN_TOR_BINARY, ONIONWARDEN_DATABASE_PATH
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults. Tor binary and data root
// have no default and must be supplied.
func Default() *Config {
	return &Config{
		Tor: TorConfig{
			SocksAddress:    "127.0.0.1:9050",
			LogLevel:        "notice",
			GracefulTimeout: 10 * time.Second,
			ReadyTimeout:    2 * time.Minute,
			Stderr:          "log",
		},
		Database: DatabaseConfig{
			Enabled:     true,
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "onionwarden",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
			Output: "stderr",
		},
	}
}

// DatabasePath returns the journal path, defaulting to <data_root>/onionwarden.db.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Tor.DataRoot, "onionwarden.db")
}

// LockPath returns the single-instance lock file for the data root.
func (c *Config) LockPath() string {
	return filepath.Join(c.Tor.DataRoot, "onionwarden.lock")
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Tor
	if v := os.Getenv("ONIONWARDEN_TOR_BINARY"); v != "" {
		cfg.Tor.Binary = v
	}
	if v := os.Getenv("ONIONWARDEN_TOR_DATA_ROOT"); v != "" {
		cfg.Tor.DataRoot = v
	}
	if v := os.Getenv("ONIONWARDEN_TOR_SOCKS_ADDRESS"); v != "" {
		cfg.Tor.SocksAddress = v
	}
	if v := os.Getenv("ONIONWARDEN_TOR_READY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tor.ReadyTimeout = d
		}
	}

	// Database
	if v := os.Getenv("ONIONWARDEN_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("ONIONWARDEN_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ONIONWARDEN_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ONIONWARDEN_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("ONIONWARDEN_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("ONIONWARDEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	// Tor validation
	if c.Tor.Binary == "" {
		errs = append(errs, "tor.binary is required (set ONIONWARDEN_TOR_BINARY)")
	} else if !filepath.IsAbs(c.Tor.Binary) {
		errs = append(errs, "tor.binary must be an absolute path")
	}
	if c.Tor.DataRoot == "" {
		errs = append(errs, "tor.data_root is required (set ONIONWARDEN_TOR_DATA_ROOT)")
	} else if !filepath.IsAbs(c.Tor.DataRoot) {
		errs = append(errs, "tor.data_root must be an absolute path")
	}
	if err := validateHostPort(c.Tor.SocksAddress); err != nil {
		errs = append(errs, "tor.socks_address "+err.Error())
	}
	switch c.Tor.LogLevel {
	case "debug", "info", "notice", "warn", "err":
	default:
		errs = append(errs, "tor.log_level must be one of debug, info, notice, warn, err")
	}
	if c.Tor.GracefulTimeout <= 0 {
		errs = append(errs, "tor.graceful_timeout must be positive")
	}
	if c.Tor.ReadyTimeout < 0 {
		errs = append(errs, "tor.ready_timeout must not be negative")
	}
	if c.Tor.Stderr != "log" && c.Tor.Stderr != "discard" {
		errs = append(errs, "tor.stderr must be \"log\" or \"discard\"")
	}

	// Database validation
	if c.Database.BusyTimeout < 0 {
		errs = append(errs, "database.busy_timeout must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
		if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
			errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
		}
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	// Logging validation
	switch strings.ToLower(c.Logging.Format) {
	case "", "auto", "json", "text":
	default:
		errs = append(errs, "logging.format must be auto, json or text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateHostPort checks a host:port pair.
func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port: %w", err)
	}
	if host == "" {
		return fmt.Errorf("must include a host")
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}
