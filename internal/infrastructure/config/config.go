package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Atag One MQTT bridge.
// It is loaded from an optional YAML file and overridden by environment variables.
type Config struct {
	Atag     AtagConfig     `yaml:"atag"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Homie    HomieConfig    `yaml:"homie"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AtagConfig contains the appliance connection settings.
type AtagConfig struct {
	// Host is the appliance address. Empty means discover it on the LAN.
	Host string `yaml:"host"`

	// MAC identifies this client in the appliance's account_auth block.
	MAC string `yaml:"mac"`

	// Hostname is reported to the appliance when pairing.
	Hostname string `yaml:"hostname"`

	// Paired skips the pairing handshake when the client is already known.
	Paired bool `yaml:"paired"`

	UpdateInterval int `yaml:"update_interval"` // seconds between refreshes
	SetupTimeout   int `yaml:"setup_timeout"`   // seconds for discovery through first refresh
	RestartTimeout int `yaml:"restart_timeout"` // backoff seconds after a failure
	RequestTimeout int `yaml:"request_timeout"` // seconds per HTTP request
	CommandTimeout int `yaml:"command_timeout"` // seconds per inbound command

	// CommandRate limits inbound commands per second. Burst is CommandBurst.
	CommandRate  float64 `yaml:"command_rate"`
	CommandBurst int     `yaml:"command_burst"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	KeepAlive int                 `yaml:"keepalive"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// HomieConfig describes how the bridge presents itself on the Homie convention.
type HomieConfig struct {
	Topic          string `yaml:"topic"`
	DeviceID       string `yaml:"device_id"`
	Name           string `yaml:"name"`
	FirmwareName   string `yaml:"fw_name"`
	FirmwareVer    string `yaml:"fw_version"`
	UpdateInterval int    `yaml:"update_interval"` // seconds between $stats publishes
}

// DatabaseConfig contains SQLite journal settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
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

// APIConfig contains the status HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from an optional YAML file and applies environment
// variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values, when path is non-empty
//  3. Environment variables (override file values)
//
// Environment variable names match the ones the bridge has always used
// (ATAG_HOST, MQTT_HOST, LOGLEVEL, ...). A malformed numeric or boolean
// variable is a load error.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOptional behaves like Load but treats a missing file as "no file".
func LoadOptional(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return Load(path)
}

// defaultConfig returns a Config with the bridge's historical defaults.
func defaultConfig() *Config {
	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		hostname = "atagmqtt"
	}
	return &Config{
		Atag: AtagConfig{
			Hostname:       hostname,
			UpdateInterval: 30,
			SetupTimeout:   30,
			RestartTimeout: 60,
			RequestTimeout: 10,
			CommandTimeout: 15,
			CommandRate:    1,
			CommandBurst:   5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "atagmqtt-" + hostname,
			},
			QoS:       1,
			KeepAlive: 60,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Homie: HomieConfig{
			Topic:          "homie",
			DeviceID:       "atagone",
			Name:           "Atag One",
			FirmwareName:   "AtagOne",
			FirmwareVer:    "dev",
			UpdateInterval: 60,
		},
		Database: DatabaseConfig{
			Path:        "./data/atagmqtt.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "atagmqtt",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8089,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be an integer, got %q", key, v))
			return
		}
		*dst = n
	}
	setBool := func(key string, dst *bool) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be a boolean, got %q", key, v))
			return
		}
		*dst = b
	}

	// Appliance
	setString("ATAG_HOST", &cfg.Atag.Host)
	setString("ATAG_MAC", &cfg.Atag.MAC)
	setBool("ATAG_PAIRED", &cfg.Atag.Paired)
	setInt("ATAG_UPDATE_INTERVAL", &cfg.Atag.UpdateInterval)
	setInt("ATAG_SETUP_TIMEOUT", &cfg.Atag.SetupTimeout)
	setInt("ATAG_RESTART_TIMEOUT", &cfg.Atag.RestartTimeout)

	// MQTT
	setString("MQTT_HOST", &cfg.MQTT.Broker.Host)
	setInt("MQTT_PORT", &cfg.MQTT.Broker.Port)
	setString("MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	setString("MQTT_PASSWORD", &cfg.MQTT.Auth.Password)
	setString("MQTT_CLIENT", &cfg.MQTT.Broker.ClientID)
	setString("HOMIE_TOPIC", &cfg.Homie.Topic)

	// Logging
	setString("LOGLEVEL", &cfg.Logging.Level)

	// Operational surfaces
	setString("ATAGMQTT_DB_PATH", &cfg.Database.Path)
	setBool("ATAGMQTT_DB_ENABLED", &cfg.Database.Enabled)
	setBool("ATAGMQTT_INFLUX_ENABLED", &cfg.InfluxDB.Enabled)
	setString("ATAGMQTT_INFLUX_URL", &cfg.InfluxDB.URL)
	setString("ATAGMQTT_INFLUX_TOKEN", &cfg.InfluxDB.Token)
	setString("ATAGMQTT_INFLUX_ORG", &cfg.InfluxDB.Org)
	setString("ATAGMQTT_INFLUX_BUCKET", &cfg.InfluxDB.Bucket)
	setBool("ATAGMQTT_API_ENABLED", &cfg.API.Enabled)
	setInt("ATAGMQTT_API_PORT", &cfg.API.Port)

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validLogLevels are the accepted logging.level values, compared lower-cased.
var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Appliance validation
	if c.Atag.UpdateInterval <= 0 {
		errs = append(errs, "atag.update_interval must be greater than 0")
	}
	if c.Atag.RestartTimeout <= 0 {
		errs = append(errs, "atag.restart_timeout must be greater than 0")
	}
	if c.Atag.SetupTimeout <= 0 {
		errs = append(errs, "atag.setup_timeout must be greater than 0")
	}
	if c.Atag.RequestTimeout <= 0 {
		errs = append(errs, "atag.request_timeout must be greater than 0")
	}
	if c.Atag.CommandTimeout <= 0 {
		errs = append(errs, "atag.command_timeout must be greater than 0")
	}
	if c.Atag.CommandRate <= 0 || c.Atag.CommandBurst < 1 {
		errs = append(errs, "atag.command_rate and atag.command_burst must be positive")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Homie validation
	if c.Homie.Topic == "" || strings.ContainsAny(c.Homie.Topic, "#+") {
		errs = append(errs, "homie.topic must be non-empty and contain no wildcards")
	}
	if c.Homie.DeviceID == "" {
		errs = append(errs, "homie.device_id is required")
	}
	if c.Homie.UpdateInterval <= 0 {
		errs = append(errs, "homie.update_interval must be greater than 0")
	}

	// Logging validation
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	// Optional surfaces
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when telemetry is enabled")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetUpdateInterval returns the poll interval as a Duration.
func (c *Config) GetUpdateInterval() time.Duration {
	return time.Duration(c.Atag.UpdateInterval) * time.Second
}

// GetSetupTimeout returns the discovery/setup deadline as a Duration.
func (c *Config) GetSetupTimeout() time.Duration {
	return time.Duration(c.Atag.SetupTimeout) * time.Second
}

// GetRestartTimeout returns the reconnect backoff as a Duration.
func (c *Config) GetRestartTimeout() time.Duration {
	return time.Duration(c.Atag.RestartTimeout) * time.Second
}

// GetRequestTimeout returns the per-request appliance timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Atag.RequestTimeout) * time.Second
}

// GetCommandTimeout returns the inbound command deadline as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Atag.CommandTimeout) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
