package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Reconnect policy names accepted by serial.reconnect.policy.
const (
	ReconnectPolicyImmediate   = "immediate"
	ReconnectPolicyConstant    = "constant"
	ReconnectPolicyExponential = "exponential"
)

// Config is the link service configuration: YAML on top of defaults, with
// MUSEUMALERT_* environment variables applied last.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Serial      SerialConfig      `yaml:"serial"`
	Correlation CorrelationConfig `yaml:"correlation"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	Security    SecurityConfig    `yaml:"security"`
}

// ServiceConfig identifies this link service instance.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetentionDays bounds device_state_history. 0 keeps everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// SerialConfig contains the local USB serial link settings.
type SerialConfig struct {
	// Enabled turns the serial transport on. A service without a locally
	// attached device still runs the bus side.
	Enabled bool `yaml:"enabled"`

	// Port is the OS device path, e.g. "/dev/ttyACM0" or "COM3".
	Port string `yaml:"port"`

	BaudRate      int `yaml:"baud_rate"`
	ReadTimeoutMS int `yaml:"read_timeout_ms"`

	// DeviceID is the serial number of the attached device. Frames that
	// carry no "sn" are attributed to it, and commands on the serial link
	// are only sent for it. Required when Enabled.
	DeviceID string `yaml:"device_id"`

	// MaxFrameBytes bounds the carry-over buffer used for partial frames.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	Reconnect SerialReconnectConfig `yaml:"reconnect"`
}

// SerialReconnectConfig selects the serial reconnect backoff policy.
type SerialReconnectConfig struct {
	// Policy is one of "immediate", "constant" or "exponential".
	Policy         string  `yaml:"policy"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	Jitter         bool    `yaml:"jitter"`

	// MaxAttempts caps consecutive failed reopen attempts. 0 means unlimited.
	MaxAttempts int `yaml:"max_attempts"`
}

// CorrelationConfig bounds request/acknowledgement timeouts.
type CorrelationConfig struct {
	DefaultTimeoutMS int `yaml:"default_timeout_ms"`
	MaxTimeoutMS     int `yaml:"max_timeout_ms"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// KafkaConfig contains the device event export settings.
type KafkaConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Brokers         []string `yaml:"brokers"`
	Topic           string   `yaml:"topic"`
	BatchSize       int      `yaml:"batch_size"`
	FlushIntervalMS int      `yaml:"flush_interval_ms"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. Environment variables are named
// MUSEUMALERT_<SECTION>_<KEY>, e.g. MUSEUMALERT_SERIAL_PORT.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			o.apply(cfg, v)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{ID: "museum-alert-link", Name: "Museum Alert"},
		Database: DatabaseConfig{
			Path:                 "./data/museum-alert.db",
			WALMode:              true,
			BusyTimeout:          5,
			HistoryRetentionDays: 90,
		},
		MQTT: MQTTConfig{
			Broker:      MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "museum-alert-link"},
			QoS:         1,
			TopicPrefix: "museum-alert",
			Reconnect:   MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
		},
		Serial: SerialConfig{
			BaudRate:      9600,
			ReadTimeoutMS: 500,
			MaxFrameBytes: 64 * 1024,
			Reconnect: SerialReconnectConfig{
				Policy:         ReconnectPolicyExponential,
				InitialDelayMS: 500,
				MaxDelayMS:     30000,
				Multiplier:     2,
				Jitter:         true,
			},
		},
		Correlation: CorrelationConfig{DefaultTimeoutMS: 10000, MaxTimeoutMS: 120000},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			// Write covers the longest command a client may wait for.
			Timeouts: APITimeoutConfig{Read: 30, Write: 150, Idle: 60},
		},
		WebSocket: WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Kafka:     KafkaConfig{Topic: "museum-alert.device-events", BatchSize: 100, FlushIntervalMS: 1000},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Security:  SecurityConfig{JWT: JWTConfig{AccessTokenTTL: 15}},
	}
}

// envOverrides are applied in order; empty variables are ignored.
var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{"MUSEUMALERT_DATABASE_PATH", func(c *Config, v string) { c.Database.Path = v }},
	{"MUSEUMALERT_MQTT_HOST", func(c *Config, v string) { c.MQTT.Broker.Host = v }},
	{"MUSEUMALERT_MQTT_PORT", func(c *Config, v string) { setInt(&c.MQTT.Broker.Port, v) }},
	{"MUSEUMALERT_MQTT_USERNAME", func(c *Config, v string) { c.MQTT.Auth.Username = v }},
	{"MUSEUMALERT_MQTT_PASSWORD", func(c *Config, v string) { c.MQTT.Auth.Password = v }},
	{"MUSEUMALERT_SERIAL_PORT", func(c *Config, v string) {
		// Naming a port is enough to turn the serial link on.
		c.Serial.Port, c.Serial.Enabled = v, true
	}},
	{"MUSEUMALERT_SERIAL_DEVICE_ID", func(c *Config, v string) { c.Serial.DeviceID = v }},
	{"MUSEUMALERT_API_HOST", func(c *Config, v string) { c.API.Host = v }},
	{"MUSEUMALERT_API_PORT", func(c *Config, v string) { setInt(&c.API.Port, v) }},
	{"MUSEUMALERT_INFLUXDB_TOKEN", func(c *Config, v string) { c.InfluxDB.Token = v }},
	{"MUSEUMALERT_KAFKA_BROKERS", func(c *Config, v string) { c.Kafka.Brokers = strings.Split(v, ",") }},
	{"MUSEUMALERT_LOG_LEVEL", func(c *Config, v string) { c.Logging.Level = v }},
	{"MUSEUMALERT_JWT_SECRET", func(c *Config, v string) { c.Security.JWT.Secret = v }},
}

// setInt leaves dst unchanged when v is not a number.
func setInt(dst *int, v string) {
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// problems accumulates validation failures so one run reports them all.
type problems []string

func (p *problems) check(ok bool, format string, args ...any) {
	if !ok {
		*p = append(*p, fmt.Sprintf(format, args...))
	}
}

// minJWTSecretLength applies because tokens carry the company scope; a
// guessable secret would let anyone reach another company's devices.
const minJWTSecretLength = 32

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var p problems

	p.check(c.Service.ID != "", "service.id is required")
	p.check(c.Database.Path != "", "database.path is required")
	p.check(c.Database.HistoryRetentionDays >= 0, "database.history_retention_days must not be negative")

	p.check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	p.check(c.MQTT.TopicPrefix != "" && !strings.ContainsAny(c.MQTT.TopicPrefix, "+#"),
		"mqtt.topic_prefix is required and must not contain wildcards")

	c.Serial.validate(&p)

	p.check(c.Correlation.DefaultTimeoutMS > 0, "correlation.default_timeout_ms must be positive")
	p.check(c.Correlation.MaxTimeoutMS >= c.Correlation.DefaultTimeoutMS,
		"correlation.max_timeout_ms must be >= correlation.default_timeout_ms")

	p.check(c.API.Port >= 1 && c.API.Port <= 65535, "api.port must be between 1 and 65535")

	if c.Kafka.Enabled {
		p.check(len(c.Kafka.Brokers) > 0, "kafka.brokers is required when kafka is enabled")
		p.check(c.Kafka.Topic != "", "kafka.topic is required when kafka is enabled")
	}
	if c.InfluxDB.Enabled {
		p.check(c.InfluxDB.URL != "", "influxdb.url is required when influxdb is enabled")
	}

	secret := c.Security.JWT.Secret
	p.check(secret != "", "security.jwt.secret is required (set MUSEUMALERT_JWT_SECRET environment variable)")
	if secret != "" {
		p.check(len(secret) >= minJWTSecretLength, "security.jwt.secret must be at least %d characters", minJWTSecretLength)
	}

	if len(p) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(p, "; "))
	}
	return nil
}

func (s SerialConfig) validate(p *problems) {
	if !s.Enabled {
		return
	}
	p.check(s.Port != "", "serial.port is required when serial is enabled")
	p.check(s.DeviceID != "", "serial.device_id is required when serial is enabled")
	p.check(s.BaudRate > 0, "serial.baud_rate must be positive")
	p.check(s.MaxFrameBytes >= 64, "serial.max_frame_bytes must be at least 64")
	p.check(s.Reconnect.MaxAttempts >= 0, "serial.reconnect.max_attempts must not be negative")

	r := s.Reconnect
	switch r.Policy {
	case ReconnectPolicyImmediate:
	case ReconnectPolicyConstant:
		p.check(r.InitialDelayMS > 0, "serial.reconnect.initial_delay_ms must be positive for the constant policy")
	case ReconnectPolicyExponential:
		p.check(r.InitialDelayMS > 0 && r.MaxDelayMS >= r.InitialDelayMS,
			"serial.reconnect delays must satisfy 0 < initial_delay_ms <= max_delay_ms")
		p.check(r.Multiplier >= 1, "serial.reconnect.multiplier must be >= 1")
	default:
		p.check(false, "serial.reconnect.policy %q is not one of immediate, constant, exponential", r.Policy)
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ReadTimeout also bounds reading request headers.
func (t APITimeoutConfig) ReadTimeout() time.Duration { return seconds(t.Read) }

func (t APITimeoutConfig) WriteTimeout() time.Duration { return seconds(t.Write) }

func (t APITimeoutConfig) IdleTimeout() time.Duration { return seconds(t.Idle) }

// DefaultRequestTimeout applies when a caller gives no timeout.
func (c CorrelationConfig) DefaultRequestTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMS) * time.Millisecond
}

// MaxRequestTimeout caps caller-supplied timeouts.
func (c CorrelationConfig) MaxRequestTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutMS) * time.Millisecond
}

// HistoryRetention is how long state history is kept; 0 means forever.
func (d DatabaseConfig) HistoryRetention() time.Duration {
	return time.Duration(d.HistoryRetentionDays) * 24 * time.Hour
}
