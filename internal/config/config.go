package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix for every environment variable read by Load.
const EnvPrefix = "LICENSE"

// Config represents the complete configuration shared by the license server,
// the agent and the operator CLI. Each binary reads the sections it needs.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	Authority AuthorityConfig `yaml:"authority" envconfig:"AUTHORITY"`
	Agent     AgentConfig     `yaml:"agent" envconfig:"AGENT"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// AdminJWTSecret signs and verifies bearer tokens for /admin routes and
	// /upgrade. Both are disabled when it is empty.
	AdminJWTSecret string `yaml:"admin_jwt_secret" envconfig:"ADMIN_JWT_SECRET"`
	AdminIssuer    string `yaml:"admin_issuer" envconfig:"ADMIN_ISSUER"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// DatabaseConfig selects the relational store backing the authority.
type DatabaseConfig struct {
	Dialect         string        `yaml:"dialect" envconfig:"DIALECT"`
	DSN             string        `yaml:"dsn" envconfig:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" envconfig:"AUTO_MIGRATE"`
}

// RedisConfig configures the failed activation throttle. An empty Addr keeps
// the throttle in process memory.
type RedisConfig struct {
	Addr          string        `yaml:"addr" envconfig:"ADDR"`
	Password      string        `yaml:"password" envconfig:"PASSWORD"`
	DB            int           `yaml:"db" envconfig:"DB"`
	FailureWindow time.Duration `yaml:"failure_window" envconfig:"FAILURE_WINDOW"`
	MaxFailures   int           `yaml:"max_failures" envconfig:"MAX_FAILURES"`
}

// AuthorityConfig contains activation authority settings
type AuthorityConfig struct {
	PrivateKeyPath       string `yaml:"private_key_path" envconfig:"PRIVATE_KEY_PATH"`
	GenerateKeyIfMissing bool   `yaml:"generate_key_if_missing" envconfig:"GENERATE_KEY_IF_MISSING"`
	KeyBits              int    `yaml:"key_bits" envconfig:"KEY_BITS"`
	GraceDays            int    `yaml:"grace_days" envconfig:"GRACE_DAYS"`
	DefaultTier          string `yaml:"default_tier" envconfig:"DEFAULT_TIER"`
}

// AgentConfig contains client agent settings
type AgentConfig struct {
	ServerURL         string        `yaml:"server_url" envconfig:"SERVER_URL"`
	StateDir          string        `yaml:"state_dir" envconfig:"STATE_DIR"`
	ProductKey        string        `yaml:"product_key" envconfig:"PRODUCT_KEY"`
	AppVersion        string        `yaml:"app_version" envconfig:"APP_VERSION"`
	ServiceName       string        `yaml:"service_name" envconfig:"SERVICE_NAME"`
	ListenAddr        string        `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL"`
	GracePeriod       time.Duration `yaml:"grace_period" envconfig:"GRACE_PERIOD"`
	RequestTimeout    time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	RecheckInterval   time.Duration `yaml:"recheck_interval" envconfig:"RECHECK_INTERVAL"`
	AdminToken        string        `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled" envconfig:"ENABLED"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// Load builds the configuration from defaults, then the YAML file (if any),
// then environment variables. Later sources win.
func Load() (*Config, error) {
	return LoadFile(getConfigFilePath())
}

// LoadFile is Load with an explicit config file path. An empty path skips the file.
func LoadFile(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Fields without a matching variable are left untouched
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	switch strings.ToLower(c.Database.Dialect) {
	case "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unsupported database dialect: %q", c.Database.Dialect)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn must be set")
	}

	if c.Authority.KeyBits != 0 && c.Authority.KeyBits < 2048 {
		return fmt.Errorf("authority key bits must be at least 2048, got %d", c.Authority.KeyBits)
	}

	if c.Authority.GraceDays < 0 {
		return fmt.Errorf("authority grace days cannot be negative")
	}

	if c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("agent heartbeat interval must be positive")
	}

	if c.Agent.GracePeriod < 0 {
		return fmt.Errorf("agent grace period cannot be negative")
	}

	if c.Agent.StateDir == "" {
		return fmt.Errorf("agent state dir must be set")
	}

	if c.Redis.MaxFailures <= 0 {
		return fmt.Errorf("redis max failures must be positive")
	}

	// JSON is the only supported log format
	c.Logging.Format = "json"

	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		c.Logging.Output = "console"
	}

	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/license.log"
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG"); explicit != "" {
		return explicit
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"/etc/license/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
			AdminIssuer: "license-server",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/license.log",
		},
		Database: DatabaseConfig{
			Dialect:         "sqlite",
			DSN:             "file:license.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			FailureWindow: 15 * time.Minute,
			MaxFailures:   10,
		},
		Authority: AuthorityConfig{
			PrivateKeyPath: "keys/private_key.pem",
			KeyBits:        2048,
			GraceDays:      7,
			DefaultTier:    "basic",
		},
		Agent: AgentConfig{
			ServerURL:         "http://127.0.0.1:8080",
			StateDir:          "/var/license",
			AppVersion:        "1.0.0",
			ListenAddr:        "127.0.0.1:8090",
			HeartbeatInterval: 5 * time.Minute,
			GracePeriod:       7 * 24 * time.Hour,
			RequestTimeout:    10 * time.Second,
			RecheckInterval:   time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:        true,
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
