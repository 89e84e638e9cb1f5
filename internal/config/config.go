package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable, e.g. DLICENSE_SERVER_PORT.
const EnvPrefix = "DLICENSE"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	OTel      OTelConfig      `yaml:"otel" envconfig:"OTEL"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// LicenseConfig configures the client-side license manager.
type LicenseConfig struct {
	StorageDir string `yaml:"storage_dir" envconfig:"STORAGE_DIR"`
	AppID      string `yaml:"app_id" envconfig:"APP_ID"`
	// LicenseCode is the code this client expects. AUTO and TEMP accept
	// any code.
	LicenseCode    string `yaml:"license_code" envconfig:"CODE"`
	ProductKeyFile string `yaml:"product_key_file" envconfig:"PRODUCT_KEY_FILE"`
	// RootKeyFile replaces the compiled-in root public key, for deployments
	// whose issuer runs its own root.
	RootKeyFile      string `yaml:"root_key_file" envconfig:"ROOT_KEY_FILE"`
	RootKeyAlgorithm string `yaml:"root_key_algorithm" envconfig:"ROOT_KEY_ALGORITHM"`
	// PrivateKeyFile optionally holds the license private key for
	// deployments whose tokens do not embed it.
	PrivateKeyFile string `yaml:"private_key_file" envconfig:"PRIVATE_KEY_FILE"`

	CacheMinTTL time.Duration `yaml:"cache_min_ttl" envconfig:"CACHE_MIN_TTL"`
	CacheMaxTTL time.Duration `yaml:"cache_max_ttl" envconfig:"CACHE_MAX_TTL"`

	ArchiveBackend string `yaml:"archive_backend" envconfig:"ARCHIVE_BACKEND"`
	ArchivePath    string `yaml:"archive_path" envconfig:"ARCHIVE_PATH"`

	// ActivationRate bounds activation attempts per second.
	ActivationRate  float64 `yaml:"activation_rate" envconfig:"ACTIVATION_RATE"`
	ActivationBurst int     `yaml:"activation_burst" envconfig:"ACTIVATION_BURST"`

	// SealingCost is the scrypt N used for device keys at rest.
	SealingCost int `yaml:"sealing_cost" envconfig:"SEALING_COST"`

	// AuditConcurrency bounds parallel chain verification in health checks.
	AuditConcurrency int `yaml:"audit_concurrency" envconfig:"AUDIT_CONCURRENCY"`
}

// OTelConfig selects exporters.
type OTelConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" envconfig:"SERVICE_VERSION"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	MetricsEnabled bool    `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// Load reads an optional .env file, then layers the config file (see
// ConfigFilePath) and DLICENSE_* environment variables over Default.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return LoadFrom(ConfigFilePath())
}

// LoadFrom is Load with an explicit config file; an empty path skips the
// file layer.
func LoadFrom(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigFilePath returns DLICENSE_CONFIG_FILE or the first config.yaml in
// the usual locations, or "" when there is none.
func ConfigFilePath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG_FILE"); p != "" {
		return p
	}
	for _, location := range []string{"config.yaml", "configs/config.yaml"} {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Security.EnableCORS && len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}
	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive")
	}

	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		return fmt.Errorf("invalid logging output %q", c.Logging.Output)
	}
	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging file path is required for output %q", c.Logging.Output)
	}

	l := c.License
	if l.StorageDir == "" {
		return fmt.Errorf("license storage dir is required")
	}
	if l.AppID == "" || strings.Contains(l.AppID, "|") {
		return fmt.Errorf("license app id must be non-empty and must not contain '|'")
	}
	if l.CacheMinTTL <= 0 || l.CacheMaxTTL < l.CacheMinTTL {
		return fmt.Errorf("invalid cache ttl bounds %s..%s", l.CacheMinTTL, l.CacheMaxTTL)
	}
	switch l.ArchiveBackend {
	case "memory":
	case "file", "sqlite":
		if l.ArchivePath == "" {
			return fmt.Errorf("archive path is required for backend %q", l.ArchiveBackend)
		}
	default:
		return fmt.Errorf("invalid archive backend %q", l.ArchiveBackend)
	}
	if l.RootKeyFile != "" {
		switch strings.ToLower(l.RootKeyAlgorithm) {
		case "rsa", "ed25519", "sm2":
		default:
			return fmt.Errorf("invalid root key algorithm %q", l.RootKeyAlgorithm)
		}
	}
	if l.ActivationRate <= 0 || l.ActivationBurst <= 0 {
		return fmt.Errorf("activation rate and burst must be positive")
	}

	switch c.OTel.TraceExporter {
	case "stdout", "none":
	default:
		return fmt.Errorf("invalid trace exporter %q", c.OTel.TraceExporter)
	}
	return nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/license.log",
		},
		License: LicenseConfig{
			StorageDir:       "data/licenses",
			AppID:            "default-app",
			LicenseCode:      "AUTO",
			RootKeyAlgorithm: "RSA",
			CacheMinTTL:      60 * time.Second,
			CacheMaxTTL:      3600 * time.Second,
			ArchiveBackend:   "file",
			ArchivePath:      "data/archive.json",
			ActivationRate:   1,
			ActivationBurst:  5,
			SealingCost:      32768,
			AuditConcurrency: 4,
		},
		OTel: OTelConfig{
			ServiceName:    "decentri-license",
			ServiceVersion: "dev",
			Environment:    "development",
			MetricsEnabled: true,
			TraceExporter:  "none",
			SampleRatio:    1,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
	}
}
