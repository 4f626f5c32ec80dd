package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment variable, e.g.
// TRIALGUARD_LICENSE_TRIAL_DAYS.
const EnvPrefix = "TRIALGUARD"

// ConfigFileEnv names an explicit YAML config file.
const ConfigFileEnv = "TRIALGUARD_CONFIG"

// Config represents the complete application configuration
type Config struct {
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// LicenseConfig holds the trial tunables and the injected secrets.
type LicenseConfig struct {
	TrialDays      int           `yaml:"trial_days" envconfig:"TRIAL_DAYS" validate:"gte=1"`
	UsageCap       time.Duration `yaml:"usage_cap" envconfig:"USAGE_CAP" validate:"gte=0"`
	SmallSkew      time.Duration `yaml:"small_skew" envconfig:"SMALL_SKEW" validate:"gte=0"`
	ForwardJumpCap time.Duration `yaml:"forward_jump_cap" envconfig:"FORWARD_JUMP_CAP" validate:"gte=0"`
	WatchdogPeriod time.Duration `yaml:"watchdog_period" envconfig:"WATCHDOG_PERIOD" validate:"gt=0"`
	AutoGrantDays  int           `yaml:"auto_grant_days" envconfig:"AUTO_GRANT_DAYS" validate:"gte=0"`
	LicenseFile    string        `yaml:"license_file" envconfig:"FILE"`

	// Secrets. Never logged.
	SigningSecret string `yaml:"signing_secret" envconfig:"SIGNING_SECRET" validate:"required,min=16"`
	ActivationKey string `yaml:"activation_key" envconfig:"ACTIVATION_KEY" validate:"required"`
}

// UsageCapSecs returns the usage cap in whole seconds.
func (c LicenseConfig) UsageCapSecs() int64 { return int64(c.UsageCap / time.Second) }

// ServerConfig contains the local HTTP server configuration
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" envconfig:"ENABLED"`
	Address         string        `yaml:"address" envconfig:"ADDRESS" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`

	// API requests allowed per second, and the burst above that.
	RateLimit float64 `yaml:"rate_limit" envconfig:"RATE_LIMIT" validate:"gt=0"`
	RateBurst int     `yaml:"rate_burst" envconfig:"RATE_BURST" validate:"gte=1"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" validate:"required_unless=Output console"`
}

// TelemetryConfig controls the OpenTelemetry providers
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME" validate:"required"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	MetricsEnabled bool    `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	TracingEnabled bool    `yaml:"tracing_enabled" envconfig:"TRACING_ENABLED"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" validate:"gt=0"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" validate:"gt=0"`
	WriteWait       time.Duration `yaml:"write_wait" envconfig:"WRITE_WAIT" validate:"gt=0"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" validate:"gt=0"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" validate:"gt=0,ltfield=PongWait"`
}

// Default returns default configuration. The secrets are left empty.
func Default() *Config {
	return &Config{
		License: LicenseConfig{
			TrialDays:      4,
			SmallSkew:      2 * time.Minute,
			ForwardJumpCap: 6 * time.Hour,
			WatchdogPeriod: time.Second,
		},
		Server: ServerConfig{
			Enabled:         true,
			Address:         "127.0.0.1:8089",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: "logs/trialguard.log",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "trialguard",
			Environment:    "production",
			MetricsEnabled: true,
			TracingEnabled: false,
			TraceExporter:  "stdout",
			SampleRatio:    1.0,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			WriteWait:       10 * time.Second,
			PongWait:        60 * time.Second,
			PingPeriod:      54 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file, then
// the environment. The environment wins.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get paths: %w", err)
	}

	configFile, explicit := os.LookupEnv(ConfigFileEnv)
	if !explicit {
		configFile = paths.ConfigFile
	}
	return load(configFile, explicit, paths)
}

func load(configFile string, mustExist bool, paths *Paths) (*Config, error) {
	cfg := Default()

	if err := loadFromFile(configFile, cfg); err != nil {
		if mustExist || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.resolve(paths); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", filePath, err)
	}
	return nil
}

// resolve fills derived values and makes paths absolute.
func (c *Config) resolve(paths *Paths) error {
	if c.License.UsageCap == 0 {
		c.License.UsageCap = time.Duration(c.License.TrialDays) * 24 * time.Hour
	}

	licenseFile, err := paths.Resolve(c.License.LicenseFile, paths.LicenseFile)
	if err != nil {
		return fmt.Errorf("license file: %w", err)
	}
	c.License.LicenseFile = licenseFile

	if c.Logging.Output != "console" {
		logFile, err := paths.Resolve(c.Logging.FilePath, "")
		if err != nil {
			return fmt.Errorf("log file: %w", err)
		}
		c.Logging.FilePath = logFile
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every struct tag constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid %s: failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}
	return nil
}
