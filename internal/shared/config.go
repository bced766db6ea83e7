package shared

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

//go:embed config.example.toml
var exampleConf []byte

// EnvPrefix is the prefix for environment variable overrides, e.g. GENX_BACKEND_BASE_URL.
const EnvPrefix = "GENX"

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Backend  BackendConfig  `toml:"backend" envconfig:"BACKEND"`
	Tracking TrackingConfig `toml:"tracking" envconfig:"TRACKING"`
	Download DownloadConfig `toml:"download" envconfig:"DOWNLOAD"`
	Database DatabaseConfig `toml:"database" envconfig:"DATABASE"`
	Server   ServerConfig   `toml:"server" envconfig:"SERVER"`
}

// BackendConfig locates the generation backend.
type BackendConfig struct {
	BaseURL        string `toml:"base_url" envconfig:"BASE_URL"`
	SocketURL      string `toml:"socket_url" envconfig:"SOCKET_URL"`
	TimeoutSeconds int    `toml:"timeout_seconds" envconfig:"TIMEOUT_SECONDS"`
}

// TrackingConfig tunes the poll loop, the push channel and reconnects.
type TrackingConfig struct {
	PollIntervalMS      int  `toml:"poll_interval_ms" envconfig:"POLL_INTERVAL_MS"`
	MaxPollIntervalMS   int  `toml:"max_poll_interval_ms" envconfig:"MAX_POLL_INTERVAL_MS"`
	MaxPollFailures     int  `toml:"max_poll_failures" envconfig:"MAX_POLL_FAILURES"`
	UsePush             bool `toml:"use_push" envconfig:"USE_PUSH"`
	ReconnectIntervalMS int  `toml:"reconnect_interval_ms" envconfig:"RECONNECT_INTERVAL_MS"`
	MaxReconnects       int  `toml:"max_reconnects" envconfig:"MAX_RECONNECTS"`
}

// DownloadConfig contains bulk download settings.
type DownloadConfig struct {
	Dir        string  `toml:"dir" envconfig:"DIR"`
	NumWorkers int     `toml:"num_workers" envconfig:"NUM_WORKERS"`
	RateLimit  float64 `toml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path" envconfig:"PATH"`
	MaxOpenConns int    `toml:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns int    `toml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
}

// ServerConfig contains settings for the development backend.
type ServerConfig struct {
	Host   string `toml:"host" envconfig:"HOST"`
	Port   int    `toml:"port" envconfig:"PORT"`
	StepMS int    `toml:"step_ms" envconfig:"STEP_MS"`
}

// Timeout returns the HTTP client timeout.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// PollInterval returns the base poll interval.
func (t TrackingConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMS) * time.Millisecond
}

// MaxPollInterval returns the cap for poll backoff after failures.
func (t TrackingConfig) MaxPollInterval() time.Duration {
	return time.Duration(t.MaxPollIntervalMS) * time.Millisecond
}

// ReconnectInterval returns the minimum spacing between push reconnect attempts.
func (t TrackingConfig) ReconnectInterval() time.Duration {
	return time.Duration(t.ReconnectIntervalMS) * time.Millisecond
}

// Step returns the development backend's simulation step.
func (s ServerConfig) Step() time.Duration {
	return time.Duration(s.StepMS) * time.Millisecond
}

// Addr returns host:port for the development backend.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate checks the values the client cannot run without.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("%w: backend.base_url is required", ErrInvalidConfig)
	}
	if _, err := url.ParseRequestURI(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("%w: backend.base_url: %v", ErrInvalidConfig, err)
	}
	if c.Tracking.UsePush && c.Backend.SocketURL == "" {
		return fmt.Errorf("%w: backend.socket_url is required when tracking.use_push is set", ErrInvalidConfig)
	}
	if c.Tracking.PollIntervalMS <= 0 {
		return fmt.Errorf("%w: tracking.poll_interval_ms must be positive", ErrInvalidConfig)
	}
	if c.Tracking.MaxPollFailures < 0 || c.Tracking.MaxReconnects < 0 {
		return fmt.Errorf("%w: tracking limits cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Values missing from the file keep the embedded defaults. Environment overrides are applied afterwards.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := ApplyEnv(config); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyEnv loads a .env file from the working directory when present and overlays GENX_* variables onto config.
func ApplyEnv(config *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
