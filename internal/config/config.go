package config

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Container ContainerConfig `mapstructure:"container" yaml:"container"`
	SSH       SSHConfig       `mapstructure:"ssh" yaml:"ssh"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// SubmitInterval is the minimum spacing between accepted batch submissions
	SubmitInterval time.Duration `mapstructure:"submit_interval" yaml:"submit_interval"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RemoteConfig holds configuration for the HTTP inference service
type RemoteConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Prompt  string        `mapstructure:"prompt" yaml:"prompt"` // empty uses the built-in evaluation prompt
}

// ContainerConfig holds configuration for container-exec backends
type ContainerConfig struct {
	Engine         string        `mapstructure:"engine" yaml:"engine"` // "podman" or "docker"
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxOutputBytes int64         `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
	ModelsDir      string        `mapstructure:"models_dir" yaml:"models_dir"`
	NPredict       int           `mapstructure:"n_predict" yaml:"n_predict"`
	Prompt         string        `mapstructure:"prompt" yaml:"prompt"`
}

// SSHConfig configures running probes and benchmarks on a remote host.
// When disabled every command runs on the local machine.
type SSHConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	User           string        `mapstructure:"user" yaml:"user"`
	KeyPath        string        `mapstructure:"key_path" yaml:"key_path"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.submit_interval", 5*time.Second)

	v.SetDefault("database.path", "./data/benchmarks.db")

	v.SetDefault("remote.url", "http://localhost:11434")
	v.SetDefault("remote.timeout", 2*time.Minute)

	v.SetDefault("container.engine", "podman")
	v.SetDefault("container.timeout", 5*time.Minute)
	v.SetDefault("container.max_output_bytes", 10*1024*1024)
	v.SetDefault("container.models_dir", "./models")
	v.SetDefault("container.n_predict", 128)

	v.SetDefault("ssh.enabled", false)
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.user", "root")
	v.SetDefault("ssh.connect_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func bindEnvVars(v *viper.Viper) {
	// BindEnv errors are non-fatal but should be logged
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	bindEnv("database.path", "DATABASE_PATH")

	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")

	bindEnv("remote.url", "OLLAMA_URL")
	bindEnv("remote.timeout", "OLLAMA_TIMEOUT")

	bindEnv("container.engine", "CONTAINER_ENGINE")
	bindEnv("container.models_dir", "MODELS_DIR")
	bindEnv("container.timeout", "CONTAINER_TIMEOUT")

	bindEnv("ssh.enabled", "BENCH_SSH_ENABLED")
	bindEnv("ssh.host", "BENCH_SSH_HOST")
	bindEnv("ssh.port", "BENCH_SSH_PORT")
	bindEnv("ssh.user", "BENCH_SSH_USER")
	bindEnv("ssh.key_path", "BENCH_SSH_KEY")

	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Remote.URL == "" {
		return fmt.Errorf("OLLAMA_URL is required")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote timeout must be positive")
	}
	switch c.Container.Engine {
	case "podman", "docker":
	default:
		return fmt.Errorf("unsupported container engine %q (want podman or docker)", c.Container.Engine)
	}
	if c.Container.Timeout <= 0 {
		return fmt.Errorf("container timeout must be positive")
	}
	if c.Container.MaxOutputBytes <= 0 {
		return fmt.Errorf("container max_output_bytes must be positive")
	}

	if c.SSH.Enabled {
		if c.SSH.Host == "" {
			return fmt.Errorf("BENCH_SSH_HOST is required when SSH is enabled")
		}
		if c.SSH.KeyPath == "" {
			return fmt.Errorf("BENCH_SSH_KEY is required when SSH is enabled")
		}
		if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
			return fmt.Errorf("ssh port must be between 1 and 65535")
		}
		// Relative paths would resolve against the remote login directory
		if c.Container.ModelsDir != "" && !path.IsAbs(c.Container.ModelsDir) {
			return fmt.Errorf("models_dir must be absolute when SSH is enabled")
		}
	}

	return nil
}
