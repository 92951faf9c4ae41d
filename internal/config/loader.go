package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CHATHUB_"

// LoadOptions represents options for loading configuration
type LoadOptions struct {
	Path string

	// EnvFile is a dotenv file merged into the process environment before
	// overrides are read. A missing file is ignored.
	EnvFile string
}

// Load loads configuration from various sources
func Load(opts ...LoadOptions) (*Config, error) {
	cfg := Default()

	var options LoadOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	if options.Path != "" {
		if err := loadFromFile(cfg, options.Path); err != nil {
			return nil, err
		}
	}

	if err := loadEnvFile(options.EnvFile); err != nil {
		return nil, err
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile loads configuration from a file
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}

	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) error {
	if host := getEnv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := getEnv("SERVER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return NewConfigError("server.port", "CHATHUB_SERVER_PORT is not a number")
		}
		cfg.Server.Port = p
	}

	if level := getEnv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := getEnv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if secret := getEnv("AUTH_SECRET"); secret != "" {
		cfg.Auth.Secret = secret
	}
	if issuer := getEnv("AUTH_ISSUER"); issuer != "" {
		cfg.Auth.Issuer = issuer
	}

	if driver := getEnv("STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn := getEnv("STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if redisURL := getEnv("REDIS_URL"); redisURL != "" {
		cfg.Store.RedisURL = redisURL
	}

	if origins := getEnv("CORS_ORIGINS"); origins != "" {
		var list []string
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				list = append(list, o)
			}
		}
		cfg.CORS.AllowedOrigins = list
	}

	return nil
}

func getEnv(key string) string {
	return os.Getenv(envPrefix + key)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

// NewConfigError creates a new configuration error
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %s", e.Field, e.Message)
}
