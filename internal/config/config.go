// Package config provides configuration management with 3-tier priority:
// Environment variables > SQLite runtime_settings > Default values
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Env         string // "dev" or "prod"
	Server      ServerConfig
	Security    SecurityConfig
	Pixiv       PixivConfig
	Imgproxy    ImgproxyConfig
	Database    DatabaseConfig
	Worker      WorkerConfig
	PublicAPI   PublicAPIConfig
	LogRotation LogRotationConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host     string
	Port     int
	LogLevel string
}

// LogRotationConfig holds log rotation settings powered by lumberjack.
type LogRotationConfig struct {
	MaxSizeMB  int  // Maximum size in MB before rotation
	MaxBackups int  // Maximum number of old log files to retain
	MaxAgeDays int  // Maximum number of days to retain old log files
	Compress   bool // Whether to gzip compress rotated files
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	SecretKey              string
	AdminUsername          string
	AdminPassword          string
	FieldEncryptionKey     string // 32-byte key in standard base64, as secretvault.Open expects
	FieldEncryptionKeyFile string
}

// PixivConfig holds the pixiv OAuth app-API credentials.
type PixivConfig struct {
	OAuthClientID     string
	OAuthClientSecret string
	OAuthHashSecret   string
}

// ImgproxyConfig holds imgproxy URL-signing configuration.
type ImgproxyConfig struct {
	BaseURL        string
	Key            string
	Salt           string
	MaxDim         int
	DefaultOptions string
	URLChunkSize   int
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path            string
	BusyTimeoutMs   int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// WorkerConfig holds worker/job-queue tunables.
type WorkerConfig struct {
	HeartbeatStaleSeconds int
}

// PublicAPIConfig holds the optional public API-key gate for /random.
type PublicAPIConfig struct {
	Required bool
	RPM      int
	Burst    int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Env: "dev",
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8000,
			LogLevel: "INFO",
		},
		Security: SecurityConfig{
			SecretKey:     "change-this-to-a-random-secret-key",
			AdminUsername: "admin",
			AdminPassword: "admin123",
		},
		Imgproxy: ImgproxyConfig{
			MaxDim:       2000,
			URLChunkSize: 16,
		},
		Database: DatabaseConfig{
			BusyTimeoutMs:   30000,
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 0,
		},
		Worker: WorkerConfig{
			HeartbeatStaleSeconds: 60,
		},
		PublicAPI: PublicAPIConfig{
			Required: false,
			RPM:      60,
			Burst:    10,
		},
		LogRotation: LogRotationConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Worker.HeartbeatStaleSeconds < 1 || c.Worker.HeartbeatStaleSeconds > 86400 {
		return &ConfigError{Field: "worker.heartbeat_stale_seconds", Message: "must be between 1 and 86400"}
	}
	if c.Env != "dev" && c.Env != "prod" {
		return &ConfigError{Field: "env", Message: "must be dev or prod"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// Helper functions for environment variable parsing.

func getEnvStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "on"
}
