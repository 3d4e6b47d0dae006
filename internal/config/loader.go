package config

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/user/image-random-service/internal/pkg/paths"
)

// Load loads configuration with 3-tier priority:
// Environment variables > SQLite runtime_settings > Default values
func Load() (*Config, error) {
	// Load .env file if exists
	loadDotEnv()

	// Start with defaults
	cfg := DefaultConfig()

	// Set database path
	cfg.Database.Path = paths.GetDBPath()

	// Try loading overrides persisted in runtime_settings
	if err := loadFromDatabase(cfg); err != nil {
		log.Printf("WARN: failed to load config from runtime_settings: %v", err)
	}

	// Apply environment variable overrides (highest priority)
	applyEnvOverrides(cfg)

	// dev mode replaces the placeholder JWT secret (see applyDevDefaults)
	if cfg.Env == "dev" {
		applyDevDefaults(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads .env file from the project root.
func loadDotEnv() {
	envFile := filepath.Join(paths.GetBasePath(), ".env")
	data, err := os.ReadFile(envFile)
	if err != nil {
		return // .env file is optional
	}

	// Simple .env parser: KEY=VALUE lines
	for _, line := range splitLines(string(data)) {
		line = trimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		if idx := indexOf(line, '='); idx > 0 {
			key := trimSpace(line[:idx])
			val := trimSpace(line[idx+1:])
			val = trimQuotes(val)
			// Only set if not already set (env vars take precedence)
			if os.Getenv(key) == "" {
				os.Setenv(key, val)
			}
		}
	}
}

// loadFromDatabase loads admin-editable overrides persisted in the
// runtime_settings table, if the database file already exists.
func loadFromDatabase(cfg *Config) error {
	dbPath := cfg.Database.Path
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil // Database doesn't exist yet, use defaults
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	for key, apply := range map[string]func(string){
		"server.log_level":     func(v string) { cfg.Server.LogLevel = v },
		"loadbalance.strategy": func(string) {}, // reserved, no current consumer
	} {
		var valueJSON string
		row := db.QueryRow(`SELECT value_json FROM runtime_settings WHERE key = ?`, key)
		if err := row.Scan(&valueJSON); err == nil {
			apply(trimQuotes(valueJSON))
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config,
// using the service's documented env var names.
func applyEnvOverrides(cfg *Config) {
	cfg.Env = getEnvStr("APP_ENV", cfg.Env)

	cfg.Server.Host = getEnvStr("HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)
	cfg.Server.LogLevel = getEnvStr("LOG_LEVEL", cfg.Server.LogLevel)

	cfg.Security.SecretKey = getEnvStr("SECRET_KEY", cfg.Security.SecretKey)
	cfg.Security.AdminUsername = getEnvStr("ADMIN_USERNAME", cfg.Security.AdminUsername)
	cfg.Security.AdminPassword = getEnvStr("ADMIN_PASSWORD", cfg.Security.AdminPassword)
	cfg.Security.FieldEncryptionKey = getEnvStr("FIELD_ENCRYPTION_KEY", cfg.Security.FieldEncryptionKey)
	cfg.Security.FieldEncryptionKeyFile = getEnvStr("FIELD_ENCRYPTION_KEY_FILE", cfg.Security.FieldEncryptionKeyFile)

	cfg.Pixiv.OAuthClientID = getEnvStr("PIXIV_OAUTH_CLIENT_ID", cfg.Pixiv.OAuthClientID)
	cfg.Pixiv.OAuthClientSecret = getEnvStr("PIXIV_OAUTH_CLIENT_SECRET", cfg.Pixiv.OAuthClientSecret)
	cfg.Pixiv.OAuthHashSecret = getEnvStr("PIXIV_OAUTH_HASH_SECRET", cfg.Pixiv.OAuthHashSecret)

	cfg.Imgproxy.BaseURL = getEnvStr("IMGPROXY_BASE_URL", cfg.Imgproxy.BaseURL)
	cfg.Imgproxy.Key = getEnvStr("IMGPROXY_KEY", cfg.Imgproxy.Key)
	cfg.Imgproxy.Salt = getEnvStr("IMGPROXY_SALT", cfg.Imgproxy.Salt)
	cfg.Imgproxy.MaxDim = getEnvInt("IMGPROXY_MAX_DIM", cfg.Imgproxy.MaxDim)
	cfg.Imgproxy.DefaultOptions = getEnvStr("IMGPROXY_DEFAULT_OPTIONS", cfg.Imgproxy.DefaultOptions)
	cfg.Imgproxy.URLChunkSize = getEnvInt("IMGPROXY_URL_CHUNK_SIZE", cfg.Imgproxy.URLChunkSize)

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.Path = paths.GetDBPath()
	}
	cfg.Database.BusyTimeoutMs = getEnvInt("SQLITE_BUSY_TIMEOUT_MS", cfg.Database.BusyTimeoutMs)

	cfg.Worker.HeartbeatStaleSeconds = getEnvInt("WORKER_HEARTBEAT_STALE_SECONDS", cfg.Worker.HeartbeatStaleSeconds)

	cfg.PublicAPI.Required = getEnvBool("PUBLIC_API_KEY_REQUIRED", cfg.PublicAPI.Required)
	cfg.PublicAPI.RPM = getEnvInt("PUBLIC_API_KEY_RPM", cfg.PublicAPI.RPM)
	cfg.PublicAPI.Burst = getEnvInt("PUBLIC_API_KEY_BURST", cfg.PublicAPI.Burst)

	cfg.LogRotation.MaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", cfg.LogRotation.MaxSizeMB)
	cfg.LogRotation.MaxBackups = getEnvInt("LOG_MAX_BACKUPS", cfg.LogRotation.MaxBackups)
	cfg.LogRotation.MaxAgeDays = getEnvInt("LOG_MAX_AGE_DAYS", cfg.LogRotation.MaxAgeDays)
	cfg.LogRotation.Compress = getEnvBool("LOG_COMPRESS", cfg.LogRotation.Compress)
}

// applyDevDefaults fills in the JWT secret so a developer can start the
// service with APP_ENV=dev and nothing else set. When SECRET_KEY is still
// the placeholder it is replaced by a fixed string derived from the admin
// username; it is not random and is not written under data/. The
// field-encryption key is the only secret cmd/imagesvc generates and
// persists under data/ (via secretvault.LoadOrGenerateKeyFile).
func applyDevDefaults(cfg *Config) {
	if cfg.Security.SecretKey == "change-this-to-a-random-secret-key" {
		cfg.Security.SecretKey = "dev-secret-key-" + cfg.Security.AdminUsername
	}
}

// String utility functions for the hand-rolled .env parser (no external
// dependency needed for KEY=VALUE lines).

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func indexOf(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
