package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	DBPath   string
	BlobRoot string
	APIPort  string

	LogLevel  slog.Level
	LogFormat string

	// EncryptionKey is the AES-256 key used to encrypt provider credentials
	// at rest. Decoded from a 64-char hex string.
	EncryptionKey []byte

	ProviderBaseURL    string
	DownstreamURL      string
	WebhookCallbackURL string

	MaxFileSize      int64
	AllowedMimeTypes []string

	ChannelLifetime time.Duration
	RenewalMargin   time.Duration
	RenewalInterval time.Duration

	BackoffSchedule  []time.Duration
	MaxRetryAttempts int
}

// defaultAllowedMimeTypes is the ingest allow-list applied when
// ALLOWED_MIME_TYPES is not set.
var defaultAllowedMimeTypes = []string{
	"application/pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"text/plain",
	"text/markdown",
	"text/csv",
}

// Load reads configuration from environment variables and returns a Config struct.
// It applies defaults for optional fields and validates required fields.
// If a .env file exists in the current directory or project root, it will be loaded
// automatically. Environment variables already set take precedence over .env values.
func Load() (*Config, error) {
	_ = godotenv.Load() // Try current directory

	// Walk up towards the module root looking for a .env file.
	wd, err := os.Getwd()
	if err == nil {
		dir := wd
		for i := 0; i < 5; i++ {
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	cfg := &Config{
		DBPath:             getEnv("DB_PATH", "./data/mirrorsync.db"),
		BlobRoot:           getEnv("BLOB_ROOT", "./data/blobs"),
		APIPort:            getEnv("API_PORT", "8090"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		ProviderBaseURL:    getEnv("PROVIDER_BASE_URL", "http://localhost:8081"),
		DownstreamURL:      getEnv("DOWNSTREAM_URL", "http://localhost:8082"),
		WebhookCallbackURL: getEnv("WEBHOOK_CALLBACK_URL", ""),
	}

	cfg.LogLevel, err = parseLogLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	keyHex := getEnv("CREDENTIAL_ENCRYPTION_KEY", "")
	if keyHex == "" {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY is required")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	cfg.EncryptionKey = key

	if cfg.WebhookCallbackURL == "" {
		return nil, fmt.Errorf("WEBHOOK_CALLBACK_URL is required")
	}

	maxSizeStr := getEnv("MAX_FILE_SIZE", "52428800") // 50 MiB
	cfg.MaxFileSize, err = strconv.ParseInt(maxSizeStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("MAX_FILE_SIZE must be a valid integer: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("MAX_FILE_SIZE must be greater than 0")
	}

	if raw := getEnv("ALLOWED_MIME_TYPES", ""); raw != "" {
		for _, m := range strings.Split(raw, ",") {
			m = strings.TrimSpace(m)
			if m != "" {
				cfg.AllowedMimeTypes = append(cfg.AllowedMimeTypes, m)
			}
		}
	} else {
		cfg.AllowedMimeTypes = append([]string(nil), defaultAllowedMimeTypes...)
	}
	if len(cfg.AllowedMimeTypes) == 0 {
		return nil, fmt.Errorf("ALLOWED_MIME_TYPES must not be empty")
	}

	cfg.ChannelLifetime, err = parseDuration("CHANNEL_LIFETIME", "24h")
	if err != nil {
		return nil, err
	}
	cfg.RenewalMargin, err = parseDuration("RENEWAL_MARGIN", "1h")
	if err != nil {
		return nil, err
	}
	cfg.RenewalInterval, err = parseDuration("RENEWAL_INTERVAL", "15m")
	if err != nil {
		return nil, err
	}
	if cfg.RenewalMargin >= cfg.ChannelLifetime {
		return nil, fmt.Errorf("RENEWAL_MARGIN must be smaller than CHANNEL_LIFETIME")
	}

	backoffRaw := getEnv("RETRY_BACKOFF_SCHEDULE", "1m,5m,15m,60m")
	for _, part := range strings.Split(backoffRaw, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("RETRY_BACKOFF_SCHEDULE entry %q is not a valid duration: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("RETRY_BACKOFF_SCHEDULE entries must be positive")
		}
		cfg.BackoffSchedule = append(cfg.BackoffSchedule, d)
	}

	attemptsStr := getEnv("MAX_RETRY_ATTEMPTS", "5")
	cfg.MaxRetryAttempts, err = strconv.Atoi(attemptsStr)
	if err != nil {
		return nil, fmt.Errorf("MAX_RETRY_ATTEMPTS must be a valid integer: %w", err)
	}
	if cfg.MaxRetryAttempts < 1 {
		return nil, fmt.Errorf("MAX_RETRY_ATTEMPTS must be at least 1")
	}

	// Create data directories up front so the first write cannot fail on a
	// missing parent.
	for _, dir := range []string{filepath.Dir(cfg.DBPath), cfg.BlobRoot} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	return cfg, nil
}

// MimeAllowed reports whether the given mime type is on the configured
// allow-list. Parameters (e.g. "; charset=utf-8") are ignored.
func (c *Config) MimeAllowed(mime string) bool {
	mime = strings.TrimSpace(strings.ToLower(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	for _, allowed := range c.AllowedMimeTypes {
		if mime == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", raw)
}

func parseDuration(key, def string) (time.Duration, error) {
	raw := getEnv(key, def)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
