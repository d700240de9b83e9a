// Package config loads client configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"marketsync/obs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends for persisted client state.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds client configuration.
type Config struct {
	Env      string
	LogLevel slog.Level

	APIBaseURL     string
	RequestTimeout time.Duration
	SendTimeout    time.Duration
	RetryAttempts  uint
	RetryDelay     time.Duration
	PushToken      string

	StorageBackend        string
	LocalStorage          string
	Bucket                string
	BucketPrefix          string
	GoogleCredentialsJSON string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	RedisPrefix           string
}

// Load reads .env (if present) and then the process environment. Variables
// already set in the environment win over .env.
func Load() (Config, error) {
	_ = godotenv.Load()
	return fromEnv()
}

// LoadFile is Load with an explicit .env path. A missing file is an error.
func LoadFile(path string) (Config, error) {
	if err := godotenv.Load(path); err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return fromEnv()
}

func fromEnv() (Config, error) {
	cfg := Config{
		Env:                   getEnv("APP_ENV", "dev"),
		APIBaseURL:            strings.TrimSpace(getEnv("API_BASE_URL", "http://localhost:3000")),
		PushToken:             strings.TrimSpace(os.Getenv("PUSH_TOKEN")),
		LocalStorage:          getEnv("LOCAL_STORAGE", ""),
		Bucket:                strings.TrimSpace(os.Getenv("STORAGE_BUCKET")),
		BucketPrefix:          getEnv("STORAGE_PREFIX", "marketsync/"),
		GoogleCredentialsJSON: os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		RedisAddr:             strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisPrefix:           getEnv("REDIS_PREFIX", "marketsync:"),
	}

	level, err := obs.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if cfg.RequestTimeout, err = parseDuration("REQUEST_TIMEOUT", "30s"); err != nil {
		return Config{}, err
	}
	if cfg.SendTimeout, err = parseDuration("SEND_TIMEOUT", "30s"); err != nil {
		return Config{}, err
	}
	if cfg.RetryDelay, err = parseDuration("RETRY_DELAY", "500ms"); err != nil {
		return Config{}, err
	}
	attempts, err := parseInt("RETRY_ATTEMPTS", 3)
	if err != nil {
		return Config{}, err
	}
	if attempts < 1 {
		return Config{}, fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", attempts)
	}
	cfg.RetryAttempts = uint(attempts)
	if cfg.RedisDB, err = parseInt("REDIS_DB", 0); err != nil {
		return Config{}, err
	}

	backend, err := storageBackend(strings.TrimSpace(os.Getenv("STORAGE_BACKEND")), cfg)
	if err != nil {
		return Config{}, err
	}
	cfg.StorageBackend = backend
	if backend == BackendLocal && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}

	if !strings.HasPrefix(cfg.APIBaseURL, "http://") && !strings.HasPrefix(cfg.APIBaseURL, "https://") {
		return Config{}, fmt.Errorf("API_BASE_URL must be an http(s) URL, got %q", cfg.APIBaseURL)
	}
	return cfg, nil
}

// storageBackend picks the explicit backend, else GCS when a bucket is set,
// else Redis when an address is set, else local files.
func storageBackend(raw string, cfg Config) (string, error) {
	switch strings.ToLower(raw) {
	case "":
	case BackendLocal, BackendMemory:
		return strings.ToLower(raw), nil
	case BackendGCS:
		if cfg.Bucket == "" {
			return "", fmt.Errorf("STORAGE_BACKEND=gcs requires STORAGE_BUCKET")
		}
		return BackendGCS, nil
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return "", fmt.Errorf("STORAGE_BACKEND=redis requires REDIS_ADDR")
		}
		return BackendRedis, nil
	default:
		return "", fmt.Errorf("unsupported STORAGE_BACKEND: %s", raw)
	}

	switch {
	case cfg.LocalStorage != "":
		return BackendLocal, nil
	case cfg.Bucket != "":
		return BackendGCS, nil
	case cfg.RedisAddr != "":
		return BackendRedis, nil
	default:
		return BackendLocal, nil
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDuration(key, def string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return dur, nil
}

func parseInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
