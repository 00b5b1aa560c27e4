package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// BackendConfig points at one remote generation variant.
type BackendConfig struct {
	BaseURL string
	Token   string
	Model   string
}

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	DBMaxConns  int
	JWTSecret   string
	GeoIPDBPath string

	StorageBackend       string
	StoragePath          string
	StorageBaseURL       string
	ImageSourceAllowlist []string
	S3Endpoint           string
	S3Region             string
	S3Bucket             string
	S3AccessKey          string
	S3SecretKey          string
	S3UsePathStyle       bool
	S3PublicBaseURL      string

	RedisURL  string
	CacheTTL  time.Duration
	CacheSize int
	Backends  map[string]BackendConfig
	EditURL   string
	EditToken string
	Synthetic bool

	GenerationTimeout time.Duration
	SessionTimeout    time.Duration
	GenerationRetries int
	PollInterval      time.Duration
	DefaultMaxEdits   int
	BreakerFailures   int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string
	DefaultLocale    string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        port,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 10),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		StorageBackend:  strings.ToLower(getEnv("STORAGE_BACKEND", "fs")),
		StoragePath:     getEnv("STORAGE_PATH", "./static"),
		StorageBaseURL:  getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3UsePathStyle:  getEnvBool("S3_USE_PATH_STYLE", true),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),

		RedisURL:  os.Getenv("REDIS_URL"),
		CacheTTL:  time.Second * time.Duration(getEnvInt("CACHE_TTL_SECONDS", 600)),
		CacheSize: getEnvInt("CACHE_SIZE", 512),
		Backends:  map[string]BackendConfig{},
		EditURL:   os.Getenv("BACKEND_EDIT_URL"),
		EditToken: os.Getenv("BACKEND_EDIT_TOKEN"),
		Synthetic: getEnvBool("SYNTHETIC_BACKENDS", false),

		GenerationTimeout: time.Second * time.Duration(getEnvInt("GENERATION_TIMEOUT_SECONDS", 120)),
		SessionTimeout:    time.Second * time.Duration(getEnvInt("SESSION_TIMEOUT_SECONDS", 30)),
		GenerationRetries: getEnvInt("GENERATION_RETRIES", 1),
		PollInterval:      time.Millisecond * time.Duration(getEnvInt("POLL_INTERVAL_MS", 2000)),
		DefaultMaxEdits:   getEnvInt("DEFAULT_MAX_EDITS", 10),
		BreakerFailures:   getEnvInt("BREAKER_FAILURES", 5),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 150)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:   splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		DefaultLocale:    strings.ToLower(getEnv("DEFAULT_LOCALE", "en")),
	}

	for _, variant := range []string{"v1", "v2", "v3"} {
		key := "BACKEND_" + strings.ToUpper(variant)
		cfg.Backends[variant] = BackendConfig{
			BaseURL: os.Getenv(key + "_URL"),
			Token:   os.Getenv(key + "_TOKEN"),
			Model:   os.Getenv(key + "_MODEL"),
		}
	}

	cfg.ImageSourceAllowlist = mergeHosts(
		hostsOf(cfg.StorageBaseURL, cfg.S3PublicBaseURL),
		strings.Split(os.Getenv("IMAGE_SOURCE_HOST_ALLOWLIST"), ","),
	)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	switch cfg.StorageBackend {
	case "fs":
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	return cfg, nil
}

func hostsOf(rawURLs ...string) []string {
	var hosts []string
	for _, raw := range rawURLs {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		hosts = append(hosts, u.Hostname())
	}
	return hosts
}

func mergeHosts(groups ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, group := range groups {
		for _, h := range group {
			h = strings.ToLower(strings.TrimSpace(h))
			if h == "" {
				continue
			}
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
