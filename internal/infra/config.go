package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string

	// Provider dispatch.
	ProviderName     string
	ProviderModel    string
	ProviderEndpoint string
	CallbackBaseURL  string
	CallbackSecret   string
	CallbackMaxSkew  time.Duration

	// Outbox dispatcher.
	DispatchSweepInterval  time.Duration
	DispatchMaxAttempts    int
	DispatchInitialBackoff time.Duration
	DispatchMaxBackoff     time.Duration

	// Upload storage.
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageUseSSL    bool
	UploadURLTTL     time.Duration

	// Submission limits.
	MaxMegapixels  float64
	MaxUploadBytes int64

	GeoIPDBPath string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		ProviderName:     getEnv("RENDER_PROVIDER", "renderforge"),
		ProviderModel:    getEnv("RENDER_MODEL", "interior-v2"),
		ProviderEndpoint: os.Getenv("RENDER_PROVIDER_ENDPOINT"),
		CallbackBaseURL:  getEnv("CALLBACK_BASE_URL", "http://localhost:8080"),
		CallbackSecret:   os.Getenv("CALLBACK_SIGNING_SECRET"),
		CallbackMaxSkew:  time.Second * time.Duration(getEnvInt("CALLBACK_MAX_SKEW_SECONDS", 300)),

		DispatchSweepInterval:  time.Second * time.Duration(getEnvInt("DISPATCH_SWEEP_SECONDS", 10)),
		DispatchMaxAttempts:    getEnvInt("DISPATCH_MAX_ATTEMPTS", 6),
		DispatchInitialBackoff: time.Second * time.Duration(getEnvInt("DISPATCH_BACKOFF_SECONDS", 5)),
		DispatchMaxBackoff:     time.Second * time.Duration(getEnvInt("DISPATCH_MAX_BACKOFF_SECONDS", 600)),

		StorageEndpoint:  getEnv("STORAGE_ENDPOINT", "localhost:9000"),
		StorageAccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
		StorageSecretKey: os.Getenv("STORAGE_SECRET_KEY"),
		StorageBucket:    getEnv("STORAGE_BUCKET", "enhancement-uploads"),
		StorageUseSSL:    getEnv("STORAGE_USE_SSL", "false") == "true",
		UploadURLTTL:     time.Second * time.Duration(getEnvInt("UPLOAD_URL_TTL_SECONDS", 900)),

		MaxMegapixels:  getEnvFloat("MAX_MEGAPIXELS", 48),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 30*1024*1024)),

		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		AllowedOrigins:   splitCSV(os.Getenv("ALLOWED_ORIGINS")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.CallbackSecret == "" {
		return nil, fmt.Errorf("CALLBACK_SIGNING_SECRET is required")
	}
	if cfg.ProviderEndpoint == "" {
		return nil, fmt.Errorf("RENDER_PROVIDER_ENDPOINT is required")
	}

	return cfg, nil
}

// CallbackURL returns the public callback endpoint for a job, handed to the
// provider inside the dispatch envelope.
func (c *Config) CallbackURL(jobID string) string {
	return strings.TrimRight(c.CallbackBaseURL, "/") + "/v1/callbacks/enhancements/" + jobID
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

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
