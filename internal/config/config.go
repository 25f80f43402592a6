package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	NodeEnv  string
	Storage  StorageConfig
	Cache    CacheConfig
	Queue    QueueConfig
	API      APIConfig
	Database DatabaseConfig
	Network  NetworkConfig
	Auth     AuthConfig
	Server   ServerConfig
}

// StorageConfig holds key-value storage adapter configuration
type StorageConfig struct {
	Backend       string // memory, sqlite
	Path          string
	Namespace     string
	MaxBytes      int64
	EvictFraction float64
}

// CacheConfig holds product and listing cache configuration
type CacheConfig struct {
	ProductTTL       time.Duration
	ListTTL          time.Duration
	PurgeProbability float64
}

// QueueConfig holds operation queue retry configuration
type QueueConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MinWakeup    time.Duration
}

// APIConfig holds Open Food Facts client configuration
type APIConfig struct {
	BaseURL       string
	UserAgent     string
	Timeout       time.Duration
	WriteInterval time.Duration
	Username      string
	Password      string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Username string
	Password string
	Database string

	// EmbeddedPath and EmbeddedPort locate the embedded server used when
	// Host is localhost and no password is set.
	EmbeddedPath string
	EmbeddedPort int
}

// NetworkConfig holds connectivity monitor configuration
type NetworkConfig struct {
	ProbeURL      string
	ProbeTimeout  time.Duration
	CheckInterval time.Duration
	// StaleAfter bounds how old the cached flag may get before a read refreshes it
	StaleAfter    time.Duration
	InitialOnline bool
}

// AuthConfig holds session and credential encryption configuration
type AuthConfig struct {
	JWTSecret      string
	CredentialsKey string
}

// ServerConfig holds the demo shell HTTP server configuration
type ServerConfig struct {
	// Host is the listen interface, loopback unless set
	Host      string
	Port      string
	LogLevel  string
	LogFormat string
}

// Addr is the listen address
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// Development reports whether the demo-only routes are enabled
func (c *Config) Development() bool {
	return c.NodeEnv == "development"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	p := &parser{}
	cfg := &Config{
		NodeEnv: getEnv("NODE_ENV", "development"),
		Storage: StorageConfig{
			Backend:       getEnv("STORAGE_BACKEND", "sqlite"),
			Path:          getEnv("STORAGE_PATH", "./data"),
			Namespace:     getEnv("STORAGE_NAMESPACE", "foodlens"),
			MaxBytes:      p.int64("STORAGE_MAX_BYTES", 10*1024*1024),
			EvictFraction: p.float("STORAGE_EVICT_FRACTION", 0.2),
		},
		Cache: CacheConfig{
			ProductTTL:       p.duration("CACHE_PRODUCT_TTL", 24*time.Hour),
			ListTTL:          p.duration("CACHE_LIST_TTL", time.Hour),
			PurgeProbability: p.float("CACHE_PURGE_PROBABILITY", 0.01),
		},
		Queue: QueueConfig{
			MaxRetries:   p.int("QUEUE_MAX_RETRIES", 5),
			InitialDelay: p.duration("QUEUE_INITIAL_DELAY", time.Second),
			MaxDelay:     p.duration("QUEUE_MAX_DELAY", time.Hour),
			MinWakeup:    p.duration("QUEUE_MIN_WAKEUP", time.Second),
		},
		API: APIConfig{
			BaseURL:       getEnv("OFF_BASE_URL", "https://world.openfoodfacts.org"),
			UserAgent:     getEnv("OFF_USER_AGENT", "foodlens/1.0 (https://github.com/xelth-com/foodlens)"),
			Timeout:       p.duration("OFF_TIMEOUT", 15*time.Second),
			WriteInterval: p.duration("OFF_WRITE_INTERVAL", time.Second),
			Username:      os.Getenv("OFF_USERNAME"),
			Password:      os.Getenv("OFF_PASSWORD"),
		},
		Database: DatabaseConfig{
			Enabled:  p.bool("DB_ENABLED", true),
			Host:     getEnv("PG_HOST", "localhost"),
			Port:     getEnv("PG_PORT", "5432"),
			Username: getEnv("PG_USERNAME", "postgres"),
			Password: os.Getenv("PG_PASSWORD"),
			Database: getEnv("PG_DATABASE", "foodlens"),

			EmbeddedPath: getEnv("PG_EMBEDDED_PATH", "./db_data"),
			EmbeddedPort: p.int("PG_EMBEDDED_PORT", 5433),
		},
		Network: NetworkConfig{
			ProbeURL:      getEnv("NETWORK_PROBE_URL", "https://world.openfoodfacts.org/api/v0/product/737628064502.json"),
			ProbeTimeout:  p.duration("NETWORK_PROBE_TIMEOUT", 5*time.Second),
			CheckInterval: p.duration("NETWORK_CHECK_INTERVAL", 30*time.Second),
			StaleAfter:    p.duration("NETWORK_STALE_AFTER", time.Minute),
			InitialOnline: p.bool("NETWORK_INITIAL_ONLINE", true),
		},
		Auth: AuthConfig{
			JWTSecret:      jwtSecret,
			CredentialsKey: getEnv("CREDENTIALS_KEY", jwtSecret),
		},
		Server: ServerConfig{
			Host:      getEnv("HOST", "127.0.0.1"),
			Port:      getEnv("PORT", "3210"),
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser reads typed variables and keeps the first parse error.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) int64(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) bool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}
