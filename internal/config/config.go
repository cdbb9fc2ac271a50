// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr     string
	DatabaseURL    string
	JWTSecret      string
	AdminEmails    []string
	RedisAddr      string // empty disables presence and connect limiting
	NATSURL        string // empty disables event publishing
	ServerName     string
	CORSOrigin     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PruneInterval  time.Duration
	LogLevel       string
	LogFormat      string
}

var (
	ErrMissingDatabaseURL = errors.New("config: DATABASE_URL is required")
	ErrMissingJWTSecret   = errors.New("config: JWT_SECRET is required")
	ErrMissingNATSURL     = errors.New("config: NATS_URL is required")
)

// Load reads the configuration. A missing .env file is not an error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("config: failed to parse .env file")
	}

	serverName, _ := os.Hostname()
	if serverName == "" {
		serverName = "chat-1"
	}

	cfg := Config{
		ListenAddr:     getString("LISTEN_ADDR", ":8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		AdminEmails:    ParseList(os.Getenv("ADMIN_EMAILS")),
		RedisAddr:      getString("REDIS_ADDR", "localhost:6379"),
		NATSURL:        getString("NATS_URL", "nats://localhost:4222"),
		ServerName:     getString("SERVER_NAME", serverName),
		CORSOrigin:     os.Getenv("CORS_ORIGIN"),
		WorkerPoolSize: getInt("WORKER_POOL_SIZE", 256),
		MaxConnections: getInt("MAX_CONNECTIONS", 100000),
		ReadTimeout:    getDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 10*time.Second),
		PruneInterval:  getDuration("RATE_LIMIT_PRUNE_INTERVAL", time.Minute),
		LogLevel:       getString("LOG_LEVEL", "info"),
		LogFormat:      getString("LOG_FORMAT", "text"),
	}

	// REDIS_ADDR="" and NATS_URL="" explicitly disable the optional backends.
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok && v == "" {
		cfg.RedisAddr = ""
	}
	if v, ok := os.LookupEnv("NATS_URL"); ok && v == "" {
		cfg.NATSURL = ""
	}

	if cfg.DatabaseURL == "" {
		return cfg, ErrMissingDatabaseURL
	}
	if cfg.JWTSecret == "" {
		return cfg, ErrMissingJWTSecret
	}
	return cfg, nil
}

// AuditConfig configures the moderation audit consumer.
type AuditConfig struct {
	NATSURL     string
	RedisAddr   string // empty disables the audit trail list
	MetricsAddr string
	AuditLen    int
	LogLevel    string
	LogFormat   string
}

// LoadAudit reads the audit consumer configuration. NATS is required.
func LoadAudit() (AuditConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("config: failed to parse .env file")
	}

	cfg := AuditConfig{
		NATSURL:     getString("NATS_URL", "nats://localhost:4222"),
		RedisAddr:   getString("REDIS_ADDR", "localhost:6379"),
		MetricsAddr: getString("METRICS_ADDR", ":9091"),
		AuditLen:    getInt("AUDIT_LENGTH", 1000),
		LogLevel:    getString("LOG_LEVEL", "info"),
		LogFormat:   getString("LOG_FORMAT", "text"),
	}
	if v, ok := os.LookupEnv("REDIS_ADDR"); ok && v == "" {
		cfg.RedisAddr = ""
	}
	if v, ok := os.LookupEnv("NATS_URL"); ok && v == "" {
		return cfg, ErrMissingNATSURL
	}
	return cfg, nil
}

// Logging returns a Config carrying only the logging settings.
func (c AuditConfig) Logging() Config {
	return Config{LogLevel: c.LogLevel, LogFormat: c.LogFormat}
}

// ConfigureLogging applies the level and format to the standard logrus logger.
func (c Config) ConfigureLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logrus.WithField("level", c.LogLevel).Warn("config: unknown log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if strings.EqualFold(c.LogFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// ParseList splits a comma-separated value, trimming blanks.
func ParseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logrus.WithField("key", key).Warnf("config: invalid integer %q, using %d", v, def)
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logrus.WithField("key", key).Warnf("config: invalid duration %q, using %s", v, def)
		return def
	}
	return d
}
