// Package config loads process configuration from the environment and seed
// documents for the scan configuration store.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ahrav/riskscan/pkg/common/logger"
)

// Service holds the process-level settings of the API server.
type Service struct {
	Web struct {
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		IdleTimeout        time.Duration
		ShutdownTimeout    time.Duration
		APIHost            string
		DebugHost          string
		CORSAllowedOrigins []string
	}

	// DatabaseURL selects the Postgres repositories. Empty keeps everything
	// in memory.
	DatabaseURL string
	// RedisAddr enables the shared result cache.
	RedisAddr     string
	RedisPassword string
	// KafkaBrokers and NatsURL enable the event relays.
	KafkaBrokers []string
	KafkaTopic   string
	NatsURL      string
	NatsSubject  string

	ConfigFile            string
	ConfigRefreshInterval time.Duration

	// RDAPBaseURL overrides the registration lookup endpoint.
	RDAPBaseURL string
	// AllowPrivateTargets lets scans connect to loopback and internal
	// addresses.
	AllowPrivateTargets bool

	LogLevel string

	Telemetry struct {
		Endpoint    string
		ServiceName string
		Probability float64
	}
}

// LoadService reads the first .env file found in paths, then the process
// environment.
func LoadService(paths ...string) (*Service, string, error) {
	loaded := ""
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			loaded = p
			break
		}
	}

	var (
		cfg  Service
		errs []error
	)
	dur := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return d
	}

	cfg.Web.ReadTimeout = dur("WEB_READ_TIMEOUT", "5s")
	cfg.Web.WriteTimeout = dur("WEB_WRITE_TIMEOUT", "60s")
	cfg.Web.IdleTimeout = dur("WEB_IDLE_TIMEOUT", "120s")
	cfg.Web.ShutdownTimeout = dur("WEB_SHUTDOWN_TIMEOUT", "20s")
	cfg.Web.APIHost = getEnv("API_HOST", "0.0.0.0:8080")
	cfg.Web.DebugHost = getEnv("DEBUG_HOST", "0.0.0.0:8090")
	cfg.Web.CORSAllowedOrigins = splitList(getEnv("CORS_ALLOWED_ORIGINS", "*"))

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.KafkaTopic = getEnv("KAFKA_SCAN_EVENTS_TOPIC", "scan-events")
	cfg.NatsURL = os.Getenv("NATS_URL")
	cfg.NatsSubject = getEnv("NATS_SCAN_EVENTS_SUBJECT", "riskscan.events")

	cfg.ConfigFile = os.Getenv("RISKSCAN_CONFIG_FILE")
	cfg.ConfigRefreshInterval = dur("CONFIG_REFRESH_INTERVAL", "30s")
	cfg.RDAPBaseURL = os.Getenv("RDAP_BASE_URL")
	if v := os.Getenv("ALLOW_PRIVATE_TARGETS"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid ALLOW_PRIVATE_TARGETS: %w", err))
		}
		cfg.AllowPrivateTargets = allow
	}
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	cfg.Telemetry.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.Telemetry.ServiceName = getEnv("OTEL_SERVICE_NAME", "riskscan-api")
	prob, err := strconv.ParseFloat(getEnv("OTEL_SAMPLING_RATIO", "0.05"), 64)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid OTEL_SAMPLING_RATIO: %w", err))
	}
	cfg.Telemetry.Probability = prob

	if err := errors.Join(errs...); err != nil {
		return nil, loaded, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, loaded, err
	}
	return &cfg, loaded, nil
}

// Validate checks cross-field constraints.
func (c *Service) Validate() error {
	switch {
	case c.Web.APIHost == "":
		return errors.New("API_HOST is required")
	case c.Web.ShutdownTimeout <= 0:
		return errors.New("WEB_SHUTDOWN_TIMEOUT must be positive")
	case c.ConfigRefreshInterval < time.Second:
		return errors.New("CONFIG_REFRESH_INTERVAL must be at least 1 second")
	case c.Telemetry.Probability < 0 || c.Telemetry.Probability > 1:
		return errors.New("OTEL_SAMPLING_RATIO must be within [0,1]")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level maps LOG_LEVEL onto a logger level.
func (c *Service) Level() (logger.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return logger.LevelDebug, nil
	case "", "info":
		return logger.LevelInfo, nil
	case "warn", "warning":
		return logger.LevelWarn, nil
	case "error":
		return logger.LevelError, nil
	}
	return 0, fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
