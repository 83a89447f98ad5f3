// Package config loads the worker configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/climatedata/acis/internal/acis/webservices"
	"github.com/climatedata/acis/internal/queue"
	"github.com/climatedata/acis/internal/store"
	"github.com/climatedata/acis/internal/telemetry"
)

// ServiceName identifies the worker in logs and telemetry.
const ServiceName = "acis-worker"

// Config is the complete worker configuration.
type Config struct {
	Env      string `validate:"oneof=development staging production"`
	Port     string `validate:"required,numeric"`
	LogLevel string `validate:"oneof=trace debug info warn error"`

	ACIS      ACIS
	Queue     Queue
	Database  Database
	PubSub    PubSub
	Jobs      Jobs
	Telemetry Telemetry
}

// ACIS configures the web services transport.
type ACIS struct {
	BaseURL string        `validate:"required,url"`
	Timeout time.Duration `validate:"gt=0"`
	// HTTPRetries are in-place retries inside the HTTP client. The queue
	// retries on its own, so the default is 0.
	HTTPRetries uint64
}

// Queue configures the request queue.
type Queue struct {
	MaxConcurrency int           `validate:"min=1"`
	MaxRetries     int           `validate:"min=0"`
	BackoffBase    time.Duration `validate:"gt=0"`
	BackoffCap     time.Duration `validate:"gtefield=BackoffBase"`
	RateLimit      float64       `validate:"gte=0"`
	Burst          int           `validate:"gte=0"`
}

// Database configures the PostgreSQL record sink. The sink is off unless
// Enabled is set.
type Database struct {
	Enabled         bool
	Host            string `validate:"required_if=Enabled true"`
	Port            int    `validate:"min=1,max=65535"`
	User            string `validate:"required_if=Enabled true"`
	Password        string
	Name            string `validate:"required_if=Enabled true"`
	SSLMode         string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns        int    `validate:"min=1"`
	MinConns        int    `validate:"min=0,ltefield=MaxConns"`
	ConnMaxLifetime time.Duration
}

// PubSub configures the query subscription. It is off when ProjectID is
// empty.
type PubSub struct {
	ProjectID    string
	Subscription string `validate:"required_with=ProjectID"`
}

// Jobs configures scheduled batch queries. They are off when File is empty.
type Jobs struct {
	File     string
	Schedule string `validate:"required_with=File"`
}

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	Enabled  bool
	Endpoint string `validate:"required_if=Enabled true"`
}

var validate = validator.New()

// Load reads configuration from the process environment. Values from the
// given .env files fill in variables the environment does not set. With no
// files, ./.env is read if it exists.
func Load(files ...string) (*Config, error) {
	vars, err := readDotenv(files)
	if err != nil {
		return nil, err
	}
	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	})
}

func readDotenv(files []string) (map[string]string, error) {
	if len(files) == 0 {
		vars, err := godotenv.Read()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading .env: %w", err)
		}
		return vars, nil
	}
	vars, err := godotenv.Read(files...)
	if err != nil {
		return nil, fmt.Errorf("reading env files: %w", err)
	}
	return vars, nil
}

// FromLookup builds a Config from lookup, applying defaults for unset keys.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	e := &env{lookup: lookup}
	retries := e.int("ACIS_HTTP_RETRIES", 0)
	if retries < 0 {
		e.errs = append(e.errs, fmt.Errorf("invalid ACIS_HTTP_RETRIES: %d", retries))
		retries = 0
	}
	cfg := &Config{
		Env:      e.str("APP_ENV", "development"),
		Port:     e.str("APP_PORT", "8080"),
		LogLevel: e.str("LOG_LEVEL", "info"),
		ACIS: ACIS{
			BaseURL:     e.str("ACIS_BASE_URL", webservices.DefaultBaseURL),
			Timeout:     e.duration("ACIS_TIMEOUT", 30*time.Second),
			HTTPRetries: uint64(retries),
		},
		Queue: Queue{
			MaxConcurrency: e.int("QUEUE_MAX_CONCURRENCY", 4),
			MaxRetries:     e.int("QUEUE_MAX_RETRIES", 3),
			BackoffBase:    e.duration("QUEUE_BACKOFF_BASE", time.Second),
			BackoffCap:     e.duration("QUEUE_BACKOFF_CAP", time.Minute),
			RateLimit:      e.float("QUEUE_RATE_LIMIT", 0),
			Burst:          e.int("QUEUE_BURST", 0),
		},
		Database: Database{
			Enabled:         e.bool("DB_ENABLED", false),
			Host:            e.str("DB_HOST", "localhost"),
			Port:            e.int("DB_PORT", 5432),
			User:            e.str("DB_USER", "acis"),
			Password:        e.str("DB_PASSWORD", ""),
			Name:            e.str("DB_NAME", "acis"),
			SSLMode:         e.str("DB_SSL_MODE", "disable"),
			MaxConns:        e.int("DB_MAX_OPEN_CONNS", 10),
			MinConns:        e.int("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: e.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		PubSub: PubSub{
			ProjectID:    e.str("PUBSUB_PROJECT_ID", ""),
			Subscription: e.str("PUBSUB_SUBSCRIPTION", ""),
		},
		Jobs: Jobs{
			File:     e.str("JOBS_FILE", ""),
			Schedule: e.str("JOBS_SCHEDULE", "0 6 * * *"),
		},
		Telemetry: Telemetry{
			Enabled:  e.bool("OTEL_ENABLED", false),
			Endpoint: e.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		},
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Level returns the zerolog level for LogLevel.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// QueueConfig converts the queue section.
func (c *Config) QueueConfig(logger zerolog.Logger) queue.Config {
	return queue.Config{
		MaxConcurrency: c.Queue.MaxConcurrency,
		MaxRetries:     c.Queue.MaxRetries,
		BackoffBase:    c.Queue.BackoffBase,
		BackoffCap:     c.Queue.BackoffCap,
		RateLimit:      c.Queue.RateLimit,
		Burst:          c.Queue.Burst,
		Logger:         logger,
	}
}

// StoreConfig converts the database section.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Name,
		SSLMode:         c.Database.SSLMode,
		MaxConns:        c.Database.MaxConns,
		MinConns:        c.Database.MinConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

// TelemetryConfig converts the telemetry section.
func (c *Config) TelemetryConfig(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:    ServiceName,
		ServiceVersion: version,
		Environment:    c.Env,
		OTLPEndpoint:   c.Telemetry.Endpoint,
		Enabled:        c.Telemetry.Enabled,
	}
}

// env reads typed values and collects parse errors.
type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return f
}

func (e *env) bool(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}
