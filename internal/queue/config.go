// Package queue runs ACIS requests concurrently with bounded parallelism,
// retry with exponential backoff, and one completion callback per request.
package queue

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Config holds configuration for a Queue.
type Config struct {
	// MaxConcurrency is the number of workers, and so the maximum number of
	// outstanding transport calls.
	// Default: 4
	MaxConcurrency int `validate:"min=1"`

	// MaxRetries is the number of retries after the first attempt for
	// transient failures.
	// Default: 3
	MaxRetries int `validate:"min=0"`

	// BackoffBase is the delay before the first retry. Each later retry
	// doubles it.
	// Default: 1 second
	BackoffBase time.Duration `validate:"gt=0"`

	// BackoffCap caps the retry delay.
	// Default: 1 minute
	BackoffCap time.Duration `validate:"gtefield=BackoffBase"`

	// RateLimit throttles attempt starts to this many per second across all
	// workers. Zero disables throttling.
	RateLimit float64 `validate:"gte=0"`

	// Burst is the rate limiter bucket size.
	// Default: MaxConcurrency
	Burst int `validate:"gte=0"`

	// Logger for queue operations.
	Logger zerolog.Logger `validate:"-"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		MaxRetries:     3,
		BackoffBase:    time.Second,
		BackoffCap:     time.Minute,
		Logger:         zerolog.Nop(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid queue config: %w", err)
	}
	return nil
}
