package queue

import (
	"errors"
	"fmt"

	"github.com/climatedata/acis/internal/acis"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("queue is closed")

// ErrAlreadyRunning is returned when Run or Serve is called while another
// call is active.
var ErrAlreadyRunning = errors.New("queue is already running")

// FailureKind classifies a failed request.
type FailureKind string

const (
	// TransientExhausted means every allowed attempt failed transiently.
	TransientExhausted FailureKind = "transient_exhausted"
	// Terminal means the failure could not succeed on retry.
	Terminal FailureKind = "terminal"
	// Cancelled means the queue shut down before the request finished.
	Cancelled FailureKind = "cancelled"
)

// Failure describes why a request produced no result. Err is the last
// attempt's error, or nil for a request that never started.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Outcome is what a request produced. Exactly one of Result and Failure is
// set.
type Outcome struct {
	Result   acis.Result
	Failure  *Failure
	Attempts int
}

// OK reports whether the request produced a result.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

func (o Outcome) label() string {
	if o.Failure == nil {
		return "ok"
	}
	return string(o.Failure.Kind)
}

// CompletionFunc receives the outcome of a request along with the payload
// given to Enqueue. It is called exactly once per request.
type CompletionFunc func(id string, outcome Outcome, payload any)
