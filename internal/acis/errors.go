package acis

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParameterError reports request parameters that violate a local invariant.
// It is raised before anything is sent to the service.
type ParameterError struct {
	Field  string
	Reason string
}

func (e *ParameterError) Error() string {
	if e.Field == "" {
		return "invalid request parameters: " + e.Reason
	}
	return fmt.Sprintf("invalid request parameter %s: %s", e.Field, e.Reason)
}

// ParseError reports a response that could not be interpreted.
//
// Malformed is set when the body was not valid JSON at all, which usually
// means a truncated transfer; callers may treat that case as recoverable.
type ParseError struct {
	Reason    string
	Malformed bool
	Err       error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse result: %s: %v", e.Reason, e.Err)
	}
	return "parse result: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}

// TransportErrorKind classifies a transport failure.
type TransportErrorKind string

const (
	TransportTimeout    TransportErrorKind = "timeout"
	TransportHTTP       TransportErrorKind = "http_error"
	TransportConnection TransportErrorKind = "connection_error"
)

// TransportError is a failure to obtain a response from the service. All
// transport errors are transient.
type TransportError struct {
	Kind       TransportErrorKind
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString("transport ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServiceRejection means the service refused the query. It is never retried.
type ServiceRejection struct {
	Message    string
	StatusCode int
	Auth       bool
}

func (e *ServiceRejection) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("service rejected request (status %d): %s", e.StatusCode, e.Message)
	}
	return "service rejected request: " + e.Message
}

// AxisMismatchError is returned by Assemble when a record does not line up
// with the canonical date axis.
type AxisMismatchError struct {
	UID    string
	Date   time.Time
	Reason string
}

func (e *AxisMismatchError) Error() string {
	return fmt.Sprintf("axis mismatch for %s on %s: %s", e.UID, FormatDate(e.Date), e.Reason)
}

// IsTransient reports whether err may succeed if the same request is
// attempted again.
func IsTransient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Malformed
	}
	return false
}
