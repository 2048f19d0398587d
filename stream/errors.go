package stream

import (
	"errors"
	"fmt"
)

// Error types for classifying failures at the backend boundary.

// ErrNoData is returned when a streaming call closes before yielding any text.
var ErrNoData = errors.New("no data received")

// AuthError reports an invalid or expired credential (HTTP 401/403).
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication required (status %d)", e.StatusCode)
}

// TransportError reports a network failure or a non-success HTTP status.
type TransportError struct {
	StatusCode int
	Status     string
	Body       string
	err        error
}

// NewTransportError wraps a network-level failure that produced no response.
func NewTransportError(err error) error {
	return &TransportError{err: err}
}

func (e *TransportError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("transport: %v", e.err)
	}
	if e.Body != "" {
		return fmt.Sprintf("request failed: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("request failed: %s", e.Status)
}

func (e *TransportError) Unwrap() error {
	return e.err
}

// ParseError reports a malformed structured payload.
type ParseError struct {
	What string
	err  error
}

// NewParseError wraps a decode failure for the named payload.
func NewParseError(what string, err error) error {
	return &ParseError{What: what, err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.What, e.err)
}

func (e *ParseError) Unwrap() error {
	return e.err
}

// ActionError is a business-logic failure reported by the backend, such as a
// validation error. Message is safe to show to the user.
type ActionError struct {
	StatusCode int
	Message    string
}

func (e *ActionError) Error() string {
	return e.Message
}

// IsAuth returns true if err is or wraps an AuthError.
func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsTransport returns true if err is or wraps a TransportError.
func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// IsParse returns true if err is or wraps a ParseError.
func IsParse(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}

// IsAction returns true if err is or wraps an ActionError.
func IsAction(err error) bool {
	var target *ActionError
	return errors.As(err, &target)
}
