// Package simerrors contains the error types returned by the simulator control plane.
//
// Planner errors (ErrInvalidPlacement, ErrConfigurationMismatch) are returned synchronously before any
// network activity. Protocol errors (ErrMalformedAddress, ErrInvalidLevel, ErrDecode) reject a single
// message. Transport errors (ErrConnection, ErrConnectionClosed, ErrTimeout) are scoped to one agent
// connection. Callers should use errors.As to look through the chain of wrapped errors.
package simerrors

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidPlacement is returned when placement parameters can't produce a deployment plan.
type ErrInvalidPlacement struct {
	Message string
}

func (err *ErrInvalidPlacement) Error() string {
	return fmt.Sprintf("invalid placement: %s", err.Message)
}

// ErrConfigurationMismatch is returned when a declarative layout doesn't match the registered agents.
type ErrConfigurationMismatch struct {
	Expected int
	Actual   int
	Message  string
}

func (err *ErrConfigurationMismatch) Error() string {
	s := fmt.Sprintf("configuration mismatch: expected %d but got %d", err.Expected, err.Actual)
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrMalformedAddress is returned when a string can't be parsed into a SimulatorAddress.
type ErrMalformedAddress struct {
	Value   string
	Message string
}

func (err *ErrMalformedAddress) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("malformed address %q", err.Value)
	}
	return fmt.Sprintf("malformed address %q; %s", err.Value, err.Message)
}

// ErrInvalidLevel is returned when an address operation isn't defined for the level of the address.
type ErrInvalidLevel struct {
	Level     string
	Operation string
}

func (err *ErrInvalidLevel) Error() string {
	return fmt.Sprintf("operation %s is not valid for address level %s", err.Operation, err.Level)
}

// ErrDecode is returned when an operation payload can't be encoded or decoded.
type ErrDecode struct {
	OperationType int
	Message       string
	Cause         error
}

func (err *ErrDecode) Error() string {
	s := fmt.Sprintf("unable to decode operation of type %d: %s", err.OperationType, err.Message)
	if err.Cause != nil {
		s = s + fmt.Sprintf(": %v", err.Cause)
	}
	return s
}

func (err *ErrDecode) Unwrap() error {
	return err.Cause
}

// ErrConnection is returned when a broker can't be reached.
type ErrConnection struct {
	Endpoint string
	Cause    error
}

func (err *ErrConnection) Error() string {
	return fmt.Sprintf("unable to connect to broker at %s: %v", err.Endpoint, err.Cause)
}

func (err *ErrConnection) Unwrap() error {
	return err.Cause
}

// ErrConnectionClosed is returned for requests whose connection closed before they completed.
type ErrConnectionClosed struct {
	Endpoint string
	Message  string
}

func (err *ErrConnectionClosed) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("connection to %s is closed", err.Endpoint)
	}
	return fmt.Sprintf("connection to %s is closed; %s", err.Endpoint, err.Message)
}

// ErrTimeout is returned when a deadline elapses before an operation completes.
type ErrTimeout struct {
	Operation string
	Timeout   time.Duration
}

func (err *ErrTimeout) Error() string {
	if err.Timeout > 0 {
		return fmt.Sprintf("%s timed out after %s", err.Operation, err.Timeout)
	}
	return fmt.Sprintf("%s timed out", err.Operation)
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// IsTimeout returns true if err or any error it wraps is an *ErrTimeout.
func IsTimeout(err error) bool {
	var e *ErrTimeout
	return errors.As(err, &e)
}

// IsConnectionClosed returns true if err or any error it wraps is an *ErrConnectionClosed.
func IsConnectionClosed(err error) bool {
	var e *ErrConnectionClosed
	return errors.As(err, &e)
}
