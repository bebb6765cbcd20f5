package domain

import (
	"errors"
	"fmt"
)

// -----------------------------
// InvalidArgumentError
// -----------------------------

// InvalidArgumentError reports a missing or empty load-bearing argument,
// such as the service key on init.
type InvalidArgumentError struct {
	Argument string
	Message  string
}

func NewInvalidArgumentError(argument, message string) *InvalidArgumentError {
	return &InvalidArgumentError{Argument: argument, Message: message}
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Argument, e.Message)
}

func IsInvalidArgument(err error) bool {
	var target *InvalidArgumentError
	return errors.As(err, &target)
}

// -----------------------------
// NotReadyError
// -----------------------------

// NotReadyError is returned by operations that need an active session.
type NotReadyError struct {
	Operation string
	State     string
}

func NewNotReadyError(operation, state string) *NotReadyError {
	return &NotReadyError{Operation: operation, State: state}
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%s: session not ready (state %s)", e.Operation, e.State)
}

func IsNotReady(err error) bool {
	var target *NotReadyError
	return errors.As(err, &target)
}

// -----------------------------
// RemoteUnavailableError
// -----------------------------

// RemoteUnavailableError describes a remote service that could not be
// reached or did not become ready in time. It is logged, never surfaced
// to the host as a failure.
type RemoteUnavailableError struct {
	Operation string
	Err       error
}

func NewRemoteUnavailableError(operation string, err error) *RemoteUnavailableError {
	return &RemoteUnavailableError{Operation: operation, Err: err}
}

func (e *RemoteUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote unavailable during %s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("remote unavailable during %s", e.Operation)
}

func (e *RemoteUnavailableError) Unwrap() error {
	return e.Err
}

func IsRemoteUnavailable(err error) bool {
	var target *RemoteUnavailableError
	return errors.As(err, &target)
}

// -----------------------------
// ValidationError
// -----------------------------

type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		Message: message,
	}
}

func NewValidationErrorWithCause(message string, cause error) *ValidationError {
	return &ValidationError{
		Message: message,
		Cause:   cause,
	}
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
