package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the base type of error that are returned
type ErrorType int

const (
	// SerializationFailed is returned when JSON serialization fails
	SerializationFailed ErrorType = iota + 1
	// EntityNotFound is returned when a requested entity was not found
	EntityNotFound
	// VersionConflict is returned when an entity should be saved with a too old version
	VersionConflict
	// InternalError is returned in all other cases
	InternalError
	// ValidationFailed is returned when a record is malformed
	ValidationFailed
	// Transient is returned for network failures and timeouts
	Transient
)

func (t ErrorType) String() string {
	switch t {
	case SerializationFailed:
		return "serialization failed"
	case EntityNotFound:
		return "entity not found"
	case VersionConflict:
		return "version conflict"
	case InternalError:
		return "internal error"
	case ValidationFailed:
		return "validation failed"
	case Transient:
		return "transient"
	}
	return fmt.Sprintf("error type %d", int(t))
}

// EntityStoreError that is returned in case of an error
type EntityStoreError struct {
	Text       string
	ErrorType  ErrorType
	InnerError error
}

func (e EntityStoreError) Error() string {
	if e.InnerError == nil {
		return e.Text
	}
	return fmt.Sprintf("%s -- Inner error: %s", e.Text, e.InnerError)
}

func (e EntityStoreError) Unwrap() error {
	return e.InnerError
}

// NewError builds an EntityStoreError. Context cancellation and deadlines found in
// inner are always reported as Transient.
func NewError(errorType ErrorType, text string, inner error) error {
	if inner != nil && (errors.Is(inner, context.DeadlineExceeded) || errors.Is(inner, context.Canceled)) {
		errorType = Transient
	}
	return EntityStoreError{Text: text, ErrorType: errorType, InnerError: inner}
}

// TypeOf returns the ErrorType carried by err, or InternalError for foreign errors.
func TypeOf(err error) ErrorType {
	var se EntityStoreError
	if errors.As(err, &se) {
		return se.ErrorType
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	return InternalError
}

// IsConflict reports whether err is an optimistic concurrency failure
func IsConflict(err error) bool {
	return err != nil && TypeOf(err) == VersionConflict
}

// IsNotFound reports whether err says the record does not exist
func IsNotFound(err error) bool {
	return err != nil && TypeOf(err) == EntityNotFound
}

// IsTransient reports whether err is a network or timeout failure
func IsTransient(err error) bool {
	return err != nil && TypeOf(err) == Transient
}

// IsValidation reports whether err is caused by a malformed record
func IsValidation(err error) bool {
	return err != nil && TypeOf(err) == ValidationFailed
}

// TypeForStatus maps an HTTP status returned by a document store to an ErrorType.
func TypeForStatus(status int) ErrorType {
	switch status {
	case http.StatusConflict, http.StatusPreconditionFailed, http.StatusUnprocessableEntity:
		return VersionConflict
	case http.StatusNotFound:
		return EntityNotFound
	case http.StatusBadRequest:
		return ValidationFailed
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Transient
	}
	// 500 stays an internal error and is not retried as a version conflict
	return InternalError
}
