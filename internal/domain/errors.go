package domain

import (
	"errors"
	"fmt"
)

type ErrorType int

const (
	ErrorTypeValidation ErrorType = iota
	ErrorTypeConsistency
	ErrorTypeExecution
	ErrorTypeNotFound
	ErrorTypeConflict
	ErrorTypeTimeout
	ErrorTypeInternal
)

// Error is the structured error carried across the engine boundary. The
// Type decides whether a failure is fatal to one run or to the caller only.
type Error struct {
	Type    ErrorType
	Message string
	Details map[string]interface{}
}

func (e Error) Error() string {
	return e.Message
}

func NewValidationError(message string, details map[string]interface{}) Error {
	return Error{Type: ErrorTypeValidation, Message: message, Details: details}
}

func NewConsistencyError(message string, details map[string]interface{}) Error {
	return Error{Type: ErrorTypeConsistency, Message: message, Details: details}
}

func NewExecutionError(message string, details map[string]interface{}) Error {
	return Error{Type: ErrorTypeExecution, Message: message, Details: details}
}

func NewNotFoundError(resource, id string) Error {
	return Error{
		Type:    ErrorTypeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{"resource": resource, "id": id},
	}
}

var (
	ErrNotFound        = errors.New("resource not found")
	ErrVersionConflict = errors.New("run row version conflict")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyStarted  = errors.New("poller already started")
	ErrNotStarted      = errors.New("poller not started")
	ErrInvalidInput    = errors.New("invalid input")
	ErrClosed          = errors.New("adapter closed")
)

func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var de Error
	return errors.As(err, &de) && de.Type == ErrorTypeNotFound
}

func IsValidation(err error) bool {
	var de Error
	return errors.As(err, &de) && de.Type == ErrorTypeValidation
}

func IsConsistency(err error) bool {
	var de Error
	return errors.As(err, &de) && de.Type == ErrorTypeConsistency
}

func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
