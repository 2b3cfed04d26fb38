package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique identifier for specific error conditions in Portus.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001
	ErrCodeBindFailed    ErrorCode = 1002

	// Pool
	ErrCodeSpawnFailed       ErrorCode = 2001
	ErrCodeSpawnTimeout      ErrorCode = 2002
	ErrCodeRequestQueueFull  ErrorCode = 2003
	ErrCodePoolShuttingDown  ErrorCode = 2004
	ErrCodeGetAborted        ErrorCode = 2005
	ErrCodeProcessNotFound   ErrorCode = 2006
	ErrCodeGroupNotFound     ErrorCode = 2007
	ErrCodeTooManySockets    ErrorCode = 2008
	ErrCodeWorkerDied        ErrorCode = 2009
	ErrCodeUpperLimitReached ErrorCode = 2010

	// File-buffered channel
	ErrCodeSpillWriteFailed ErrorCode = 3001
	ErrCodeSpillReadFailed  ErrorCode = 3002
	ErrCodeSpillCreateFail  ErrorCode = 3003

	// Request controller
	ErrCodeParseFailed     ErrorCode = 4001
	ErrCodeAuthFailed      ErrorCode = 4002
	ErrCodeBodyTooLarge    ErrorCode = 4003
	ErrCodeWorkerMalformed ErrorCode = 4004
	ErrCodeWorkerIO        ErrorCode = 4005
	ErrCodeClientIO        ErrorCode = 4006
	ErrCodeWorkerTimeout   ErrorCode = 4007
	ErrCodeNoApplication   ErrorCode = 4008

	// Admin
	ErrCodeMalformedJSON ErrorCode = 5001
	ErrCodeUnauthorized  ErrorCode = 5002
	ErrCodeForbidden     ErrorCode = 5003
)

// PortusError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type PortusError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *PortusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *PortusError) Unwrap() error {
	return e.Err
}

// New creates a new PortusError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &PortusError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf returns the code of the outermost PortusError in err's chain,
// or ErrCodeUnknown when there is none.
func CodeOf(err error) ErrorCode {
	var pe *PortusError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeUnknown
}

// Is reports whether any PortusError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var pe *PortusError
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Code == code {
			return true
		}
		err = pe.Err
	}
	return false
}

// HTTPStatus maps an error to the status code surfaced to HTTP clients.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch CodeOf(err) {
	case ErrCodeParseFailed:
		return http.StatusBadRequest
	case ErrCodeAuthFailed, ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeMalformedJSON:
		return http.StatusUnprocessableEntity
	case ErrCodeRequestQueueFull, ErrCodePoolShuttingDown, ErrCodeGetAborted:
		return http.StatusServiceUnavailable
	case ErrCodeWorkerDied, ErrCodeWorkerMalformed, ErrCodeWorkerIO:
		return http.StatusBadGateway
	case ErrCodeWorkerTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeProcessNotFound, ErrCodeGroupNotFound, ErrCodeNoApplication:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Personal.AI order the ending
