package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type AppErrorType string

const (
	ValidationError     AppErrorType = "VALIDATION_ERROR"
	NotFoundError       AppErrorType = "NOT_FOUND_ERROR"
	ConflictError       AppErrorType = "CONFLICT_ERROR"
	UnauthorizedError   AppErrorType = "UNAUTHORIZED_ERROR"
	ForbiddenError      AppErrorType = "FORBIDDEN_ERROR"
	InternalError       AppErrorType = "INTERNAL_ERROR"
	BadRequestError     AppErrorType = "BAD_REQUEST_ERROR"
	ServiceUnavailable  AppErrorType = "SERVICE_UNAVAILABLE_ERROR"
	NotImplementedError AppErrorType = "NOT_IMPLEMENTED_ERROR"
	RateLimitError      AppErrorType = "RATE_LIMIT_ERROR"

	// TransactionRequiredError is returned by the outbox writer when the
	// caller did not supply a live transaction in context.
	TransactionRequiredError AppErrorType = "TRANSACTION_REQUIRED_ERROR"
	// DuplicateEventError is returned when a caller reuses an event_id.
	DuplicateEventError AppErrorType = "DUPLICATE_EVENT_ERROR"
	// CircuitOpenError is returned by a breaker-wrapped call while Open.
	CircuitOpenError AppErrorType = "CIRCUIT_OPEN_ERROR"
	// OverflowError is returned when a connection's outbound queue is
	// full and the configured overflow policy rejects the enqueue.
	OverflowError AppErrorType = "OVERFLOW_ERROR"
)

type AppError struct {
	Err        error        `json:"-"`
	Type       AppErrorType `json:"type"`
	Message    string       `json:"message"`
	Details    string       `json:"details,omitempty"`
	StatusCode int          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s - %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(errorType AppErrorType, message, details string, err error) *AppError {
	appErr := &AppError{
		Type:    errorType,
		Message: message,
		Details: details,
		Err:     err,
	}

	switch errorType {
	case ValidationError:
		appErr.StatusCode = http.StatusBadRequest
	case NotFoundError:
		appErr.StatusCode = http.StatusNotFound
	case ConflictError:
		appErr.StatusCode = http.StatusConflict
	case UnauthorizedError:
		appErr.StatusCode = http.StatusUnauthorized
	case ForbiddenError:
		appErr.StatusCode = http.StatusForbidden
	case BadRequestError:
		appErr.StatusCode = http.StatusBadRequest
	case ServiceUnavailable:
		appErr.StatusCode = http.StatusServiceUnavailable
	case NotImplementedError:
		appErr.StatusCode = http.StatusNotImplemented
	case RateLimitError:
		appErr.StatusCode = http.StatusTooManyRequests
	case TransactionRequiredError:
		appErr.StatusCode = http.StatusInternalServerError
	case DuplicateEventError:
		appErr.StatusCode = http.StatusConflict
	case CircuitOpenError:
		appErr.StatusCode = http.StatusServiceUnavailable
	case OverflowError:
		appErr.StatusCode = http.StatusServiceUnavailable
	default:
		appErr.StatusCode = http.StatusInternalServerError
	}

	return appErr
}

func NewValidationError(message, details string) *AppError {
	return NewAppError(ValidationError, message, details, nil)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(NotFoundError, resource+" not found", "", nil)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ConflictError, message, "", nil)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(UnauthorizedError, message, "", nil)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ForbiddenError, message, "", nil)
}

func NewBadRequestError(message, details string) *AppError {
	return NewAppError(BadRequestError, message, details, nil)
}

func NewInternalError(message string, err error) *AppError {
	return NewAppError(InternalError, message, "", err)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ServiceUnavailable, message, "", nil)
}

func NewNotImplementedError(message string) *AppError {
	return NewAppError(NotImplementedError, message, "", nil)
}

func NewRateLimitError(message string) *AppError {
	return NewAppError(RateLimitError, message, "", nil)
}

// NewTransactionRequiredError signals the outbox writer was invoked without
// a transaction attached to ctx.
func NewTransactionRequiredError() *AppError {
	return NewAppError(TransactionRequiredError, "a live transaction is required to append an outbox event", "", nil)
}

// NewDuplicateEventError signals a caller reused an event_id already present
// in the outbox.
func NewDuplicateEventError(eventID string) *AppError {
	return NewAppError(DuplicateEventError, "event_id already exists in outbox", eventID, nil)
}

// NewCircuitOpenError signals a breaker-wrapped call was short-circuited
// because the named breaker is Open.
func NewCircuitOpenError(name string) *AppError {
	return NewAppError(CircuitOpenError, "circuit breaker is open", name, nil)
}

// NewOverflowError signals a connection's outbound queue rejected an
// enqueue under the configured overflow policy.
func NewOverflowError(connectionID string) *AppError {
	return NewAppError(OverflowError, "outbound queue overflow", connectionID, nil)
}

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func GetStatusCode(err error) int {
	if appErr, ok := IsAppError(err); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

func GetErrorType(err error) AppErrorType {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Type
	}
	return InternalError
}

// IsNotFound returns true if the error is a NotFoundError
func IsNotFound(err error) bool {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Type == NotFoundError
	}
	return false
}

// IsCircuitOpen returns true if the error is a CircuitOpenError
func IsCircuitOpen(err error) bool {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Type == CircuitOpenError
	}
	return false
}

// IsDuplicateEvent returns true if the error is a DuplicateEventError
func IsDuplicateEvent(err error) bool {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Type == DuplicateEventError
	}
	return false
}

func WrapValidationError(err error, message string) *AppError {
	return NewAppError(ValidationError, message, err.Error(), err)
}

func WrapInternalError(err error, message string) *AppError {
	return NewAppError(InternalError, message, "", err)
}
