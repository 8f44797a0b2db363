package types

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrHandlerIsNil         = errors.New("handler is nil")
)

var (
	ErrMiddlewareInvalidType = errors.New("middleware invalid type")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrValidationFailed      = errors.New("validation failed")
)

var (
	ErrCacheKeyEmpty        = errors.New("cache key empty")
	ErrCacheTypeUnknown     = errors.New("cache type unknown")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrRateLimitTypeUnknown = errors.New("rate limit backend type unknown")
	ErrLoaderIsNil          = errors.New("loader is nil")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
)

var (
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobNotFound       = errors.New("cron job not found")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInternalError    = errors.New("internal error")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

// WrapError annotates err with message and records the call stack. It
// returns nil for a nil err.
func WrapError(err error, message string) error {
	return pkgerrors.Wrap(err, message)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}

// APIError is the only error shape written at the HTTP boundary.
type APIError struct {
	Message string     `json:"message"`
	Code    string     `json:"code"`
	Status  int        `json:"status"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
	cause   error
}

func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Message: message, Code: code, Status: status}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.cause }

// AsAPIError maps any error onto an APIError. Errors that already are an
// APIError pass through.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, ErrValidationFailed):
		return &APIError{Message: err.Error(), Code: "validation_failed", Status: http.StatusBadRequest, cause: err}
	case errors.Is(err, ErrRateLimitExceeded):
		return &APIError{Message: "Too many requests", Code: "rate_limited", Status: http.StatusTooManyRequests, cause: err}
	case errors.Is(err, ErrInvalidParameter):
		return &APIError{Message: err.Error(), Code: "invalid_parameter", Status: http.StatusBadRequest, cause: err}
	default:
		return &APIError{Message: err.Error(), Code: "internal_error", Status: http.StatusInternalServerError, cause: err}
	}
}
