package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/Shugur-Network/peergate/internal/metrics"
	"go.uber.org/zap"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeDenied         ErrorType = "denied"
	ErrorTypeUnreachable    ErrorType = "unreachable"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeStore          ErrorType = "store"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeInternal       ErrorType = "internal"
)

// ErrorSeverity represents the severity level of errors
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError represents a structured application error
type AppError struct {
	Type        ErrorType     `json:"type"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Severity    ErrorSeverity `json:"severity"`
	Timestamp   time.Time     `json:"timestamp"`
	RequestID   string        `json:"request_id,omitempty"`
	UserMessage string        `json:"user_message,omitempty"`
	Cause       error         `json:"-"`
	StackTrace  string        `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap implements the Unwrap interface for error wrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// ErrorBody is the JSON error payload. Message is always the user-facing text.
type ErrorBody struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// ErrorResponse represents the JSON response format for errors
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorMiddleware handles error processing and response formatting
type ErrorMiddleware struct {
	logger *zap.Logger
}

// NewErrorMiddleware creates a new error middleware instance
func NewErrorMiddleware() *ErrorMiddleware {
	return &ErrorMiddleware{
		logger: logger.New("error_middleware"),
	}
}

// New creates a new AppError. Stack traces are only captured for high
// severity errors, see WithSeverity.
func New(errorType ErrorType, code string, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Severity:  SeverityMedium,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errorType ErrorType, code string, message string) *AppError {
	appErr := New(errorType, code, message)
	appErr.Cause = err
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

// WithSeverity sets the severity level of an error
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	if (severity == SeverityHigh || severity == SeverityCritical) && e.StackTrace == "" {
		e.StackTrace = captureStackTrace()
	}
	return e
}

// WithDetails adds additional details to an error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithUserMessage sets a user-friendly message
func (e *AppError) WithUserMessage(message string) *AppError {
	e.UserMessage = message
	return e
}

// WithRequestID associates an error with a request ID
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// HandleError processes an error and sends appropriate HTTP response
func (em *ErrorMiddleware) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := FromError(err)

	if requestID := getRequestID(r); requestID != "" {
		appErr.RequestID = requestID
	}

	em.logError(appErr, r)
	metrics.IncrementErrorCount(string(appErr.Type))
	em.sendErrorResponse(w, appErr)
}

// logError logs an error with appropriate severity level
func (em *ErrorMiddleware) logError(err *AppError, r *http.Request) {
	fields := []zap.Field{
		zap.String("error_type", string(err.Type)),
		zap.String("error_code", err.Code),
		zap.String("severity", string(err.Severity)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	}

	if err.RequestID != "" {
		fields = append(fields, zap.String("request_id", err.RequestID))
	}
	if err.Details != "" {
		fields = append(fields, zap.String("details", err.Details))
	}
	if err.Cause != nil {
		fields = append(fields, zap.Error(err.Cause))
	}
	if err.StackTrace != "" {
		fields = append(fields, zap.String("stack_trace", err.StackTrace))
	}

	switch err.Severity {
	case SeverityLow:
		em.logger.Info(err.Message, fields...)
	case SeverityMedium:
		em.logger.Warn(err.Message, fields...)
	default:
		em.logger.Error(err.Message, fields...)
	}
}

// sendErrorResponse sends a structured JSON error response
func (em *ErrorMiddleware) sendErrorResponse(w http.ResponseWriter, err *AppError) {
	response := ErrorResponse{
		Error: ErrorBody{
			Type:      err.Type,
			Code:      err.Code,
			Message:   getUserFriendlyMessage(err),
			Timestamp: err.Timestamp,
			RequestID: err.RequestID,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))

	if encodeErr := json.NewEncoder(w).Encode(response); encodeErr != nil {
		em.logger.Error("Failed to encode error response", zap.Error(encodeErr))
	}
}

// HTTPStatus maps an error to the status code sent to clients.
func HTTPStatus(err *AppError) int {
	switch err.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAuthorization, ErrorTypeDenied:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeUnreachable, ErrorTypeStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// getUserFriendlyMessage returns a user-friendly error message
func getUserFriendlyMessage(err *AppError) string {
	if err.UserMessage != "" {
		return err.UserMessage
	}

	switch err.Type {
	case ErrorTypeValidation:
		return "The request contains invalid data."
	case ErrorTypeAuthentication:
		return "Authentication required."
	case ErrorTypeAuthorization:
		return "You don't have permission to perform this action."
	case ErrorTypeNotFound:
		return "The requested resource was not found."
	case ErrorTypeDenied:
		return ConnectionRefused
	case ErrorTypeRateLimit:
		return "Too many requests. Please wait before trying again."
	case ErrorTypeStore:
		return "The peer store is temporarily unavailable. Please try again later."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// captureStackTrace captures the current stack trace
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// getRequestID extracts request ID from request context or headers
func getRequestID(r *http.Request) string {
	if id := logger.RequestID(r.Context()); id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// RecoveryMiddleware is a middleware that recovers from panics and converts them to structured errors
func (em *ErrorMiddleware) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				var err error
				if e, ok := recovered.(error); ok {
					err = e
				} else {
					err = fmt.Errorf("panic: %v", recovered)
				}

				panicErr := Wrap(err, ErrorTypeInternal, "PANIC_RECOVERED", "An unexpected error occurred").
					WithSeverity(SeverityCritical)
				em.HandleError(w, r, panicErr)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// PublicMessage returns the client-facing text and status for err. The
// control channel uses it to mirror HTTP error bodies.
func PublicMessage(err error) (int, string, string) {
	appErr := FromError(err)
	return HTTPStatus(appErr), appErr.Code, getUserFriendlyMessage(appErr)
}
