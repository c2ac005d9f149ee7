package errors

import (
	"net/http"
	"sync"

	"github.com/Shugur-Network/peergate/internal/logger"
	"github.com/google/uuid"
)

// maxClientRequestID caps request ids echoed back from the X-Request-ID header.
const maxClientRequestID = 64

var (
	defaultMiddleware *ErrorMiddleware
	defaultOnce       sync.Once
)

// InitErrorHandling builds the shared error middleware. Call it after
// logger.Init so the middleware logs through the configured core.
func InitErrorHandling() {
	defaultOnce.Do(func() {
		defaultMiddleware = NewErrorMiddleware()
	})
}

// GetErrorMiddleware returns the shared middleware, building it on first use.
func GetErrorMiddleware() *ErrorMiddleware {
	InitErrorHandling()
	return defaultMiddleware
}

// HandlerFunc is an HTTP handler that reports failures by returning them.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ServeHTTP tags the request with an id, runs fn and renders a returned
// error as a JSON body.
func (fn HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if requestID == "" || len(requestID) > maxClientRequestID {
		requestID = uuid.NewString()
	}
	r = r.WithContext(logger.WithRequestID(r.Context(), requestID))
	w.Header().Set("X-Request-ID", requestID)

	if err := fn(w, r); err != nil {
		GetErrorMiddleware().HandleError(w, r, err)
	}
}

// WrapHandler adapts an error-returning func to http.Handler.
func WrapHandler(fn func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return HandlerFunc(fn)
}

// HandleHTTPError renders err through the shared middleware. Middleware that
// rejects a request before any handler runs uses it.
func HandleHTTPError(w http.ResponseWriter, r *http.Request, err error) {
	GetErrorMiddleware().HandleError(w, r, err)
}

// RecoveryMiddleware turns panics into 500 responses.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return GetErrorMiddleware().RecoveryMiddleware(next)
}
