package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/Shugur-Network/peergate/internal/domain"
)

// ConnectionRefused is the only text a requester ever sees for a denial.
const ConnectionRefused = "connection refused"

// PeerNotFoundError is returned when a target (or admin subject) is unknown or deleted.
func PeerNotFoundError(id string) *AppError {
	return New(ErrorTypeNotFound, "PEER_NOT_FOUND", fmt.Sprintf("peer %q not found", id)).
		WithSeverity(SeverityLow).
		WithUserMessage("peer not found")
}

// AdmissionDeniedError hides the reason from the requester; the reason stays
// in Details for logs.
func AdmissionDeniedError(reason domain.DenyReason, side domain.DeniedSide) *AppError {
	return New(ErrorTypeDenied, "ADMISSION_DENIED", "admission denied").
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("reason=%s side=%s", reason, side)).
		WithUserMessage(ConnectionRefused)
}

// PeerUnreachableError is returned when the target is registered but Offline.
func PeerUnreachableError(id string) *AppError {
	return New(ErrorTypeUnreachable, "PEER_UNREACHABLE", fmt.Sprintf("peer %q is offline", id)).
		WithSeverity(SeverityLow).
		WithUserMessage("peer unreachable")
}

// ConfigInvalidError carries the validation reasons back to the admin.
func ConfigInvalidError(cause error) *AppError {
	return Wrap(cause, ErrorTypeValidation, "CONFIG_INVALID", "runtime config rejected").
		WithSeverity(SeverityLow).
		WithUserMessage(cause.Error())
}

// StoreUnavailableError is returned when the persistent backend is down.
func StoreUnavailableError(op string, cause error) *AppError {
	return Wrap(cause, ErrorTypeStore, "STORE_UNAVAILABLE", fmt.Sprintf("peer store unavailable during %s", op)).
		WithSeverity(SeverityHigh)
}

// PeerIDTakenError is returned by id changes that collide with an existing peer.
func PeerIDTakenError(id string) *AppError {
	return New(ErrorTypeConflict, "PEER_ID_TAKEN", fmt.Sprintf("peer id %q already in use", id)).
		WithSeverity(SeverityLow).
		WithUserMessage("peer id already in use")
}

// ValidationError creates a validation error
func ValidationError(code, message string) *AppError {
	return New(ErrorTypeValidation, code, message).
		WithSeverity(SeverityLow).
		WithUserMessage(message)
}

// UnauthorizedError is returned when admin authentication fails.
func UnauthorizedError(reason string) *AppError {
	return New(ErrorTypeAuthentication, "UNAUTHORIZED", "admin authentication failed").
		WithSeverity(SeverityMedium).
		WithDetails(reason).
		WithUserMessage(reason)
}

// ForbiddenError is returned when an authenticated key is not an admin.
func ForbiddenError() *AppError {
	return New(ErrorTypeAuthorization, "FORBIDDEN", "pubkey is not an admin").
		WithSeverity(SeverityMedium)
}

// RateLimitError creates a rate limit error
func RateLimitError(resource string) *AppError {
	return New(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", fmt.Sprintf("rate limit exceeded for %s", resource)).
		WithSeverity(SeverityLow)
}

// InternalError creates an internal error
func InternalError(message string, cause error) *AppError {
	return Wrap(cause, ErrorTypeInternal, "INTERNAL_ERROR", message).
		WithSeverity(SeverityHigh)
}

// FromError converts any error into an AppError, mapping the domain sentinels.
func FromError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	switch {
	case stderrors.Is(err, domain.ErrNotFound):
		return Wrap(err, ErrorTypeNotFound, "PEER_NOT_FOUND", "peer not found").
			WithSeverity(SeverityLow).
			WithUserMessage("peer not found")
	case stderrors.Is(err, domain.ErrIDTaken):
		return Wrap(err, ErrorTypeConflict, "PEER_ID_TAKEN", "peer id already in use").
			WithSeverity(SeverityLow).
			WithUserMessage("peer id already in use")
	case stderrors.Is(err, domain.ErrConfigInvalid):
		return ConfigInvalidError(err)
	case stderrors.Is(err, domain.ErrInvalidID):
		return ValidationError("INVALID_PEER_ID", err.Error())
	case stderrors.Is(err, domain.ErrStoreUnavailable):
		return StoreUnavailableError("request", err)
	default:
		return InternalError("An internal error occurred", err)
	}
}
