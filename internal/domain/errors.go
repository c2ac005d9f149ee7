package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means the peer is unknown or soft-deleted.
	ErrNotFound = errors.New("peer not found")
	// ErrIDTaken means a live peer already uses the requested id.
	ErrIDTaken = errors.New("peer id already in use")
	// ErrStoreUnavailable means the persistent backend could not be reached.
	ErrStoreUnavailable = errors.New("peer store unavailable")
	// ErrConfigInvalid means a runtime config update violated its invariants.
	ErrConfigInvalid = errors.New("runtime config invalid")
	// ErrInvalidID means an id was empty or malformed.
	ErrInvalidID = errors.New("invalid peer id")
)

// FieldError describes one rejected config field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConfigError collects every reason a runtime config was rejected.
type ConfigError struct {
	Fields []FieldError
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%s: %s", ErrConfigInvalid, strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrConfigInvalid) match.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfigInvalid
}

// StoreError wraps a backend failure so callers can match ErrStoreUnavailable
// while keeping the driver error for logs.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStoreUnavailable) match.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// Unavailable wraps err as a StoreError for op. A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
