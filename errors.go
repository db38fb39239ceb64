package storesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for the storesync package.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrNotFound is returned when a record does not exist or is tombstoned.
	ErrNotFound = errors.New("record not found")

	// ErrSyncInProgress is returned when a sync cycle is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrOffline is returned when an operation requires connectivity.
	ErrOffline = errors.New("device is offline")

	// ErrQueueDraining is returned when a drain is requested while one is running.
	ErrQueueDraining = errors.New("queue drain already running")

	// ErrChannelClosed is returned when the change channel has been shut down.
	ErrChannelClosed = errors.New("change channel is closed")

	// ErrSnapshotNotFound is returned when a named snapshot does not exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// FailureKind categorizes transport failures. The kind decides retry
// behavior: network and server failures are retried with backoff,
// validation and auth failures go terminal immediately, conflicts are
// resolved internally.
type FailureKind int

const (
	// FailureUnknown is an unclassified failure, treated as retryable.
	FailureUnknown FailureKind = iota
	// FailureNetwork means no response reached the server.
	FailureNetwork
	// FailureServer is a 5xx-class response.
	FailureServer
	// FailureValidation is a 4xx-class malformed request; never retried.
	FailureValidation
	// FailureAuth is an expired or invalid session; never retried.
	FailureAuth
	// FailureConflict is a version mismatch, resolved via last-write-wins.
	FailureConflict
)

func (k FailureKind) String() string {
	switch k {
	case FailureNetwork:
		return "network"
	case FailureServer:
		return "server"
	case FailureValidation:
		return "validation"
	case FailureAuth:
		return "auth"
	case FailureConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// TransportError describes a failed call through the transport
// boundary with enough context to decide retry policy.
type TransportError struct {
	Kind       FailureKind
	Op         string
	StatusCode int
	Message    string
	Cause      error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a TransportError for an HTTP status code.
func NewTransportError(op string, status int, message string) *TransportError {
	return &TransportError{
		Kind:       kindForStatus(status),
		Op:         op,
		StatusCode: status,
		Message:    message,
	}
}

func kindForStatus(status int) FailureKind {
	switch {
	case status >= 500:
		return FailureServer
	case status == 401 || status == 403:
		return FailureAuth
	case status == 409:
		return FailureConflict
	case status == 429:
		return FailureServer
	case status >= 400:
		return FailureValidation
	default:
		return FailureUnknown
	}
}

// Classify maps any error onto the failure taxonomy. Errors that are
// not TransportErrors are classified by message pattern, matching how
// callers beneath the transport boundary report connectivity problems.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureNetwork
	}

	msg := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"timeout",
		"temporary failure",
		"network is unreachable",
		"broken pipe",
	}
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return FailureNetwork
		}
	}
	serverPatterns := []string{
		"service unavailable",
		"too many requests",
		"rate limit",
		"502",
		"503",
		"504",
	}
	for _, p := range serverPatterns {
		if strings.Contains(msg, p) {
			return FailureServer
		}
	}
	return FailureUnknown
}

// IsRetryable reports whether a failed operation should be retried
// with backoff. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case FailureValidation, FailureAuth, FailureConflict:
		return false
	default:
		return true
	}
}

// StoreError describes a storage-layer failure.
type StoreError struct {
	Op       string
	Resource ResourceType
	ID       string
	Cause    error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("store %s [%s/%s]: %v", e.Op, e.Resource, e.ID, e.Cause)
	}
	if e.Resource != "" {
		return fmt.Sprintf("store %s [%s]: %v", e.Op, e.Resource, e.Cause)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

func newStoreError(op string, resource ResourceType, id string, cause error) *StoreError {
	return &StoreError{Op: op, Resource: resource, ID: id, Cause: cause}
}
