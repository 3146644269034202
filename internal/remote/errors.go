package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Class buckets remote failures for retry policy decisions.
type Class string

const (
	// ClassValidation: malformed input, rejected before execution, never retried.
	ClassValidation Class = "validation"
	// ClassTransient: timeouts and connection failures, eligible for backoff-retry.
	ClassTransient Class = "transient"
	// ClassConflict: remote version mismatch, resolved by adopting server state.
	ClassConflict Class = "conflict"
	// ClassPermanent: everything else; surfaced to the user.
	ClassPermanent Class = "permanent"
)

// VersionConflictError is a 409 from the remote store: the write's base
// version no longer matches. The server's current state rides along so the
// caller can adopt it.
type VersionConflictError struct {
	CurrentVersion int64           `json:"current_version"`
	CurrentState   json.RawMessage `json:"current_state"`
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: server at version %d", e.CurrentVersion)
}

// APIError is a non-conflict HTTP failure from the remote store.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote api: status %d: %s", e.StatusCode, e.Detail)
}

// ErrValidation marks input rejected before transmission.
var ErrValidation = errors.New("invalid remote payload")

// transientPatterns are message fragments recognized as network-class
// failures when the error type alone is not conclusive.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"EOF",
}

// IsTransient reports whether err is a network-class failure eligible for
// backoff-retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	msg := err.Error()
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Classify buckets err into the retry-policy taxonomy.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case isConflict(err):
		return ClassConflict
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

func isConflict(err error) bool {
	var conflict *VersionConflictError
	return errors.As(err, &conflict)
}
