package gate

import (
	"errors"
	"fmt"
)

// ErrApprovalTimeout indicates a bounded wait for a human decision elapsed
// without a response. It is retryable: the approval session (if any) stays
// pending and await_token_approval may be called again.
var ErrApprovalTimeout = errors.New("approval timed out")

// ValidationError reports malformed scope text, unknown resources or
// actions, or an out-of-range TTL. Validation failures are synchronous and
// never retried.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown or garbage-collected approval session id.
type NotFoundError struct {
	msg string
}

func (e *NotFoundError) Error() string { return e.msg }

func notFoundErrorf(format string, args ...interface{}) error {
	return &NotFoundError{msg: fmt.Sprintf(format, args...)}
}

// AuthorizationError reports that no usable credential exists for an
// operation: a renewal was denied, or nothing scoped is active and the
// fallback-to-default flag is off.
type AuthorizationError struct {
	msg string
}

func (e *AuthorizationError) Error() string { return e.msg }

func authorizationErrorf(format string, args ...interface{}) error {
	return &AuthorizationError{msg: fmt.Sprintf(format, args...)}
}

// IssuanceError carries a backing-service failure verbatim, including name
// collisions. Issuance failures are never silently retried: a retry on a
// naming conflict would mask user intent.
type IssuanceError struct {
	StatusCode int
	Body       string
}

func (e *IssuanceError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("credential service: %s", e.Body)
	}
	return fmt.Sprintf("credential service returned %d: %s", e.StatusCode, e.Body)
}
