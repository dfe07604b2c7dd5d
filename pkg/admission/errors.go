package admission

import (
	"errors"
	"fmt"
)

// ErrRejected is wrapped by every admission rejection.
var ErrRejected = errors.New("admission rejected")

// ErrValidation is wrapped by every malformed-request error.
var ErrValidation = errors.New("validation failed")

// Reason classifies why a request was rejected.
type Reason string

const (
	ReasonBlockedIP          Reason = "blocked_ip"
	ReasonTooManyConnections Reason = "too_many_connections"
	ReasonBlockedTerm        Reason = "blocked_term"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonInvalidRoom        Reason = "invalid_room"
	ReasonNotMember          Reason = "not_member"
)

// RejectedError is returned when a well-formed request is refused by policy.
type RejectedError struct {
	Reason Reason
	IP     string
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("admission rejected (%s): %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("admission rejected (%s)", e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// ValidationError is returned for malformed input, before any counter is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// IsRejected reports whether err is an admission rejection and returns it.
func IsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
