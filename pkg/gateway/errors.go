package gateway

import (
	"errors"

	"github.com/codeready-toolchain/askrelay/pkg/admission"
	"github.com/codeready-toolchain/askrelay/pkg/hooks"
	"github.com/codeready-toolchain/askrelay/pkg/queue"
	"github.com/codeready-toolchain/askrelay/pkg/store"
)

// Error codes sent to clients in error events.
const (
	CodeAdmissionRejected = "admission_rejected"
	CodeValidation        = "validation_error"
	CodeHookFailed        = "hook_failed"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

var (
	errNotMember    = &admission.RejectedError{Reason: admission.ReasonNotMember, Detail: "connection is not in the session room"}
	errUnknownEvent = &admission.ValidationError{Field: "event", Message: "unknown event"}
)

// toErrorPayload maps an error to the client-visible error payload.
// Admission and validation errors keep their message; hook and backend
// failures are reported without internals.
func toErrorPayload(event string, err error) ErrorPayload {
	p := ErrorPayload{Event: event}

	var valErr *admission.ValidationError
	var hookErr *hooks.HookError
	switch rej, ok := admission.IsRejected(err); {
	case ok:
		p.Code = CodeAdmissionRejected
		p.Reason = string(rej.Reason)
		p.Message = rej.Error()
	case errors.As(err, &valErr):
		p.Code = CodeValidation
		p.Message = valErr.Error()
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, queue.ErrQueueUnavailable):
		p.Code = CodeUnavailable
		p.Message = "service temporarily unavailable"
	case errors.As(err, &hookErr):
		p.Code = CodeHookFailed
		p.Message = "request refused by " + hookErr.Hook + " hook"
	default:
		p.Code = CodeInternal
		p.Message = "internal error"
	}
	return p
}
