package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/codeready-toolchain/askrelay/pkg/admission"
	"github.com/codeready-toolchain/askrelay/pkg/hooks"
	"github.com/codeready-toolchain/askrelay/pkg/queue"
	"github.com/codeready-toolchain/askrelay/pkg/store"
	"github.com/stretchr/testify/assert"
)

func TestToErrorPayload(t *testing.T) {
	rejected := &admission.RejectedError{Reason: admission.ReasonRateLimited}

	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"rejection", rejected, CodeAdmissionRejected},
		{"rejection inside hook error", &hooks.HookError{Hook: "auth", Checkpoint: hooks.BeforeQuestion, Err: rejected}, CodeAdmissionRejected},
		{"validation", &admission.ValidationError{Field: "question", Message: "too long"}, CodeValidation},
		{"store unavailable", fmt.Errorf("store session: %w", store.ErrUnavailable), CodeUnavailable},
		{"queue unavailable", fmt.Errorf("%w: conn refused", queue.ErrQueueUnavailable), CodeUnavailable},
		{"hook failure", &hooks.HookError{Hook: "custom", Checkpoint: hooks.BeforeConnect, Err: errors.New("boom")}, CodeHookFailed},
		{"anything else", errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := toErrorPayload("ask_question", tt.err)
			assert.Equal(t, tt.wantCode, p.Code)
			assert.Equal(t, "ask_question", p.Event)
			assert.NotEmpty(t, p.Message)
			assert.NotContains(t, p.Message, "boom")
		})
	}
}
