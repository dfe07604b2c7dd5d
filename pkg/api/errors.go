package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/codeready-toolchain/askrelay/pkg/admission"
	"github.com/codeready-toolchain/askrelay/pkg/hooks"
	"github.com/codeready-toolchain/askrelay/pkg/store"
	"github.com/gin-gonic/gin"
)

// mapError maps component errors to an HTTP status and a client message.
func mapError(err error) (int, string) {
	var validErr *admission.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, validErr.Error()
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, hooks.ErrHookNotFound) {
		return http.StatusNotFound, "resource not found"
	}
	if errors.Is(err, store.ErrUnavailable) {
		return http.StatusServiceUnavailable, "state store unavailable"
	}

	// Unexpected error
	slog.Error("Unexpected API error", "error", err)
	return http.StatusInternalServerError, "internal server error"
}

func abortWithError(c *gin.Context, err error) {
	status, msg := mapError(err)
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}
