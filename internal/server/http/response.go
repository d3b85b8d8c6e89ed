// Package http is the gin-based API surface. Handlers translate requests
// into service calls and map domain errors onto the HTTP error taxonomy.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"taskexec/internal/server/app"
)

// errorBody is the structured error response shape.
type errorBody struct {
	Error     errorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, app.ErrShutdown), errors.Is(err, app.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders the structured error body for err.
func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), errorBody{
		Error: errorDetail{
			Kind:    app.Kind(err),
			Message: err.Error(),
		},
		RequestID: requestID(c),
	})
}

// writeValidationError renders a 400 for request decoding failures.
func writeValidationError(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorBody{
		Error: errorDetail{
			Kind:    "ValidationError",
			Message: msg,
		},
		RequestID: requestID(c),
	})
}
