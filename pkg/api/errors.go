package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/appforge-io/appforge/pkg/faults"
)

// errorBody is the wire form of a failed request.
type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// httpStatus maps a fault kind to its transport status. Nothing below the
// API layer knows about HTTP codes.
func httpStatus(kind faults.Kind) int {
	switch kind {
	case faults.KindValidation:
		return http.StatusBadRequest
	case faults.KindNotFound:
		return http.StatusNotFound
	case faults.KindStateConflict:
		return http.StatusConflict
	case faults.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case faults.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError converts an error chain into the JSON error response.
// Internal faults log the full chain and hide it from the client.
func respondError(c *gin.Context, err error) {
	kind := faults.KindOf(err)
	message := err.Error()
	if kind == faults.KindInternal {
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
		message = "internal server error"
	}
	c.JSON(httpStatus(kind), gin.H{"error": errorBody{
		Kind:      string(kind),
		Message:   message,
		Retryable: faults.IsRetryable(err),
	}})
}
