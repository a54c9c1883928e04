package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/CTG813819/lvl-up-sub003/pkg/custody"
	"github.com/CTG813819/lvl-up-sub003/pkg/scheduler"
	"github.com/CTG813819/lvl-up-sub003/pkg/services"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Error string `json:"error"`
}

// mapServiceError converts a service-layer error to its HTTP response.
func mapServiceError(c *gin.Context, err error) {
	var ve *services.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: ve.Error()})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, services.ErrConflict),
		errors.Is(err, custody.ErrDuplicateTrigger),
		errors.Is(err, scheduler.ErrNotIdle):
		c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, services.ErrInvariantViolation):
		c.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case errors.Is(err, services.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "store unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
