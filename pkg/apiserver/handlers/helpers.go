package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/logging"
	"github.com/flowforge/taskflow/pkg/model"
)

func parseLimit(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrVersionConflict),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrExecutionConflict),
		errors.Is(err, model.ErrExecutionFinished),
		errors.Is(err, model.ErrAlreadyRedriven):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidTask),
		errors.Is(err, model.ErrUnknownIndex),
		errors.Is(err, model.ErrInvalidPattern),
		errors.Is(err, model.ErrInvalidEvent),
		errors.Is(err, model.ErrUnknownTarget):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrBusClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, logger *zap.Logger, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(c.Request.Context(), logger).Error(message, zap.Error(err))
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
