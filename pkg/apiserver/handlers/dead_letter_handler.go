package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/eventbus"
	"github.com/flowforge/taskflow/pkg/model"
)

type DeadLetterHandler struct {
	bus    *eventbus.Bus
	logger *zap.Logger
}

func NewDeadLetterHandler(bus *eventbus.Bus, logger *zap.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{bus: bus, logger: logger}
}

func (h *DeadLetterHandler) List(c *gin.Context) {
	letters, err := h.bus.DeadLetters(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "failed to list dead letters", err)
		return
	}
	if letters == nil {
		letters = []model.DeadLetter{}
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": letters})
}

func (h *DeadLetterHandler) Redrive(c *gin.Context) {
	letter, err := h.bus.Redrive(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "failed to redrive dead letter", err)
		return
	}
	c.JSON(http.StatusAccepted, letter)
}
