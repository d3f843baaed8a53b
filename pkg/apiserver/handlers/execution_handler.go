package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/engine"
	"github.com/flowforge/taskflow/pkg/model"
)

type ExecutionHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

func NewExecutionHandler(engine *engine.Engine, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{engine: engine, logger: logger}
}

func (h *ExecutionHandler) List(c *gin.Context) {
	taskID := strings.TrimSpace(c.Query("taskId"))
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskId is required"})
		return
	}
	executions, err := h.engine.List(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, h.logger, "failed to list executions", err)
		return
	}
	if executions == nil {
		executions = []model.Execution{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (h *ExecutionHandler) Get(c *gin.Context) {
	execution, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "failed to load execution", err)
		return
	}
	c.JSON(http.StatusOK, execution)
}

func (h *ExecutionHandler) Cancel(c *gin.Context) {
	execution, err := h.engine.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "failed to cancel execution", err)
		return
	}
	c.JSON(http.StatusOK, execution)
}
