package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/eventbus"
)

type RuleHandler struct {
	bus    *eventbus.Bus
	logger *zap.Logger
}

func NewRuleHandler(bus *eventbus.Bus, logger *zap.Logger) *RuleHandler {
	return &RuleHandler{bus: bus, logger: logger}
}

func (h *RuleHandler) List(c *gin.Context) {
	rules := h.bus.Rules()
	if rules == nil {
		rules = []eventbus.Rule{}
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (h *RuleHandler) Create(c *gin.Context) {
	var spec eventbus.RuleSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	ruleID, err := h.bus.RegisterSpec(spec)
	if err != nil {
		writeError(c, h.logger, "failed to register rule", err)
		return
	}
	for _, rule := range h.bus.Rules() {
		if rule.ID == ruleID {
			c.JSON(http.StatusCreated, rule)
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"ruleId": ruleID})
}

func (h *RuleHandler) Delete(c *gin.Context) {
	if err := h.bus.UnregisterRule(c.Param("id")); err != nil {
		writeError(c, h.logger, "failed to remove rule", err)
		return
	}
	c.Status(http.StatusNoContent)
}
