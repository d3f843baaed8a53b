package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/model"
	"github.com/flowforge/taskflow/pkg/store"
)

// TaskHandler is the CRUD adapter over the task store. Status updates made through it
// are the approval signals the workflow engine polls for.
type TaskHandler struct {
	tasks      store.TaskStore
	defaultTTL time.Duration
	pageSize   int
	logger     *zap.Logger
}

func NewTaskHandler(tasks store.TaskStore, defaultTTL time.Duration, pageSize int, logger *zap.Logger) *TaskHandler {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &TaskHandler{tasks: tasks, defaultTTL: defaultTTL, pageSize: pageSize, logger: logger}
}

type taskCreateRequest struct {
	TaskID      string      `json:"taskId"`
	OwnerID     string      `json:"ownerId" binding:"required"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Priority    string      `json:"priority"`
	Tags        []string    `json:"tags"`
	Payload     model.JSONB `json:"payload"`
	ExpireAt    *time.Time  `json:"expireAt"`
}

type taskUpdateRequest struct {
	Title            *string      `json:"title"`
	Description      *string      `json:"description"`
	Status           *string      `json:"status"`
	Priority         *string      `json:"priority"`
	Tags             *[]string    `json:"tags"`
	Payload          *model.JSONB `json:"payload"`
	ExpectedRevision *int64       `json:"expectedRevision"`
}

type taskListResponse struct {
	Tasks []model.Task `json:"tasks"`
	Count int          `json:"count"`
}

func (h *TaskHandler) Create(c *gin.Context) {
	var req taskCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	now := time.Now().UTC()
	task := model.Task{
		TaskID:      strings.TrimSpace(req.TaskID),
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      model.TaskPendingValidation,
		Priority:    model.Priority(req.Priority),
		OwnerID:     req.OwnerID,
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		Payload:     req.Payload,
		ExpireAt:    req.ExpireAt,
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.ExpireAt == nil && h.defaultTTL > 0 {
		expireAt := now.Add(h.defaultTTL)
		task.ExpireAt = &expireAt
	}

	ctx := c.Request.Context()
	if _, err := h.tasks.Put(ctx, task, store.ExpectRevision(0)); err != nil {
		writeError(c, h.logger, "failed to create task", err)
		return
	}
	created, err := h.tasks.Get(ctx, task.TaskID)
	if err != nil {
		writeError(c, h.logger, "failed to load task", err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *TaskHandler) Get(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "failed to load task", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// List queries one secondary index: ?status= or ?ownerId=.
func (h *TaskHandler) List(c *gin.Context) {
	status := strings.TrimSpace(c.Query(store.IndexStatus))
	owner := strings.TrimSpace(c.Query(store.IndexOwner))

	var index, key string
	switch {
	case status != "" && owner != "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "query by status or ownerId, not both"})
		return
	case status != "":
		if !model.TaskStatus(status).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
			return
		}
		index, key = store.IndexStatus, status
	case owner != "":
		index, key = store.IndexOwner, owner
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status or ownerId is required"})
		return
	}

	limit := parseLimit(c.Query("limit"), h.pageSize)
	tasks, err := store.Collect(h.tasks.Query(c.Request.Context(), index, key), limit)
	if err != nil {
		writeError(c, h.logger, "failed to query tasks", err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	c.JSON(http.StatusOK, taskListResponse{Tasks: tasks, Count: len(tasks)})
}

// Update rewrites the current version in place. The write is rejected if the task
// changed since it was read, or since expectedRevision when the caller sends one.
func (h *TaskHandler) Update(c *gin.Context) {
	var req taskUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	ctx := c.Request.Context()
	current, err := h.tasks.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "failed to load task", err)
		return
	}

	next := current.Clone()
	if req.Title != nil {
		next.Title = *req.Title
	}
	if req.Description != nil {
		next.Description = *req.Description
	}
	if req.Status != nil {
		next.Status = model.TaskStatus(*req.Status)
	}
	if req.Priority != nil {
		next.Priority = model.Priority(*req.Priority)
	}
	if req.Tags != nil {
		next.Tags = *req.Tags
	}
	if req.Payload != nil {
		next.Payload = *req.Payload
	}
	next.UpdatedAt = time.Now().UTC()

	expected := current.Revision
	if req.ExpectedRevision != nil {
		expected = *req.ExpectedRevision
	}
	if _, err := h.tasks.Put(ctx, next, store.ExpectRevision(expected)); err != nil {
		writeError(c, h.logger, "failed to update task", err)
		return
	}

	updated, err := h.tasks.Get(ctx, next.TaskID)
	if err != nil {
		writeError(c, h.logger, "failed to load task", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// Delete removes a task with its whole version history and returns the version that was
// current. The change feed announces it as TaskDeleted.
func (h *TaskHandler) Delete(c *gin.Context) {
	deleted, err := h.tasks.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "failed to delete task", err)
		return
	}
	c.JSON(http.StatusOK, deleted)
}

func (h *TaskHandler) Versions(c *gin.Context) {
	versions, err := h.tasks.Versions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "failed to load task versions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}
