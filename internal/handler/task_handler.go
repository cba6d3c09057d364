package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/slidecast/api/internal/model"
	"github.com/slidecast/api/internal/service"
	"github.com/slidecast/api/internal/store"
	"github.com/slidecast/api/pkg/response"
)

type TaskHandler struct {
	orchestrator *service.Orchestrator
	store        *store.TaskStore
	validator    *validator.Validate
}

func NewTaskHandler(orchestrator *service.Orchestrator, taskStore *store.TaskStore, v *validator.Validate) *TaskHandler {
	return &TaskHandler{
		orchestrator: orchestrator,
		store:        taskStore,
		validator:    v,
	}
}

// CreateDeck handles POST /api/v1/deck/tasks
func (h *TaskHandler) CreateDeck(c *fiber.Ctx) error {
	var req model.DeckTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	task, err := h.orchestrator.StartPipeline(c.Context(), model.PipelineDeck, model.TaskMetadata{
		Topic:      req.Topic,
		SlideCount: req.SlideCount,
		Style:      req.Style,
		ClientID:   req.ClientID,
	})
	if err != nil {
		return response.UpstreamError(c, err.Error())
	}

	return response.Accepted(c, model.CreateTaskResponse{
		TaskID:  task.ID,
		Status:  task.Status,
		Step:    task.StepName,
		Message: "Deck generation started",
	})
}

// CreateVideo handles POST /api/v1/video/tasks
func (h *TaskHandler) CreateVideo(c *fiber.Ctx) error {
	var req model.VideoTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	task, err := h.orchestrator.StartPipeline(c.Context(), model.PipelineVideo, model.TaskMetadata{
		Topic:          req.Topic,
		Duration:       req.Duration,
		Style:          req.Style,
		TargetAudience: req.TargetAudience,
		ClientID:       req.ClientID,
	})
	if err != nil {
		return response.UpstreamError(c, err.Error())
	}

	return response.Accepted(c, model.CreateTaskResponse{
		TaskID:  task.ID,
		Status:  task.Status,
		Step:    task.StepName,
		Message: "Video generation started",
	})
}

// Get handles GET /api/v1/tasks/:taskId
func (h *TaskHandler) Get(c *fiber.Ctx) error {
	task, err := h.loadTask(c)
	if task == nil {
		return err
	}
	return response.OK(c, model.ViewOf(task))
}

// List handles GET /api/v1/tasks
func (h *TaskHandler) List(c *fiber.Ctx) error {
	status := model.TaskStatus(c.Query("status"))
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	tasks, err := h.store.List(c.Context(), status, limit, offset)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	views := make([]model.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, model.ViewOf(t))
	}
	return response.OK(c, fiber.Map{"tasks": views, "count": len(views)})
}

// Events handles GET /api/v1/tasks/:taskId/events
func (h *TaskHandler) Events(c *fiber.Ctx) error {
	task, err := h.loadTask(c)
	if task == nil {
		return err
	}
	events, err := h.store.WebhookEvents(c.Context(), task.ID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"task_id": task.ID, "events": events})
}

// Download handles GET /api/v1/tasks/:taskId/download
func (h *TaskHandler) Download(c *fiber.Ctx) error {
	task, err := h.loadTask(c)
	if task == nil {
		return err
	}
	if task.Status != model.TaskStatusCompleted || task.Metadata.ArtifactPath == "" {
		return response.NotFound(c, "Artifact not available")
	}
	if c.QueryBool("inline") {
		return c.SendFile(task.Metadata.ArtifactPath)
	}
	return c.Download(task.Metadata.ArtifactPath)
}

// Plan handles GET /api/v1/tasks/:taskId/plan
func (h *TaskHandler) Plan(c *fiber.Ctx) error {
	task, err := h.loadTask(c)
	if task == nil {
		return err
	}
	if task.Metadata.PlanPath == "" {
		return response.NotFound(c, "Plan not available")
	}
	return c.Download(task.Metadata.PlanPath)
}

// loadTask resolves :taskId to a task, writing the error response itself
// when resolution fails. Callers must bail out on a nil task.
func (h *TaskHandler) loadTask(c *fiber.Ctx) (*model.Task, error) {
	taskID := c.Params("taskId")
	if taskID == "" {
		return nil, response.ValidationError(c, "Task ID is required", nil)
	}
	task, err := h.store.Get(c.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, response.NotFound(c, "Task not found")
		}
		return nil, response.ServiceError(c, err.Error())
	}
	return task, nil
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
