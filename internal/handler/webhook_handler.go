package handler

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/slidecast/api/internal/config"
	"github.com/slidecast/api/internal/model"
	"github.com/slidecast/api/internal/service"
	"github.com/slidecast/api/internal/store"
	"github.com/slidecast/api/internal/websocket"
	"github.com/slidecast/api/pkg/response"
)

// WebhookHandler is the ingress for agent API callbacks. It validates,
// records, and queues each event, then acknowledges immediately; all actual
// processing happens in the webhook worker.
type WebhookHandler struct {
	store      *store.TaskStore
	dispatcher service.EventDispatcher
	hub        *websocket.Hub
	cfg        config.WebhookConfig
}

func NewWebhookHandler(taskStore *store.TaskStore, dispatcher service.EventDispatcher, hub *websocket.Hub, cfg config.WebhookConfig) *WebhookHandler {
	return &WebhookHandler{
		store:      taskStore,
		dispatcher: dispatcher,
		hub:        hub,
		cfg:        cfg,
	}
}

// Handle handles POST /webhook/agent
func (h *WebhookHandler) Handle(c *fiber.Ctx) error {
	var payload model.AgentWebhookPayload
	if err := c.BodyParser(&payload); err != nil {
		return response.ValidationError(c, "Invalid webhook body", nil)
	}
	if payload.EventType == "" {
		return response.ValidationError(c, "event_type is required", nil)
	}
	remoteID := payload.RemoteID()
	if remoteID == "" {
		return response.ValidationError(c, "payload names no task id", nil)
	}

	log.Printf("[Webhook] Received %s for remote task %s", payload.EventType, remoteID)

	// Record the event on its task's audit log. Unknown remote ids are
	// still acknowledged; the agent should not retry them forever.
	if task, err := h.store.FindByRemoteID(c.Context(), remoteID); err == nil {
		event := model.WebhookEvent{
			EventID:      payload.EventID,
			EventType:    payload.EventType,
			RemoteTaskID: remoteID,
			ReceivedAt:   time.Now().UTC(),
		}
		if payload.TaskDetail != nil {
			event.Message = payload.TaskDetail.Message
			event.StopReason = payload.TaskDetail.StopReason
		} else if payload.ProgressDetail != nil {
			event.Message = payload.ProgressDetail.Message
		}
		if err := h.store.AppendWebhookEvent(c.Context(), task.ID, event); err != nil {
			log.Printf("[Webhook] Failed to record event for task %s: %v", task.ID, err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Printf("[Webhook] Remote id lookup failed for %s: %v", remoteID, err)
	}

	if err := h.dispatcher.Dispatch(c.Context(), payload); err != nil {
		log.Printf("[Webhook] Failed to queue %s for %s: %v", payload.EventType, remoteID, err)
		return response.ServiceError(c, "failed to queue event")
	}

	return response.OK(c, fiber.Map{"status": "received"})
}

// Status handles GET /webhook/status
func (h *WebhookHandler) Status(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{
		"enabled":           h.cfg.Enabled,
		"url":               h.cfg.URL(),
		"connected_clients": h.hub.ClientCount(),
	})
}
