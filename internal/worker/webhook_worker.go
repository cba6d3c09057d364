// Package worker runs asynchronous webhook processing behind asynq.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/slidecast/api/internal/model"
	"github.com/slidecast/api/internal/service"
	"github.com/slidecast/api/internal/store"
)

// WebhookWorker routes queued agent webhook events into the orchestrator.
type WebhookWorker struct {
	orchestrator *service.Orchestrator
}

func NewWebhookWorker(orchestrator *service.Orchestrator) *WebhookWorker {
	return &WebhookWorker{orchestrator: orchestrator}
}

// ProcessTask handles one queued webhook event. Events for unknown remote
// ids are logged and acknowledged; returning an error would only make asynq
// redeliver an event that can never be routed.
func (w *WebhookWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.AgentWebhookPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal webhook payload: %w", err)
	}

	remoteID := payload.RemoteID()
	log.Printf("[Webhook Worker] Processing %s for remote task %s", payload.EventType, remoteID)

	var err error
	switch payload.EventType {
	case model.EventTaskCreated:
		// Informational; the pipeline already knows the id it created.
		log.Printf("[Webhook Worker] Remote task created: %s", remoteID)
		return nil

	case model.EventTaskProgress:
		message := ""
		if payload.ProgressDetail != nil {
			message = payload.ProgressDetail.Message
		}
		err = w.orchestrator.HandleProgress(ctx, remoteID, message)

	case model.EventTaskStopped:
		err = w.handleStopped(ctx, remoteID, payload.TaskDetail)

	default:
		log.Printf("[Webhook Worker] Ignoring unknown event type: %s", payload.EventType)
		return nil
	}

	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[Webhook Worker] No task for remote id %s, dropping %s", remoteID, payload.EventType)
		return nil
	}
	return err
}

func (w *WebhookWorker) handleStopped(ctx context.Context, remoteID string, detail *model.TaskDetail) error {
	stopReason := ""
	message := ""
	if detail != nil {
		stopReason = detail.StopReason
		message = detail.Message
	}

	switch stopReason {
	case model.StopReasonFinish:
		return w.orchestrator.AdvanceStage(ctx, remoteID)

	case model.StopReasonAsk:
		// The remote task is waiting for a human reply; this service has
		// no interactive channel back, so the stage cannot proceed.
		return w.orchestrator.FailStage(ctx, remoteID,
			"remote task requires user input; interactive continuation is not supported")

	default:
		reason := "remote task stopped"
		if stopReason != "" {
			reason += ": " + stopReason
		}
		if message != "" {
			reason += " (" + message + ")"
		}
		return w.orchestrator.FailStage(ctx, remoteID, reason)
	}
}
