package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/slidecast/api/internal/model"
)

// TaskTypeWebhookEvent is the asynq task type for inbound agent webhooks.
const TaskTypeWebhookEvent = "webhook:event"

// QueueWebhooks is the asynq queue webhook processing runs on.
const QueueWebhooks = "webhooks"

// EventDispatcher hands an inbound webhook payload off for asynchronous
// processing, so the ingress endpoint can acknowledge immediately.
type EventDispatcher interface {
	Dispatch(ctx context.Context, payload model.AgentWebhookPayload) error
}

// AsynqDispatcher queues webhook events on asynq.
type AsynqDispatcher struct {
	client *asynq.Client
}

func NewAsynqDispatcher(client *asynq.Client) *AsynqDispatcher {
	return &AsynqDispatcher{client: client}
}

// Dispatch enqueues the payload for the webhook worker.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, payload model.AgentWebhookPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	task := asynq.NewTask(TaskTypeWebhookEvent, data)
	info, err := d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueWebhooks),
		asynq.MaxRetry(5),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue webhook event: %w", err)
	}
	log.Printf("[Dispatch] Webhook event queued: %s (task %s)", payload.EventType, info.ID)
	return nil
}
