package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/slidecast/api/internal/config"
	"github.com/slidecast/api/internal/model"
	"github.com/slidecast/api/internal/store"
	ws "github.com/slidecast/api/internal/websocket"
)

// recordingDispatcher captures dispatched payloads instead of enqueueing.
type recordingDispatcher struct {
	mu       sync.Mutex
	payloads []model.AgentWebhookPayload
	err      error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, payload model.AgentWebhookPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.payloads = append(d.payloads, payload)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.payloads)
}

type webhookEnv struct {
	app        *fiber.App
	store      *store.TaskStore
	dispatcher *recordingDispatcher
}

func newWebhookEnv(t *testing.T) *webhookEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	taskStore := store.NewTaskStore(redisClient)
	dispatcher := &recordingDispatcher{}
	hub := ws.NewHub()
	h := NewWebhookHandler(taskStore, dispatcher, hub, config.WebhookConfig{
		Enabled: true,
		BaseURL: "https://api.example.com",
		Path:    "/webhook/agent",
	})

	app := fiber.New()
	app.Post("/webhook/agent", h.Handle)
	app.Get("/webhook/status", h.Status)
	return &webhookEnv{app: app, store: taskStore, dispatcher: dispatcher}
}

func postWebhook(t *testing.T, app *fiber.App, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/agent", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestWebhook_FastAckAndDispatch(t *testing.T) {
	env := newWebhookEnv(t)

	body := `{
		"event_id": "ev-1",
		"event_type": "task_stopped",
		"task_detail": {"task_id": "remote-1", "stop_reason": "finish", "message": "done"}
	}`
	resp := postWebhook(t, env.app, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	raw, _ := io.ReadAll(resp.Body)
	var ack struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("bad ack json: %v", err)
	}
	if !ack.Success || ack.Data["status"] != "received" {
		t.Errorf("unexpected ack: %+v", ack)
	}
	if env.dispatcher.count() != 1 {
		t.Fatalf("expected 1 dispatched payload, got %d", env.dispatcher.count())
	}
	got := env.dispatcher.payloads[0]
	if got.EventType != model.EventTaskStopped || got.RemoteID() != "remote-1" {
		t.Errorf("payload mangled in transit: %+v", got)
	}
}

func TestWebhook_RecordsEventForKnownTask(t *testing.T) {
	env := newWebhookEnv(t)
	ctx := context.Background()

	task, _ := env.store.Create(ctx, model.PipelineDeck, "p", model.TaskMetadata{})
	remoteID := "remote-77"
	env.store.Update(ctx, task.ID, store.Patch{RemoteTaskID: &remoteID})

	resp := postWebhook(t, env.app, `{
		"event_id": "ev-2",
		"event_type": "task_progress",
		"progress_detail": {"task_id": "remote-77", "message": "halfway"}
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	events, err := env.store.WebhookEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("WebhookEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 recorded event, got %d", len(events))
	}
	if events[0].EventType != model.EventTaskProgress || events[0].Message != "halfway" {
		t.Errorf("event not recorded faithfully: %+v", events[0])
	}
}

func TestWebhook_UnknownRemoteIDStillAcked(t *testing.T) {
	env := newWebhookEnv(t)

	resp := postWebhook(t, env.app, `{
		"event_id": "ev-3",
		"event_type": "task_created",
		"task_detail": {"task_id": "never-seen"}
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for unknown remote id, got %d", resp.StatusCode)
	}
	if env.dispatcher.count() != 1 {
		t.Error("event for unknown id should still be queued; the worker decides")
	}
}

func TestWebhook_RejectsMalformedPayloads(t *testing.T) {
	env := newWebhookEnv(t)

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing event type", `{"event_id": "x", "task_detail": {"task_id": "r"}}`},
		{"missing task id", `{"event_type": "task_stopped"}`},
	}
	for _, tc := range cases {
		resp := postWebhook(t, env.app, tc.body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tc.name, resp.StatusCode)
		}
	}
	if env.dispatcher.count() != 0 {
		t.Error("malformed payloads must not be queued")
	}
}

func TestWebhook_DispatchFailureReported(t *testing.T) {
	env := newWebhookEnv(t)
	env.dispatcher.err = context.DeadlineExceeded

	resp := postWebhook(t, env.app, `{
		"event_type": "task_stopped",
		"task_detail": {"task_id": "remote-1", "stop_reason": "finish"}
	}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 when queueing fails, got %d", resp.StatusCode)
	}
}

func TestWebhookStatus(t *testing.T) {
	env := newWebhookEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook/status", nil)
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	data, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data envelope, got %v", body)
	}
	if data["enabled"] != true {
		t.Error("expected enabled=true")
	}
	if data["url"] != "https://api.example.com/webhook/agent" {
		t.Errorf("unexpected url: %v", data["url"])
	}
}
