package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/slidecast/api/internal/client"
	"github.com/slidecast/api/internal/config"
	"github.com/slidecast/api/internal/model"
	"github.com/slidecast/api/internal/retry"
	"github.com/slidecast/api/internal/service"
	"github.com/slidecast/api/internal/storage"
	"github.com/slidecast/api/internal/store"
	ws "github.com/slidecast/api/internal/websocket"
)

// stubAgent creates remote tasks with canned ids; the read paths are unused
// by the handler tests.
type stubAgent struct {
	created int
	fail    bool
}

func (s *stubAgent) CreateTask(ctx context.Context, prompt string, attachments []client.Attachment) (string, error) {
	if s.fail {
		return "", &client.APIError{StatusCode: 503, Body: "unavailable"}
	}
	s.created++
	return "remote-stub", nil
}

func (s *stubAgent) GetTask(ctx context.Context, taskID string, convert bool, cfg retry.Config) (*client.TaskResult, error) {
	return nil, &client.APIError{StatusCode: 404, Body: "not found"}
}

func (s *stubAgent) DownloadFile(ctx context.Context, url string) ([]byte, error) {
	return nil, &client.APIError{StatusCode: 404, Body: "not found"}
}

func (s *stubAgent) UploadFile(ctx context.Context, fileName string, content []byte) (string, error) {
	return "", &client.APIError{StatusCode: 503, Body: "unavailable"}
}

type taskEnv struct {
	app   *fiber.App
	store *store.TaskStore
	agent *stubAgent
}

func newTaskEnv(t *testing.T) *taskEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	taskStore := store.NewTaskStore(redisClient)
	agent := &stubAgent{}
	artifacts, err := storage.NewArtifactStore(t.TempDir())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	orch := service.NewOrchestrator(taskStore, agent, ws.NewHub(), artifacts, nil, config.PipelineConfig{
		AttachmentPolicy: []string{"file_id", "url"},
	})
	h := NewTaskHandler(orch, taskStore, validator.New())

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Post("/deck/tasks", h.CreateDeck)
	api.Post("/video/tasks", h.CreateVideo)
	api.Get("/tasks", h.List)
	api.Get("/tasks/:taskId", h.Get)
	api.Get("/tasks/:taskId/events", h.Events)
	api.Get("/tasks/:taskId/download", h.Download)
	api.Get("/tasks/:taskId/plan", h.Plan)
	return &taskEnv{app: app, store: taskStore, agent: agent}
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	var parsed map[string]interface{}
	json.Unmarshal(raw, &parsed)
	return resp, parsed
}

// envelopeData unwraps the {success, data} envelope of 2xx responses.
func envelopeData(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	if body["success"] != true {
		t.Fatalf("expected success envelope, got %v", body)
	}
	data, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data object, got %v", body["data"])
	}
	return data
}

func TestCreateDeck_Success(t *testing.T) {
	env := newTaskEnv(t)

	resp, body := doJSON(t, env.app, http.MethodPost, "/api/v1/deck/tasks",
		`{"topic": "The water cycle", "slide_count": 8, "style": "minimal"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	data := envelopeData(t, body)
	if data["task_id"] == nil || data["task_id"] == "" {
		t.Error("expected task_id in response")
	}
	if data["status"] != "processing" {
		t.Errorf("expected processing, got %v", data["status"])
	}
	if data["step"] != model.StepDeckGeneration {
		t.Errorf("expected deck_generation step, got %v", data["step"])
	}
	if env.agent.created != 1 {
		t.Errorf("expected 1 remote task, got %d", env.agent.created)
	}
}

func TestCreateDeck_ValidationFailure(t *testing.T) {
	env := newTaskEnv(t)

	cases := []string{
		`{}`,
		`{"topic": "ab"}`,
		`{"topic": "valid topic", "slide_count": 100}`,
	}
	for _, body := range cases {
		resp, _ := doJSON(t, env.app, http.MethodPost, "/api/v1/deck/tasks", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}
	if env.agent.created != 0 {
		t.Error("invalid requests must not reach the agent API")
	}
}

func TestCreateVideo_Success(t *testing.T) {
	env := newTaskEnv(t)

	resp, body := doJSON(t, env.app, http.MethodPost, "/api/v1/video/tasks",
		`{"topic": "Ocean tides", "duration": 30, "style": "documentary", "target_audience": "students"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if envelopeData(t, body)["step"] != model.StepScriptGeneration {
		t.Errorf("expected script_generation step, got %v", body)
	}
}

func TestCreateVideo_RequiresDurationStyleAudience(t *testing.T) {
	env := newTaskEnv(t)
	resp, _ := doJSON(t, env.app, http.MethodPost, "/api/v1/video/tasks", `{"topic": "Ocean tides"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateDeck_AgentUnavailable(t *testing.T) {
	env := newTaskEnv(t)
	env.agent.fail = true

	resp, _ := doJSON(t, env.app, http.MethodPost, "/api/v1/deck/tasks", `{"topic": "The water cycle"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
}

func TestGetTask(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	task, _ := env.store.Create(ctx, model.PipelineDeck, "p", model.TaskMetadata{Topic: "X"})

	resp, body := doJSON(t, env.app, http.MethodGet, "/api/v1/tasks/"+task.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data := envelopeData(t, body)
	if data["task_id"] != task.ID {
		t.Errorf("wrong task: %v", data["task_id"])
	}
	if data["download_url"] != nil {
		t.Error("pending task must not expose a download url")
	}

	resp, _ = doJSON(t, env.app, http.MethodGet, "/api/v1/tasks/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestListTasks(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env.store.Create(ctx, model.PipelineDeck, "p", model.TaskMetadata{})
	}

	resp, body := doJSON(t, env.app, http.MethodGet, "/api/v1/tasks", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if data := envelopeData(t, body); data["count"] != float64(3) {
		t.Errorf("expected count 3, got %v", data["count"])
	}
}

func TestDownload(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	task, _ := env.store.Create(ctx, model.PipelineDeck, "p", model.TaskMetadata{})

	// Not completed yet.
	resp, _ := doJSON(t, env.app, http.MethodGet, "/api/v1/tasks/"+task.ID+"/download", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 before completion, got %d", resp.StatusCode)
	}

	path := filepath.Join(t.TempDir(), "deck.pptx")
	if err := os.WriteFile(path, []byte("PPTX"), 0o644); err != nil {
		t.Fatal(err)
	}
	completed := model.TaskStatusCompleted
	env.store.Update(ctx, task.ID, store.Patch{
		Status:   &completed,
		Metadata: &model.TaskMetadata{ArtifactPath: path},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+task.ID+"/download", nil)
	dlResp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if dlResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", dlResp.StatusCode)
	}
	data, _ := io.ReadAll(dlResp.Body)
	if string(data) != "PPTX" {
		t.Error("artifact bytes mismatch")
	}
}

func TestEvents(t *testing.T) {
	env := newTaskEnv(t)
	ctx := context.Background()

	task, _ := env.store.Create(ctx, model.PipelineDeck, "p", model.TaskMetadata{})
	env.store.AppendWebhookEvent(ctx, task.ID, model.WebhookEvent{
		EventType:    model.EventTaskCreated,
		RemoteTaskID: "r1",
	})

	resp, body := doJSON(t, env.app, http.MethodGet, "/api/v1/tasks/"+task.ID+"/events", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data := envelopeData(t, body)
	events, ok := data["events"].([]interface{})
	if !ok || len(events) != 1 {
		t.Errorf("expected 1 event, got %v", data["events"])
	}
}
