package model

import "time"

// DeckTaskRequest starts a deck generation pipeline.
type DeckTaskRequest struct {
	Topic      string `json:"topic" validate:"required,min=3,max=500"`
	SlideCount int    `json:"slide_count" validate:"omitempty,min=3,max=40"`
	Style      string `json:"style" validate:"omitempty,max=100"`
	ClientID   string `json:"client_id" validate:"omitempty,max=128"`
}

// VideoTaskRequest starts a two-stage video generation pipeline.
type VideoTaskRequest struct {
	Topic          string `json:"topic" validate:"required,min=3,max=500"`
	Duration       int    `json:"duration" validate:"required,min=5,max=60"`
	Style          string `json:"style" validate:"required,max=100"`
	TargetAudience string `json:"target_audience" validate:"required,max=100"`
	ClientID       string `json:"client_id" validate:"omitempty,max=128"`
}

// CreateTaskResponse acknowledges a started pipeline.
type CreateTaskResponse struct {
	TaskID  string     `json:"task_id"`
	Status  TaskStatus `json:"status"`
	Step    string     `json:"step"`
	Message string     `json:"message"`
}

// TaskView is the outward projection of a Task.
type TaskView struct {
	TaskID      string       `json:"task_id"`
	Pipeline    PipelineKind `json:"pipeline"`
	Status      TaskStatus   `json:"status"`
	Step        string       `json:"step"`
	Error       string       `json:"error,omitempty"`
	DownloadURL string       `json:"download_url,omitempty"`
	PlanURL     string       `json:"plan_url,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// ViewOf projects a Task for API responses. Download links are only exposed
// once the backing files exist.
func ViewOf(t *Task) TaskView {
	v := TaskView{
		TaskID:      t.ID,
		Pipeline:    t.Pipeline,
		Status:      t.Status,
		Step:        t.StepName,
		Error:       t.Metadata.Error,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.Status == TaskStatusCompleted && t.Metadata.ArtifactPath != "" {
		v.DownloadURL = "/api/v1/tasks/" + t.ID + "/download"
	}
	if t.Metadata.PlanPath != "" {
		v.PlanURL = "/api/v1/tasks/" + t.ID + "/plan"
	}
	return v
}

// AgentWebhookPayload is the inbound webhook body pushed by the agent API.
// Exactly one of TaskDetail/ProgressDetail is set depending on EventType.
type AgentWebhookPayload struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	TaskDetail     *TaskDetail     `json:"task_detail,omitempty"`
	ProgressDetail *ProgressDetail `json:"progress_detail,omitempty"`
}

// TaskDetail accompanies task_created and task_stopped events.
type TaskDetail struct {
	TaskID      string              `json:"task_id"`
	TaskTitle   string              `json:"task_title,omitempty"`
	TaskURL     string              `json:"task_url,omitempty"`
	Message     string              `json:"message,omitempty"`
	StopReason  string              `json:"stop_reason,omitempty"`
	Attachments []WebhookAttachment `json:"attachments,omitempty"`
}

// ProgressDetail accompanies task_progress events.
type ProgressDetail struct {
	TaskID       string `json:"task_id"`
	ProgressType string `json:"progress_type,omitempty"`
	Message      string `json:"message,omitempty"`
}

// WebhookAttachment is a file reference carried by a webhook event.
type WebhookAttachment struct {
	FileName string `json:"file_name,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// RemoteID returns the remote task id named by the payload, regardless of
// event kind.
func (p *AgentWebhookPayload) RemoteID() string {
	if p.TaskDetail != nil {
		return p.TaskDetail.TaskID
	}
	if p.ProgressDetail != nil {
		return p.ProgressDetail.TaskID
	}
	return ""
}
