package model

import "time"

// TaskStatus is the local lifecycle state of a generation task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Pipeline kinds
type PipelineKind string

const (
	PipelineDeck  PipelineKind = "deck"
	PipelineVideo PipelineKind = "video"
)

// Pipeline step names. StepCompleted marks the end of every pipeline.
const (
	StepDeckGeneration   = "deck_generation"
	StepScriptGeneration = "script_generation"
	StepVideoGeneration  = "video_generation"
	StepCompleted        = "completed"
)

// Task is the local record for one user-initiated generation job. The agent
// API assigns a new remote task id for every pipeline stage; RemoteTaskID
// always holds the id of the stage currently awaiting a terminal webhook,
// while superseded ids are archived in Metadata.StageTaskIDs.
type Task struct {
	ID           string       `json:"id"`
	Pipeline     PipelineKind `json:"pipeline"`
	RemoteTaskID string       `json:"remoteTaskId,omitempty"`
	Status       TaskStatus   `json:"status"`
	StepName     string       `json:"stepName"`
	Prompt       string       `json:"prompt,omitempty"`
	Metadata     TaskMetadata `json:"metadata"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
}

// TaskMetadata carries the stage-specific fields of a task. Request
// parameters are set once at creation; the remaining fields are filled in as
// the pipeline advances. Extra is an escape hatch for auxiliary values that
// have no typed field.
type TaskMetadata struct {
	// Request parameters.
	Topic          string `json:"topic,omitempty"`
	SlideCount     int    `json:"slideCount,omitempty"`
	Duration       int    `json:"duration,omitempty"`
	Style          string `json:"style,omitempty"`
	TargetAudience string `json:"targetAudience,omitempty"`
	ClientID       string `json:"clientId,omitempty"`

	// Remote ids of finished stages, keyed by step name.
	StageTaskIDs map[string]string `json:"stageTaskIds,omitempty"`

	// Intermediate deliverable of stage 1 (video pipeline).
	PlanFileID  string `json:"planFileId,omitempty"`
	PlanFileURL string `json:"planFileUrl,omitempty"`
	PlanPath    string `json:"planPath,omitempty"`

	// Final artifact.
	ArtifactPath string `json:"artifactPath,omitempty"`
	DownloadURL  string `json:"downloadUrl,omitempty"`
	PublicURL    string `json:"publicUrl,omitempty"`

	Error string `json:"error,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`
}

// Merge overlays the non-zero fields of patch onto m. Maps are merged
// key-by-key so concurrent stages never clobber each other's archived ids.
func (m *TaskMetadata) Merge(patch TaskMetadata) {
	if patch.Topic != "" {
		m.Topic = patch.Topic
	}
	if patch.SlideCount != 0 {
		m.SlideCount = patch.SlideCount
	}
	if patch.Duration != 0 {
		m.Duration = patch.Duration
	}
	if patch.Style != "" {
		m.Style = patch.Style
	}
	if patch.TargetAudience != "" {
		m.TargetAudience = patch.TargetAudience
	}
	if patch.ClientID != "" {
		m.ClientID = patch.ClientID
	}
	for step, id := range patch.StageTaskIDs {
		if m.StageTaskIDs == nil {
			m.StageTaskIDs = make(map[string]string)
		}
		m.StageTaskIDs[step] = id
	}
	if patch.PlanFileID != "" {
		m.PlanFileID = patch.PlanFileID
	}
	if patch.PlanFileURL != "" {
		m.PlanFileURL = patch.PlanFileURL
	}
	if patch.PlanPath != "" {
		m.PlanPath = patch.PlanPath
	}
	if patch.ArtifactPath != "" {
		m.ArtifactPath = patch.ArtifactPath
	}
	if patch.DownloadURL != "" {
		m.DownloadURL = patch.DownloadURL
	}
	if patch.PublicURL != "" {
		m.PublicURL = patch.PublicURL
	}
	if patch.Error != "" {
		m.Error = patch.Error
	}
	for k, v := range patch.Extra {
		if m.Extra == nil {
			m.Extra = make(map[string]string)
		}
		m.Extra[k] = v
	}
}

// Webhook event types pushed by the agent API.
const (
	EventTaskCreated  = "task_created"
	EventTaskProgress = "task_progress"
	EventTaskStopped  = "task_stopped"
)

// Stop reasons carried by task_stopped events.
const (
	StopReasonFinish = "finish"
	StopReasonAsk    = "ask"
)

// WebhookEvent is one inbound notification from the agent API, appended
// verbatim to the owning task's event log and never mutated afterwards.
type WebhookEvent struct {
	EventID      string    `json:"eventId"`
	EventType    string    `json:"eventType"`
	RemoteTaskID string    `json:"remoteTaskId"`
	Message      string    `json:"message,omitempty"`
	StopReason   string    `json:"stopReason,omitempty"`
	ReceivedAt   time.Time `json:"receivedAt"`
}
