// Package service orchestrates generation pipelines: it drives each task
// through its stages as terminal webhooks arrive from the agent API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/slidecast/api/internal/client"
	"github.com/slidecast/api/internal/config"
	"github.com/slidecast/api/internal/model"
	"github.com/slidecast/api/internal/retry"
	"github.com/slidecast/api/internal/storage"
	"github.com/slidecast/api/internal/store"
	"github.com/slidecast/api/internal/websocket"
)

// Orchestrator advances tasks through their pipeline stages. All stage
// transitions for one task run under that task's lock, so concurrent webhook
// deliveries for the same task serialize and duplicates become no-ops.
type Orchestrator struct {
	store     *store.TaskStore
	agent     client.TaskRunner
	hub       *websocket.Hub
	artifacts *storage.ArtifactStore
	mirror    client.ArtifactMirror // optional

	attachmentPolicy []string
	resultRetry      retry.Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOrchestrator wires the orchestrator. mirror may be nil when object
// storage is not configured.
func NewOrchestrator(
	taskStore *store.TaskStore,
	agent client.TaskRunner,
	hub *websocket.Hub,
	artifacts *storage.ArtifactStore,
	mirror client.ArtifactMirror,
	cfg config.PipelineConfig,
) *Orchestrator {
	return &Orchestrator{
		store:            taskStore,
		agent:            agent,
		hub:              hub,
		artifacts:        artifacts,
		mirror:           mirror,
		attachmentPolicy: cfg.AttachmentPolicy,
		resultRetry: retry.Config{
			MaxRetries:   cfg.ResultMaxRetries,
			InitialDelay: time.Duration(cfg.ResultInitialDelayS) * time.Second,
			MaxDelay:     30 * time.Second,
			Timeout:      30 * time.Second,
			Multiplier:   2.0,
		},
		locks: make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) lockFor(taskID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[taskID] = l
	}
	return l
}

// StartPipeline creates the task record, starts the first remote stage, and
// returns the processing task. If the remote create fails the record is
// marked failed and the error is returned.
func (o *Orchestrator) StartPipeline(ctx context.Context, kind model.PipelineKind, meta model.TaskMetadata) (*model.Task, error) {
	stage, ok := firstStage(kind)
	if !ok {
		return nil, fmt.Errorf("unknown pipeline: %s", kind)
	}

	prompt := stagePrompt(stage, meta)
	task, err := o.store.Create(ctx, kind, prompt, meta)
	if err != nil {
		return nil, err
	}
	log.Printf("[Pipeline] Task %s created (%s)", task.ID, kind)

	remoteID, err := o.agent.CreateTask(ctx, prompt, nil)
	if err != nil {
		failed := model.TaskStatusFailed
		o.store.Update(ctx, task.ID, store.Patch{
			Status:   &failed,
			Metadata: &model.TaskMetadata{Error: "failed to start generation: " + err.Error()},
		})
		return nil, fmt.Errorf("failed to start %s: %w", stage.Name, err)
	}

	processing := model.TaskStatusProcessing
	task, err = o.store.Update(ctx, task.ID, store.Patch{
		Status:       &processing,
		StepName:     &stage.Name,
		RemoteTaskID: &remoteID,
	})
	if err != nil {
		return nil, err
	}

	o.publish(task, model.WSEvent{
		Type:    model.EventTypeFor(stage.Name, model.WSSuffixStarted),
		TaskID:  remoteID,
		Step:    stage.Name,
		Message: "stage started",
	})
	log.Printf("[Pipeline] Task %s: %s started (remote %s)", task.ID, stage.Name, remoteID)
	return task, nil
}

// HandleProgress fans a progress message out to the task's subscribers.
// Progress for archived or unknown remote ids is dropped.
func (o *Orchestrator) HandleProgress(ctx context.Context, remoteID, message string) error {
	task, err := o.store.FindByRemoteID(ctx, remoteID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() || task.RemoteTaskID != remoteID {
		log.Printf("[Pipeline] Task %s: dropping progress for inactive remote %s", task.ID, remoteID)
		return nil
	}
	o.publish(task, model.WSEvent{
		Type:    model.EventTypeFor(task.StepName, model.WSSuffixProgress),
		TaskID:  remoteID,
		Step:    task.StepName,
		Message: message,
	})
	return nil
}

// AdvanceStage handles a terminal "finish" webhook for remoteID: it fetches
// the stage result, extracts the deliverable, and either starts the next
// stage or completes the task. The whole transition runs under the task's
// lock; duplicate or archived-id deliveries are no-ops.
func (o *Orchestrator) AdvanceStage(ctx context.Context, remoteID string) error {
	found, err := o.store.FindByRemoteID(ctx, remoteID)
	if err != nil {
		return err
	}

	lock := o.lockFor(found.ID)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the lock; a concurrent delivery may have advanced us.
	task, err := o.store.Get(ctx, found.ID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		log.Printf("[Pipeline] Task %s already %s, ignoring completion of %s", task.ID, task.Status, remoteID)
		return nil
	}
	if task.RemoteTaskID != remoteID {
		log.Printf("[Pipeline] Task %s: remote %s is not the active stage, ignoring", task.ID, remoteID)
		return nil
	}

	stage, next, ok := stageByName(task.Pipeline, task.StepName)
	if !ok {
		return o.failTask(ctx, task, task.StepName, fmt.Sprintf("unknown stage %q for pipeline %s", task.StepName, task.Pipeline))
	}

	result, err := o.agent.GetTask(ctx, remoteID, stage.Convert, o.resultRetry)
	if err != nil {
		return o.failTask(ctx, task, stage.Name, "failed to fetch stage result: "+err.Error())
	}
	if result.Status == client.RemoteStatusFailed {
		reason := result.Error
		if reason == "" {
			reason = "remote task failed"
		}
		return o.failTask(ctx, task, stage.Name, reason)
	}

	file, ok := result.FindOutputFile(stage.DeliverableExt)
	if !ok {
		// Fall back to any file the stage produced.
		file, ok = result.FindOutputFile("")
	}
	if !ok {
		return o.failTask(ctx, task, stage.Name, "stage produced no file deliverable")
	}

	if next != nil {
		return o.startNextStage(ctx, task, stage, *next, remoteID, file)
	}
	return o.completeTask(ctx, task, stage, remoteID, file)
}

// FailStage marks the task failed in response to a terminal failure webhook.
// Archived-id deliveries and already-terminal tasks are no-ops.
func (o *Orchestrator) FailStage(ctx context.Context, remoteID, reason string) error {
	found, err := o.store.FindByRemoteID(ctx, remoteID)
	if err != nil {
		return err
	}

	lock := o.lockFor(found.ID)
	lock.Lock()
	defer lock.Unlock()

	task, err := o.store.Get(ctx, found.ID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		log.Printf("[Pipeline] Task %s already %s, ignoring failure of %s", task.ID, task.Status, remoteID)
		return nil
	}
	if task.RemoteTaskID != remoteID {
		log.Printf("[Pipeline] Task %s: remote %s is not the active stage, ignoring failure", task.ID, remoteID)
		return nil
	}
	return o.failTask(ctx, task, task.StepName, reason)
}

// startNextStage hands the stage deliverable to the next remote task and
// archives the finished stage's remote id.
func (o *Orchestrator) startNextStage(ctx context.Context, task *model.Task, stage, next Stage, remoteID string, file client.OutputFile) error {
	meta := model.TaskMetadata{
		StageTaskIDs: map[string]string{stage.Name: remoteID},
		PlanFileID:   file.FileID,
		PlanFileURL:  file.URL,
	}

	// Keep a local copy of the intermediate deliverable for the plan
	// endpoint. Best effort; the pipeline advances without it.
	if file.URL != "" {
		if data, err := o.agent.DownloadFile(ctx, file.URL); err != nil {
			log.Printf("[Pipeline] Task %s: failed to save %s deliverable locally: %v", task.ID, stage.Name, err)
		} else if path, err := o.artifacts.Save("plan", task.ID, stage.DeliverableExt, data); err == nil {
			meta.PlanPath = path
		}
	}

	attachment, err := o.stageAttachment(ctx, file)
	if err != nil {
		return o.failTask(ctx, task, stage.Name, "failed to pass deliverable to next stage: "+err.Error())
	}

	nextPrompt := stagePrompt(next, task.Metadata)
	nextRemoteID, err := o.agent.CreateTask(ctx, nextPrompt, []client.Attachment{attachment})
	if err != nil {
		return o.failTask(ctx, task, stage.Name, "failed to start "+next.Name+": "+err.Error())
	}

	task, err = o.store.Update(ctx, task.ID, store.Patch{
		StepName:     &next.Name,
		RemoteTaskID: &nextRemoteID,
		Metadata:     &meta,
	})
	if err != nil {
		return err
	}

	o.publish(task, model.WSEvent{
		Type:    model.EventTypeFor(stage.Name, model.WSSuffixCompleted),
		TaskID:  remoteID,
		Step:    stage.Name,
		Message: "stage completed",
	})
	o.publish(task, model.WSEvent{
		Type:    model.EventTypeFor(next.Name, model.WSSuffixStarted),
		TaskID:  nextRemoteID,
		Step:    next.Name,
		Message: "stage started",
	})
	log.Printf("[Pipeline] Task %s: %s → %s (remote %s → %s)", task.ID, stage.Name, next.Name, remoteID, nextRemoteID)
	return nil
}

// completeTask downloads the final artifact, persists it, and marks the task
// completed.
func (o *Orchestrator) completeTask(ctx context.Context, task *model.Task, stage Stage, remoteID string, file client.OutputFile) error {
	if file.URL == "" {
		return o.failTask(ctx, task, stage.Name, "final deliverable has no downloadable url")
	}

	data, err := o.agent.DownloadFile(ctx, file.URL)
	if err != nil {
		return o.failTask(ctx, task, stage.Name, "failed to download artifact: "+err.Error())
	}
	path, err := o.artifacts.Save(string(task.Pipeline), task.ID, stage.DeliverableExt, data)
	if err != nil {
		return o.failTask(ctx, task, stage.Name, "failed to persist artifact: "+err.Error())
	}

	meta := model.TaskMetadata{
		StageTaskIDs: map[string]string{stage.Name: remoteID},
		ArtifactPath: path,
		DownloadURL:  "/api/v1/tasks/" + task.ID + "/download",
	}
	if o.mirror != nil {
		key := filepath.Base(path)
		if publicURL, err := o.mirror.UploadArtifact(ctx, key, data, contentTypeFor(stage.DeliverableExt)); err != nil {
			log.Printf("[Pipeline] Task %s: artifact mirror upload failed: %v", task.ID, err)
		} else {
			meta.PublicURL = publicURL
		}
	}

	completed := model.TaskStatusCompleted
	step := model.StepCompleted
	task, err = o.store.Update(ctx, task.ID, store.Patch{
		Status:   &completed,
		StepName: &step,
		Metadata: &meta,
	})
	if err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			return nil
		}
		return err
	}

	o.publish(task, model.WSEvent{
		Type:        model.EventTypeFor(stage.Name, model.WSSuffixCompleted),
		TaskID:      remoteID,
		Step:        stage.Name,
		Message:     "task completed",
		DownloadURL: task.Metadata.DownloadURL,
	})
	log.Printf("[Pipeline] Task %s completed: %s", task.ID, path)
	return nil
}

// stageAttachment turns a stage deliverable into an input attachment for the
// next stage, trying each configured strategy in order: pass the agent's own
// file id, pass the download URL, or re-upload the bytes.
func (o *Orchestrator) stageAttachment(ctx context.Context, file client.OutputFile) (client.Attachment, error) {
	var lastErr error
	for _, policy := range o.attachmentPolicy {
		switch policy {
		case "file_id":
			if file.FileID != "" {
				return client.Attachment{FileName: file.FileName, FileID: file.FileID, MimeType: file.MimeType}, nil
			}
		case "url":
			if file.URL != "" {
				return client.Attachment{FileName: file.FileName, URL: file.URL, MimeType: file.MimeType}, nil
			}
		case "reupload":
			if file.URL == "" {
				continue
			}
			data, err := o.agent.DownloadFile(ctx, file.URL)
			if err != nil {
				lastErr = err
				continue
			}
			fileID, err := o.agent.UploadFile(ctx, file.FileName, data)
			if err != nil {
				lastErr = err
				continue
			}
			return client.Attachment{FileName: file.FileName, FileID: fileID, MimeType: file.MimeType}, nil
		}
	}
	if lastErr != nil {
		return client.Attachment{}, lastErr
	}
	return client.Attachment{}, errors.New("deliverable has neither file id nor url")
}

func (o *Orchestrator) failTask(ctx context.Context, task *model.Task, stepName, reason string) error {
	failed := model.TaskStatusFailed
	updated, err := o.store.Update(ctx, task.ID, store.Patch{
		Status:   &failed,
		Metadata: &model.TaskMetadata{Error: reason},
	})
	if err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			return nil
		}
		return err
	}

	o.publish(updated, model.WSEvent{
		Type:   model.EventTypeFor(stepName, model.WSSuffixFailed),
		TaskID: task.RemoteTaskID,
		Step:   stepName,
		Error:  reason,
	})
	log.Printf("[Pipeline] Task %s failed at %s: %s", task.ID, stepName, reason)
	return nil
}

// publish fans an event out under both the local task id and the remote
// stage id, so clients may subscribe with either.
func (o *Orchestrator) publish(task *model.Task, event model.WSEvent) {
	event.LocalTaskID = task.ID
	delivered := o.hub.Publish(task.ID, event)
	if event.TaskID != "" && event.TaskID != task.ID {
		delivered += o.hub.Publish(event.TaskID, event)
	}
	if delivered > 0 {
		log.Printf("[Pipeline] Task %s: %s delivered to %d client(s)", task.ID, event.Type, delivered)
	}
}
