// Package store persists task records in Redis: one JSON document per task,
// a remote-id index for webhook correlation, and an append-only per-task
// webhook event log.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/slidecast/api/internal/model"
)

// ErrNotFound is returned when no task exists for the given key.
var ErrNotFound = errors.New("task not found")

// ErrTerminalStatus is returned when an update would move a task out of a
// terminal status.
var ErrTerminalStatus = errors.New("task already in terminal status")

const (
	taskKeyPrefix   = "task:"
	remoteKeyPrefix = "task:remote:"
	eventsKeyPrefix = "task:events:"
	indexKey        = "task:index"
)

// Patch describes a partial task update. Nil fields are left untouched;
// Metadata is merged field-by-field, never replaced.
type Patch struct {
	Status       *model.TaskStatus
	StepName     *string
	RemoteTaskID *string
	Metadata     *model.TaskMetadata
}

// TaskStore is the single synchronization point for task mutation. All
// read-modify-write cycles run under a per-task lock so no partial write is
// ever visible.
type TaskStore struct {
	redis *redis.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTaskStore(redisClient *redis.Client) *TaskStore {
	return &TaskStore{
		redis: redisClient,
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *TaskStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create allocates an id and persists a new pending task record.
func (s *TaskStore) Create(ctx context.Context, pipeline model.PipelineKind, prompt string, meta model.TaskMetadata) (*model.Task, error) {
	now := time.Now().UTC()
	task := &model.Task{
		ID:        uuid.New().String(),
		Pipeline:  pipeline,
		Status:    model.TaskStatusPending,
		Prompt:    prompt,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.save(ctx, task); err != nil {
		return nil, err
	}
	if err := s.redis.ZAdd(ctx, indexKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: task.ID,
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to index task: %w", err)
	}
	return task, nil
}

// Get loads a task by its local id.
func (s *TaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	data, err := s.redis.Get(ctx, taskKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task %s: %w", id, err)
	}
	return &task, nil
}

// FindByRemoteID resolves a remote task id — current or archived — to its
// owning task record. Index entries are never deleted, so late webhooks for
// superseded stages still find their task.
func (s *TaskStore) FindByRemoteID(ctx context.Context, remoteID string) (*model.Task, error) {
	localID, err := s.redis.Get(ctx, remoteKeyPrefix+remoteID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.Get(ctx, localID)
}

// Update applies patch to the task under its lock, merging metadata and
// bumping updatedAt. Status transitions out of a terminal state are refused.
// When a new RemoteTaskID is set, a remote-id index entry is written; old
// entries remain so archived ids stay resolvable.
func (s *TaskStore) Update(ctx context.Context, id string, patch Patch) (*model.Task, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil && *patch.Status != task.Status {
		if task.Status.Terminal() {
			return nil, ErrTerminalStatus
		}
		task.Status = *patch.Status
		if task.Status == model.TaskStatusCompleted || task.Status == model.TaskStatusFailed {
			now := time.Now().UTC()
			task.CompletedAt = &now
		}
	}
	if patch.StepName != nil {
		task.StepName = *patch.StepName
	}
	if patch.RemoteTaskID != nil && *patch.RemoteTaskID != task.RemoteTaskID {
		task.RemoteTaskID = *patch.RemoteTaskID
		if err := s.redis.Set(ctx, remoteKeyPrefix+*patch.RemoteTaskID, task.ID, 0).Err(); err != nil {
			return nil, fmt.Errorf("failed to index remote task id: %w", err)
		}
	}
	if patch.Metadata != nil {
		task.Metadata.Merge(*patch.Metadata)
	}
	task.UpdatedAt = time.Now().UTC()

	if err := s.save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// AppendWebhookEvent appends one raw inbound event to the task's audit log.
func (s *TaskStore) AppendWebhookEvent(ctx context.Context, id string, event model.WebhookEvent) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook event: %w", err)
	}
	return s.redis.RPush(ctx, eventsKeyPrefix+id, data).Err()
}

// WebhookEvents returns the task's event log in arrival order.
func (s *TaskStore) WebhookEvents(ctx context.Context, id string) ([]model.WebhookEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	raw, err := s.redis.LRange(ctx, eventsKeyPrefix+id, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]model.WebhookEvent, 0, len(raw))
	for _, item := range raw {
		var ev model.WebhookEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal webhook event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// List returns tasks newest-first, optionally filtered by status.
func (s *TaskStore) List(ctx context.Context, status model.TaskStatus, limit, offset int) ([]*model.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.redis.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*model.Task, 0, limit)
	skipped := 0
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if status != "" && task.Status != status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		tasks = append(tasks, task)
		if len(tasks) == limit {
			break
		}
	}
	return tasks, nil
}

func (s *TaskStore) save(ctx context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return s.redis.Set(ctx, taskKeyPrefix+task.ID, data, 0).Err()
}
