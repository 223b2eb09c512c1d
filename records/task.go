package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AndreasM009/agentstate-go/retry"
	"github.com/AndreasM009/agentstate-go/store"
)

// TaskStatus is the lifecycle status of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// ProgressMessage is an entry of a task's progress history
type ProgressMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Progress  float64   `json:"progress"`
	CreatedAt time.Time `json:"createdAt"`
}

// Task is a task record with its decoded payload
type Task struct {
	store.Record

	Title            string            `json:"title,omitempty"`
	Status           TaskStatus        `json:"status"`
	Progress         float64           `json:"progress"`
	Result           string            `json:"result,omitempty"`
	ProgressMessages []ProgressMessage `json:"progressMessages,omitempty"`
}

type taskData struct {
	Title            string            `json:"title,omitempty"`
	Status           TaskStatus        `json:"status"`
	Progress         float64           `json:"progress"`
	Result           string            `json:"result,omitempty"`
	ProgressMessages []ProgressMessage `json:"progressMessages,omitempty"`
}

func (t *Task) data() taskData {
	return taskData{
		Title:            t.Title,
		Status:           t.Status,
		Progress:         t.Progress,
		Result:           t.Result,
		ProgressMessages: t.ProgressMessages,
	}
}

func (t *Task) toRecord() (*store.Record, error) {
	if t.Status == "" {
		t.Status = TaskPending
	}
	if !t.Status.Valid() {
		return nil, store.NewError(store.ValidationFailed, fmt.Sprintf("unknown task status %q", t.Status), nil)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return nil, store.NewError(store.ValidationFailed, fmt.Sprintf("progress %.1f out of range", t.Progress), nil)
	}
	rec := t.Record.Clone()
	raw, err := json.Marshal(t.data())
	if err != nil {
		return nil, store.NewError(store.SerializationFailed, "encode task", err)
	}
	rec.Data = raw
	return rec, nil
}

func decodeTask(rec *store.Record) (*Task, error) {
	if rec == nil {
		return nil, nil
	}
	var d taskData
	if len(rec.Data) > 0 {
		if err := json.Unmarshal(rec.Data, &d); err != nil {
			return nil, store.NewError(store.SerializationFailed, "decode task "+rec.ServerID, err)
		}
	}
	return &Task{
		Record:           *rec.Clone(),
		Title:            d.Title,
		Status:           d.Status,
		Progress:         d.Progress,
		Result:           d.Result,
		ProgressMessages: d.ProgressMessages,
	}, nil
}

// mergeTask overwrites status, progress and result with the caller's values and
// keeps the server's progress history, adding the caller's new entries after it.
func mergeTask(current, intended *store.Record) (*store.Record, error) {
	server, err := decodeTask(current)
	if err != nil {
		return nil, err
	}
	mine, err := decodeTask(intended)
	if err != nil {
		return nil, err
	}
	merged, err := retry.DefaultMerge(current, intended)
	if err != nil {
		return nil, err
	}
	mine.ProgressMessages = retry.UnionByID(server.ProgressMessages, mine.ProgressMessages,
		func(m ProgressMessage) string { return m.ID })
	raw, err := json.Marshal(mine.data())
	if err != nil {
		return nil, store.NewError(store.SerializationFailed, "encode task", err)
	}
	merged.Data = raw
	return merged, nil
}

// TaskService manages task records
type TaskService struct {
	base
}

// NewTaskService creates a TaskService
func NewTaskService(es store.EntityStore, opts Options) *TaskService {
	return &TaskService{base: newBase(es, store.TaskKind, mergeTask, opts)}
}

// Create stores a new task
func (s *TaskService) Create(ctx context.Context, t *Task) (*Task, error) {
	rec, err := t.toRecord()
	if err != nil {
		return nil, err
	}
	created, err := s.create(ctx, rec)
	if err != nil {
		return nil, err
	}
	return decodeTask(created)
}

// GetByClientKey returns the task named clientKey, or nil
func (s *TaskService) GetByClientKey(ctx context.Context, appScope, ownerID, clientKey string) (*Task, error) {
	rec, err := s.getByClientKey(ctx, appScope, ownerID, clientKey)
	if err != nil {
		return nil, err
	}
	return decodeTask(rec)
}

// GetByServerID returns the task, or nil
func (s *TaskService) GetByServerID(ctx context.Context, serverID string) (*Task, error) {
	rec, err := s.getByServerID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return decodeTask(rec)
}

// UpdateWithRetry persists t
func (s *TaskService) UpdateWithRetry(ctx context.Context, t *Task) (*Task, error) {
	rec, err := t.toRecord()
	if err != nil {
		return nil, err
	}
	updated, err := s.update(ctx, rec)
	if err != nil {
		return nil, err
	}
	return decodeTask(updated)
}

// Delete removes the task
func (s *TaskService) Delete(ctx context.Context, serverID string) error {
	return s.delete(ctx, serverID)
}

// AppendEvent adds an event to the task's log with a direct update
func (s *TaskService) AppendEvent(ctx context.Context, serverID string, event store.Event) (*Task, error) {
	rec, err := s.appendEvent(ctx, serverID, event)
	if err != nil {
		return nil, err
	}
	return decodeTask(rec)
}

// UpdateProgress sets status and progress and records text in the progress
// history when it is not empty.
func (s *TaskService) UpdateProgress(ctx context.Context, serverID string, status TaskStatus, progress float64, text string) (*Task, error) {
	rec, err := s.mustGet(ctx, serverID)
	if err != nil {
		return nil, err
	}
	t, err := decodeTask(rec)
	if err != nil {
		return nil, err
	}
	t.Status = status
	t.Progress = progress
	if text != "" {
		t.ProgressMessages = append(t.ProgressMessages, ProgressMessage{
			ID:        store.NewEventID(),
			Text:      text,
			Progress:  progress,
			CreatedAt: time.Now().UTC(),
		})
	}
	return s.UpdateWithRetry(ctx, t)
}

// List returns the tasks of an owner
func (s *TaskService) List(ctx context.Context, appScope, ownerID string) ([]*Task, error) {
	recs, err := s.list(ctx, appScope, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(recs))
	for _, rec := range recs {
		t, err := decodeTask(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
