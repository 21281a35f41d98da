package stores

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a task record, task status or property is absent.
// Callers treat it as a normal initial state.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// TaskState is the last known state of a launched task as reported by the resource manager.
type TaskState string

const (
	TaskStateStaging  TaskState = "STAGING"
	TaskStateStarting TaskState = "STARTING"
	TaskStateRunning  TaskState = "RUNNING"
	TaskStateFinished TaskState = "FINISHED"
	TaskStateFailed   TaskState = "FAILED"
	TaskStateKilled   TaskState = "KILLED"
	TaskStateLost     TaskState = "LOST"
	TaskStateError    TaskState = "ERROR"
)

// IsTerminal returns true if the task will not change state again.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateFinished, TaskStateFailed, TaskStateKilled, TaskStateLost, TaskStateError:
		return true
	}
	return false
}

// Validate checks if the task state is valid.
func (s TaskState) Validate() error {
	switch s {
	case TaskStateStaging, TaskStateStarting, TaskStateRunning, TaskStateFinished,
		TaskStateFailed, TaskStateKilled, TaskStateLost, TaskStateError:
		return nil
	default:
		return fmt.Errorf("invalid task state: %s", s)
	}
}

// Task types recorded in TaskRecord.Type.
const (
	TaskTypeDaemon   = "daemon"
	TaskTypeSnapshot = "snapshot"
	TaskTypeUpload   = "upload"
	TaskTypeDownload = "download"
	TaskTypeRestore  = "restore"
)

// Keys of TaskRecord.Data, copied from the labels of the launched task.
const (
	// DataConfigID holds the id of the configuration a daemon was launched with.
	DataConfigID = "config_id"
	// DataDaemon names the daemon a cluster task operates on.
	DataDaemon = "daemon"
)

// ResourceRef ties a reserved resource of a task to its reservation id and,
// for persistent volumes, to its persistence id.
type ResourceRef struct {
	Name          string `json:"name"`
	ResourceID    string `json:"resource_id"`
	PersistenceID string `json:"persistence_id,omitempty"`
	ContainerPath string `json:"container_path,omitempty"`
	// Pending marks a reservation minted for a launch whose offer was not
	// accepted yet. It may not exist at the resource manager.
	Pending bool `json:"pending,omitempty"`
}

// TaskRecord is the persisted description of a launched task.
type TaskRecord struct {
	Name       string            `json:"name"`
	TaskID     string            `json:"task_id"`
	Type       string            `json:"type"`
	AgentID    string            `json:"agent_id,omitempty"`
	Hostname   string            `json:"hostname,omitempty"`
	ExecutorID string            `json:"executor_id,omitempty"`
	ConfigID   string            `json:"config_id,omitempty"`
	Resources  []ResourceRef     `json:"resources,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ResourceID returns the reservation id recorded for the named resource.
func (r *TaskRecord) ResourceID(name string) string {
	if ref := r.Resource(name); ref != nil {
		return ref.ResourceID
	}
	return ""
}

// Resource returns the recorded reference for the named resource, or nil.
func (r *TaskRecord) Resource(name string) *ResourceRef {
	for i := range r.Resources {
		if r.Resources[i].Name == name {
			return &r.Resources[i]
		}
	}
	return nil
}

// WithoutPending returns a copy of the record that only references
// reservations known to exist.
func (r *TaskRecord) WithoutPending() *TaskRecord {
	c := r.Clone()
	if c == nil {
		return nil
	}
	c.Resources = nil
	for _, ref := range r.Resources {
		if !ref.Pending {
			c.Resources = append(c.Resources, ref)
		}
	}
	return c
}

// Clone returns a deep copy of the record.
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Resources != nil {
		c.Resources = append([]ResourceRef(nil), r.Resources...)
	}
	if r.Data != nil {
		c.Data = make(map[string]string, len(r.Data))
		for k, v := range r.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// TaskStatus is a status update for a launched task.
type TaskStatus struct {
	TaskName  string    `json:"task_name"`
	TaskID    string    `json:"task_id"`
	State     TaskState `json:"state"`
	Message   string    `json:"message,omitempty"`
	Healthy   bool      `json:"healthy"`
	Timestamp time.Time `json:"timestamp"`
}

// taskIDSeparator separates the task name from the unique suffix of a task id.
const taskIDSeparator = "__"

// NewTaskID returns a unique task id that embeds the task name.
func NewTaskID(name string) string {
	return name + taskIDSeparator + uuid.NewString()
}

// TaskNameFromID extracts the task name embedded by NewTaskID.
func TaskNameFromID(taskID string) (string, error) {
	i := strings.LastIndex(taskID, taskIDSeparator)
	if i <= 0 {
		return "", fmt.Errorf("task id %q does not embed a task name", taskID)
	}
	return taskID[:i], nil
}

// StateStore persists task records, task statuses and named properties.
// Every write is individually atomic. Fetch methods return ErrNotFound when
// the requested entry is absent.
type StateStore interface {
	StoreTaskRecord(ctx context.Context, record *TaskRecord) error
	FetchTaskRecord(ctx context.Context, name string) (*TaskRecord, error)
	FetchTaskRecords(ctx context.Context) ([]*TaskRecord, error)
	// RemoveTaskRecord removes the record and the status of the named task.
	RemoveTaskRecord(ctx context.Context, name string) error

	// StoreTaskStatus keeps the status with the most recent timestamp; an older
	// status delivered out of order is ignored.
	StoreTaskStatus(ctx context.Context, status *TaskStatus) error
	FetchTaskStatus(ctx context.Context, name string) (*TaskStatus, error)

	StoreProperty(ctx context.Context, key string, value []byte) error
	FetchProperty(ctx context.Context, key string) ([]byte, error)
	ClearProperty(ctx context.Context, key string) error

	Close() error
}

// FilterRecords returns the records whose type is one of types.
func FilterRecords(records []*TaskRecord, types ...string) []*TaskRecord {
	var out []*TaskRecord
	for _, r := range records {
		for _, t := range types {
			if r.Type == t {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// FetchDaemons returns the persisted daemon task records.
func FetchDaemons(ctx context.Context, store StateStore) ([]*TaskRecord, error) {
	records, err := store.FetchTaskRecords(ctx)
	if err != nil {
		return nil, err
	}
	return FilterRecords(records, TaskTypeDaemon), nil
}
