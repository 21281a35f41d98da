package plan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/offerd/pkg/executor"
	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/stores"
)

const testTarget = "target-1"

type staticTarget string

func (s staticTarget) TargetID() string { return string(s) }

// fakeProvider returns a requirement naming the task it was asked for.
type fakeProvider struct {
	mu            sync.Mutex
	newCalls      []*stores.TaskRecord
	replaceCalls  []*stores.TaskRecord
	noNew         bool
	noReplacement bool
}

func (p *fakeProvider) NewRequirement(_ context.Context, task *stores.TaskRecord) (*offer.Requirement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newCalls = append(p.newCalls, task)
	if p.noNew {
		return nil, nil
	}
	return &offer.Requirement{TaskName: task.Name, TaskType: task.Type, Role: "test-role"}, nil
}

func (p *fakeProvider) ReplacementRequirement(_ context.Context, task *stores.TaskRecord) (*offer.Requirement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replaceCalls = append(p.replaceCalls, task)
	if p.noReplacement {
		return nil, nil
	}
	return &offer.Requirement{TaskName: task.Name, TaskType: task.Type, Role: "test-role", AgentID: task.AgentID}, nil
}

// fakeExecutor answers shutdowns with result, or never when result is nil.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  []string
	result *executor.ShutdownResult
}

func (e *fakeExecutor) Shutdown(_ context.Context, executorID string, _ time.Duration) <-chan executor.ShutdownResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, executorID)
	ch := make(chan executor.ShutdownResult, 1)
	if e.result != nil {
		res := *e.result
		res.ExecutorID = executorID
		ch <- res
		close(ch)
	}
	return ch
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// failingStore fails every read.
type failingStore struct {
	*stores.MemoryStore
}

func (failingStore) FetchTaskRecord(context.Context, string) (*stores.TaskRecord, error) {
	return nil, errors.New("disk on fire")
}

// seedTask persists a launched task and, when state is set, its status.
func seedTask(t *testing.T, store stores.StateStore, name, taskType string, state stores.TaskState, configID string) *stores.TaskRecord {
	t.Helper()
	ctx := context.Background()
	record := &stores.TaskRecord{
		Name:       name,
		TaskID:     stores.NewTaskID(name),
		Type:       taskType,
		AgentID:    "agent-1",
		Hostname:   "host-1",
		ExecutorID: "exec-" + name,
		ConfigID:   configID,
	}
	if err := store.StoreTaskRecord(ctx, record); err != nil {
		t.Fatalf("StoreTaskRecord: %v", err)
	}
	if state != "" {
		setState(t, store, record, state)
	}
	return record
}

func setState(t *testing.T, store stores.StateStore, record *stores.TaskRecord, state stores.TaskState) {
	t.Helper()
	if err := store.StoreTaskStatus(context.Background(), taskStatus(record, state)); err != nil {
		t.Fatalf("StoreTaskStatus: %v", err)
	}
}

func taskStatus(record *stores.TaskRecord, state stores.TaskState) *stores.TaskStatus {
	return &stores.TaskStatus{
		TaskName:  record.Name,
		TaskID:    record.TaskID,
		State:     state,
		Timestamp: time.Now(),
	}
}

// fakeBlock is a block with a settable status.
type fakeBlock struct {
	name   string
	status Status
}

func (b *fakeBlock) Name() string   { return b.name }
func (b *fakeBlock) Status() Status { return b.status }
func (b *fakeBlock) Start(context.Context) (*offer.Requirement, error) {
	return nil, nil
}
func (b *fakeBlock) UpdateOfferStatus(bool)                           {}
func (b *fakeBlock) Update(context.Context, *stores.TaskStatus) error { return nil }
