package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/stores"
)

func TestAgentTasks(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()

	put := func(name, taskType, agent string, state stores.TaskState, sameTask bool) {
		t.Helper()
		id := stores.NewTaskID(name)
		if err := store.StoreTaskRecord(ctx, &stores.TaskRecord{Name: name, TaskID: id, Type: taskType, AgentID: agent}); err != nil {
			t.Fatal(err)
		}
		if state == "" {
			return
		}
		statusID := id
		if !sameTask {
			statusID = stores.NewTaskID(name)
		}
		status := &stores.TaskStatus{TaskName: name, TaskID: statusID, State: state, Timestamp: time.Now()}
		if err := store.StoreTaskStatus(ctx, status); err != nil {
			t.Fatal(err)
		}
	}

	put("node-0", stores.TaskTypeDaemon, "agent-1", "", true)
	put("node-1", stores.TaskTypeDaemon, "agent-1", stores.TaskStateFinished, true)
	put("node-2", stores.TaskTypeDaemon, "agent-1", stores.TaskStateFailed, false)
	put("snapshot-node-0", stores.TaskTypeSnapshot, "agent-1", stores.TaskStateRunning, true)
	put("node-3", stores.TaskTypeDaemon, "agent-2", stores.TaskStateRunning, true)

	tasks, err := NewAgentTasks(store).TasksOnAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("TasksOnAgent: %v", err)
	}
	want := []offer.AgentTask{
		{Name: "node-0", Type: stores.TaskTypeDaemon},
		{Name: "node-2", Type: stores.TaskTypeDaemon},
		{Name: "snapshot-node-0", Type: stores.TaskTypeSnapshot},
	}
	if diff := cmp.Diff(want, tasks); diff != "" {
		t.Errorf("tasks mismatch (-want +got):\n%s", diff)
	}
}
