package plan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/offerd/pkg/engine"
	"github.com/openfroyo/offerd/pkg/executor"
	"github.com/openfroyo/offerd/pkg/stores"
)

type daemonFixture struct {
	store    *stores.MemoryStore
	provider *fakeProvider
	executor *fakeExecutor
	block    *DaemonBlock
	clock    time.Time
}

func newDaemonFixture(t *testing.T) *daemonFixture {
	t.Helper()
	f := &daemonFixture{
		store:    stores.NewMemoryStore(),
		provider: &fakeProvider{},
		executor: &fakeExecutor{result: &executor.ShutdownResult{Stopped: []string{"node-0"}}},
		clock:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.block = NewDaemonBlock(DaemonConfig{
		Name:            "node-0",
		Plan:            DeployPlan,
		Provider:        f.provider,
		Store:           f.store,
		Executor:        f.executor,
		Target:          staticTarget(testTarget),
		ShutdownTimeout: time.Minute,
	})
	f.block.now = func() time.Time { return f.clock }
	return f
}

func (f *daemonFixture) start(t *testing.T) bool {
	t.Helper()
	req, err := f.block.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if req != nil && req.TaskName != "node-0" {
		t.Fatalf("requirement for %q, want node-0", req.TaskName)
	}
	return req != nil
}

func TestDaemonBlockCreatedPending(t *testing.T) {
	f := newDaemonFixture(t)
	if got := f.block.Status(); got != StatusPending {
		t.Errorf("Status() = %s, want PENDING", got)
	}
	if f.block.Name() != "node-0" {
		t.Errorf("Name() = %q", f.block.Name())
	}
}

func TestDaemonBlockStartNew(t *testing.T) {
	f := newDaemonFixture(t)

	if !f.start(t) {
		t.Fatal("expected a requirement for a task never launched")
	}
	if got := f.block.Status(); got != StatusInProgress {
		t.Errorf("Status() = %s, want IN_PROGRESS", got)
	}
	if len(f.provider.newCalls) != 1 || len(f.provider.replaceCalls) != 0 {
		t.Fatalf("provider calls new=%d replace=%d", len(f.provider.newCalls), len(f.provider.replaceCalls))
	}
	if got := f.provider.newCalls[0]; got.Name != "node-0" || got.Type != stores.TaskTypeDaemon || got.TaskID != "" {
		t.Errorf("unexpected skeleton record %+v", got)
	}
}

func TestDaemonBlockStartNewNotYetAvailable(t *testing.T) {
	f := newDaemonFixture(t)
	f.provider.noNew = true

	if f.start(t) {
		t.Fatal("expected no requirement")
	}
	if got := f.block.Status(); got != StatusPending {
		t.Errorf("Status() = %s, want PENDING", got)
	}
}

func TestDaemonBlockRunningCurrentConfig(t *testing.T) {
	f := newDaemonFixture(t)
	seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, stores.TaskStateRunning, testTarget)

	if f.start(t) {
		t.Fatal("expected no requirement for a daemon on the target config")
	}
	if got := f.block.Status(); got != StatusComplete {
		t.Errorf("Status() = %s, want COMPLETE", got)
	}
	if f.executor.callCount() != 0 || len(f.provider.replaceCalls) != 0 {
		t.Error("a current daemon must be left alone")
	}
}

func TestDaemonBlockStaleConfig(t *testing.T) {
	tests := []struct {
		name   string
		result *executor.ShutdownResult
	}{
		{name: "shutdown succeeds", result: &executor.ShutdownResult{Stopped: []string{"node-0"}}},
		{name: "shutdown fails", result: &executor.ShutdownResult{Err: errors.New("connection refused")}},
		{name: "shutdown times out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDaemonFixture(t)
			f.executor.result = tt.result
			record := seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, stores.TaskStateRunning, "target-0")

			replaced := f.start(t)
			if tt.result == nil {
				if replaced {
					t.Fatal("replacement requested before the shutdown finished")
				}
				if got := f.block.Status(); got != StatusInProgress {
					t.Errorf("Status() = %s while shutting down, want IN_PROGRESS", got)
				}
				if f.start(t) {
					t.Fatal("replacement requested before the timeout")
				}
				f.clock = f.clock.Add(2 * time.Minute)
				replaced = f.start(t)
			}

			if !replaced {
				t.Fatal("expected a replacement requirement")
			}
			if diff := cmp.Diff([]string{record.ExecutorID}, f.executor.calls); diff != "" {
				t.Errorf("shutdown calls mismatch (-want +got):\n%s", diff)
			}
			if len(f.provider.replaceCalls) != 1 || f.provider.replaceCalls[0].TaskID != record.TaskID {
				t.Errorf("replacement not built from the persisted record: %+v", f.provider.replaceCalls)
			}
		})
	}
}

func TestDaemonBlockStaleConfigThenTerminal(t *testing.T) {
	f := newDaemonFixture(t)
	f.provider.noReplacement = true
	record := seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, stores.TaskStateRunning, "target-0")

	if f.start(t) {
		t.Fatal("expected no requirement while none is available")
	}
	if f.executor.callCount() != 1 {
		t.Fatalf("expected one shutdown, got %d", f.executor.callCount())
	}

	if err := f.block.Update(context.Background(), taskStatus(record, stores.TaskStateKilled)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	f.provider.noReplacement = false
	if !f.start(t) {
		t.Fatal("expected a replacement after the terminal status")
	}
	if f.executor.callCount() != 1 {
		t.Errorf("shutdown must not be repeated, got %d calls", f.executor.callCount())
	}
}

func TestDaemonBlockStaleConfigShutdownOnce(t *testing.T) {
	f := newDaemonFixture(t)
	f.provider.noReplacement = true
	seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, stores.TaskStateRunning, "target-0")

	for i := 0; i < 3; i++ {
		f.start(t)
	}
	if f.executor.callCount() != 1 {
		t.Errorf("expected one shutdown for the stale task, got %d", f.executor.callCount())
	}
	if len(f.provider.replaceCalls) != 3 {
		t.Errorf("expected a replacement attempt each cycle, got %d", len(f.provider.replaceCalls))
	}
}

func TestDaemonBlockTerminal(t *testing.T) {
	for _, state := range []stores.TaskState{stores.TaskStateFinished, stores.TaskStateFailed, stores.TaskStateLost} {
		t.Run(string(state), func(t *testing.T) {
			f := newDaemonFixture(t)
			seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, state, testTarget)

			if !f.start(t) {
				t.Fatal("expected a replacement requirement")
			}
			if f.executor.callCount() != 0 {
				t.Error("terminal task must be replaced without a shutdown")
			}
			if len(f.provider.replaceCalls) != 1 {
				t.Errorf("expected one replacement call, got %d", len(f.provider.replaceCalls))
			}
		})
	}
}

func TestDaemonBlockTerminalNotYetAvailable(t *testing.T) {
	f := newDaemonFixture(t)
	f.provider.noReplacement = true
	seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, stores.TaskStateFailed, testTarget)

	if f.start(t) {
		t.Fatal("expected no requirement")
	}
	f.provider.noReplacement = false
	if !f.start(t) {
		t.Fatal("expected the replacement to be retried next cycle")
	}
}

func TestDaemonBlockLaunching(t *testing.T) {
	f := newDaemonFixture(t)
	seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, stores.TaskStateStaging, testTarget)

	if f.start(t) {
		t.Fatal("launching task must be left alone")
	}

	f.block.RequestReplacement()
	if !f.start(t) {
		t.Fatal("expected a replacement once requested")
	}
	if f.start(t) {
		t.Error("replacement request must be consumed")
	}
}

func TestDaemonBlockIgnoresStatusOfPreviousTask(t *testing.T) {
	f := newDaemonFixture(t)
	old := seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, stores.TaskStateFailed, testTarget)
	seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, "", testTarget)

	if f.start(t) {
		t.Fatalf("status of %s must not trigger a replacement", old.TaskID)
	}
}

func TestDaemonBlockUpdateWithoutTracking(t *testing.T) {
	f := newDaemonFixture(t)
	record := seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, "", testTarget)

	if err := f.block.Update(context.Background(), taskStatus(record, stores.TaskStateRunning)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := f.block.Status(); got != StatusPending {
		t.Errorf("Status() = %s, transition must be deferred", got)
	}
	status, err := f.store.FetchTaskStatus(context.Background(), "node-0")
	if err != nil {
		t.Fatalf("status not persisted: %v", err)
	}
	if status.State != stores.TaskStateRunning {
		t.Errorf("persisted state %s", status.State)
	}
}

func TestDaemonBlockUpdateWithTracking(t *testing.T) {
	ctx := context.Background()
	f := newDaemonFixture(t)

	if !f.start(t) {
		t.Fatal("expected a requirement")
	}
	f.block.UpdateOfferStatus(true)
	record := seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, "", testTarget)

	if err := f.block.Update(ctx, taskStatus(record, stores.TaskStateStarting)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := f.block.Status(); got != StatusInProgress {
		t.Errorf("Status() = %s after STARTING, want IN_PROGRESS", got)
	}

	other := taskStatus(record, stores.TaskStateRunning)
	other.TaskID = stores.NewTaskID("node-0")
	if err := f.block.Update(ctx, other); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := f.block.Status(); got != StatusInProgress {
		t.Errorf("status of another task changed the block to %s", got)
	}

	if err := f.block.Update(ctx, taskStatus(record, stores.TaskStateRunning)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := f.block.Status(); got != StatusComplete {
		t.Errorf("Status() = %s after RUNNING, want COMPLETE", got)
	}

	if err := f.block.Update(ctx, taskStatus(record, stores.TaskStateFailed)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := f.block.Status(); got != StatusPending {
		t.Errorf("Status() = %s after FAILED, want PENDING", got)
	}
}

func TestDaemonBlockOfferDeclined(t *testing.T) {
	f := newDaemonFixture(t)
	if !f.start(t) {
		t.Fatal("expected a requirement")
	}
	f.block.UpdateOfferStatus(false)
	if got := f.block.Status(); got != StatusPending {
		t.Errorf("Status() = %s, want PENDING", got)
	}
}

func TestDaemonBlockPersistenceFailure(t *testing.T) {
	f := newDaemonFixture(t)
	f.block.store = failingStore{f.store}

	_, err := f.block.Start(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !engine.IsPersistence(err) {
		t.Errorf("expected a persistence error, got %v", err)
	}
}

func TestDaemonBlockLateStatusOfReplacedTask(t *testing.T) {
	ctx := context.Background()
	f := newDaemonFixture(t)
	f.block.UpdateOfferStatus(true)

	old := seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, "", testTarget)
	current := seedTask(t, f.store, "node-0", stores.TaskTypeDaemon, "", testTarget)
	if err := f.block.Update(ctx, taskStatus(current, stores.TaskStateRunning)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	late := taskStatus(old, stores.TaskStateLost)
	late.Timestamp = time.Now().Add(time.Minute)
	if err := f.block.Update(ctx, late); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := f.block.Status(); got != StatusComplete {
		t.Errorf("Status() = %s after a late LOST of %s, want COMPLETE", got, old.TaskID)
	}
	status, err := f.store.FetchTaskStatus(ctx, "node-0")
	if err != nil {
		t.Fatalf("FetchTaskStatus: %v", err)
	}
	if status.TaskID != current.TaskID || status.State != stores.TaskStateRunning {
		t.Errorf("persisted status %s/%s, want %s/RUNNING", status.TaskID, status.State, current.TaskID)
	}

	// A restarted scheduler re-derives COMPLETE from the persisted status.
	restarted := NewDaemonBlock(DaemonConfig{
		Name:     "node-0",
		Plan:     DeployPlan,
		Provider: f.provider,
		Store:    f.store,
		Executor: f.executor,
		Target:   staticTarget(testTarget),
	})
	req, err := restarted.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if req != nil || restarted.Status() != StatusComplete {
		t.Errorf("restarted block asked for %+v in status %s, want nothing in COMPLETE", req, restarted.Status())
	}
}

func TestDaemonBlockStatusBeforeAnyRecord(t *testing.T) {
	ctx := context.Background()
	f := newDaemonFixture(t)
	status := &stores.TaskStatus{TaskName: "node-0", TaskID: stores.NewTaskID("node-0"), State: stores.TaskStateLost, Timestamp: time.Now()}

	if err := f.block.Update(ctx, status); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := f.store.FetchTaskStatus(ctx, "node-0"); err != nil {
		t.Errorf("status of an unrecorded task must be persisted: %v", err)
	}
}
