package plan

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/offerd/pkg/stores"
)

func newSnapshotBlock(t *testing.T, store stores.StateStore, provider *fakeProvider) *ClusterTaskBlock {
	t.Helper()
	b, err := NewClusterTaskBlock(ClusterTaskConfig{
		Kind:     stores.TaskTypeSnapshot,
		Daemon:   "node-0",
		Plan:     "backup",
		Provider: provider,
		Store:    store,
		Data:     map[string]string{"backup_name": "nightly"},
	})
	if err != nil {
		t.Fatalf("NewClusterTaskBlock: %v", err)
	}
	return b
}

func TestNewClusterTaskBlock(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		daemon  string
		wantErr bool
	}{
		{name: "snapshot", kind: stores.TaskTypeSnapshot, daemon: "node-0"},
		{name: "restore", kind: stores.TaskTypeRestore, daemon: "node-1"},
		{name: "daemon kind", kind: stores.TaskTypeDaemon, daemon: "node-0", wantErr: true},
		{name: "missing daemon", kind: stores.TaskTypeUpload, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewClusterTaskBlock(ClusterTaskConfig{Kind: tt.kind, Daemon: tt.daemon})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClusterTaskBlock() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && b.Name() != tt.kind+"-"+tt.daemon {
				t.Errorf("Name() = %q", b.Name())
			}
		})
	}
}

func TestClusterTaskBlockStartNew(t *testing.T) {
	provider := &fakeProvider{}
	b := newSnapshotBlock(t, stores.NewMemoryStore(), provider)

	req, err := b.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if req == nil || req.TaskName != "snapshot-node-0" {
		t.Fatalf("unexpected requirement %+v", req)
	}
	if b.Status() != StatusInProgress {
		t.Errorf("Status() = %s, want IN_PROGRESS", b.Status())
	}

	want := map[string]string{"backup_name": "nightly", stores.DataDaemon: "node-0"}
	if diff := cmp.Diff(want, provider.newCalls[0].Data); diff != "" {
		t.Errorf("record data mismatch (-want +got):\n%s", diff)
	}
	if provider.newCalls[0].Type != stores.TaskTypeSnapshot {
		t.Errorf("record type %q", provider.newCalls[0].Type)
	}
}

func TestClusterTaskBlockStart(t *testing.T) {
	tests := []struct {
		state       stores.TaskState
		wantReq     bool
		wantStatus  Status
		wantReplace int
	}{
		{state: stores.TaskStateFinished, wantStatus: StatusComplete},
		{state: stores.TaskStateFailed, wantReq: true, wantStatus: StatusInProgress, wantReplace: 1},
		{state: stores.TaskStateKilled, wantReq: true, wantStatus: StatusInProgress, wantReplace: 1},
		{state: stores.TaskStateRunning, wantStatus: StatusPending},
		{state: stores.TaskStateStaging, wantStatus: StatusPending},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			store := stores.NewMemoryStore()
			provider := &fakeProvider{}
			b := newSnapshotBlock(t, store, provider)
			seedTask(t, store, "snapshot-node-0", stores.TaskTypeSnapshot, tt.state, "")

			req, err := b.Start(context.Background())
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if (req != nil) != tt.wantReq {
				t.Errorf("requirement = %+v, want one: %v", req, tt.wantReq)
			}
			if b.Status() != tt.wantStatus {
				t.Errorf("Status() = %s, want %s", b.Status(), tt.wantStatus)
			}
			if len(provider.replaceCalls) != tt.wantReplace || len(provider.newCalls) != 0 {
				t.Fatalf("provider calls new=%d replace=%d", len(provider.newCalls), len(provider.replaceCalls))
			}
			if tt.wantReplace > 0 && provider.replaceCalls[0].Data["backup_name"] != "nightly" {
				t.Errorf("replacement record misses the operation data: %+v", provider.replaceCalls[0].Data)
			}
		})
	}
}

func TestClusterTaskBlockUpdate(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	b := newSnapshotBlock(t, store, &fakeProvider{})

	record := seedTask(t, store, "snapshot-node-0", stores.TaskTypeSnapshot, "", "")
	if err := b.Update(ctx, taskStatus(record, stores.TaskStateFinished)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if b.Status() != StatusPending {
		t.Fatalf("untracked update must not transition, got %s", b.Status())
	}

	b.UpdateOfferStatus(true)
	if err := b.Update(ctx, taskStatus(record, stores.TaskStateRunning)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if b.Status() != StatusInProgress {
		t.Errorf("Status() = %s after RUNNING, want IN_PROGRESS", b.Status())
	}
	if err := b.Update(ctx, taskStatus(record, stores.TaskStateFinished)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if b.Status() != StatusComplete {
		t.Errorf("Status() = %s after FINISHED, want COMPLETE", b.Status())
	}
}

func TestClusterTaskBlockUpdateFailed(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	b := newSnapshotBlock(t, store, &fakeProvider{})
	b.UpdateOfferStatus(true)

	record := seedTask(t, store, "snapshot-node-0", stores.TaskTypeSnapshot, "", "")
	if err := b.Update(ctx, taskStatus(record, stores.TaskStateFailed)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if b.Status() != StatusPending {
		t.Errorf("Status() = %s after FAILED, want PENDING", b.Status())
	}
}

func TestClusterTaskBlockDropsStatusOfReplacedTask(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	b := newSnapshotBlock(t, store, &fakeProvider{})
	b.UpdateOfferStatus(true)

	old := seedTask(t, store, "snapshot-node-0", stores.TaskTypeSnapshot, "", "")
	current := seedTask(t, store, "snapshot-node-0", stores.TaskTypeSnapshot, "", "")
	if err := b.Update(ctx, taskStatus(current, stores.TaskStateFinished)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	late := taskStatus(old, stores.TaskStateLost)
	late.Timestamp = time.Now().Add(time.Minute)
	if err := b.Update(ctx, late); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if b.Status() != StatusComplete {
		t.Errorf("Status() = %s after a late status of the replaced task, want COMPLETE", b.Status())
	}
	status, err := store.FetchTaskStatus(ctx, "snapshot-node-0")
	if err != nil {
		t.Fatalf("FetchTaskStatus: %v", err)
	}
	if status.TaskID != current.TaskID || status.State != stores.TaskStateFinished {
		t.Errorf("persisted status %s/%s, want %s/FINISHED", status.TaskID, status.State, current.TaskID)
	}
}
