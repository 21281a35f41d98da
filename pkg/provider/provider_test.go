package provider

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/offerd/pkg/config"
	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/plan/backup"
	"github.com/openfroyo/offerd/pkg/stores"
)

func testHolder() *config.Holder {
	cfg := config.Default()
	cfg.Service.Role = "cassandra-role"
	cfg.Service.Principal = "cassandra-principal"
	cfg.Daemon.DiskType = "mount"
	cfg.Daemon.Ports = []config.PortConfig{{Name: "native_transport", Port: 9042}}
	return config.NewHolder(cfg)
}

func TestPersistentNewRequirement(t *testing.T) {
	holder := testHolder()
	p := NewPersistent(holder)

	req, err := p.NewRequirement(context.Background(), &stores.TaskRecord{Name: "node-0", Type: stores.TaskTypeDaemon})
	if err != nil {
		t.Fatalf("NewRequirement: %v", err)
	}

	if req.TaskName != "node-0" || req.TaskType != stores.TaskTypeDaemon || req.AgentID != "" {
		t.Errorf("unexpected requirement header %+v", req)
	}
	if req.Role != "cassandra-role" || req.Principal != "cassandra-principal" {
		t.Errorf("unexpected role %s/%s", req.Role, req.Principal)
	}
	wantResources := []offer.ResourceSpec{
		{Name: offer.ResourceCPUs, Amount: 1},
		{Name: offer.ResourceMem, Amount: 4096},
	}
	if diff := cmp.Diff(wantResources, req.Resources); diff != "" {
		t.Errorf("resources mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]offer.PortSpec{{Name: "native_transport", Port: 9042}}, req.Ports); diff != "" {
		t.Errorf("ports mismatch (-want +got):\n%s", diff)
	}
	wantVolumes := []offer.VolumeSpec{{Source: offer.DiskSourceMount, Size: 10240, ContainerPath: "volume"}}
	if diff := cmp.Diff(wantVolumes, req.Volumes); diff != "" {
		t.Errorf("volumes mismatch (-want +got):\n%s", diff)
	}
	if req.Task.Labels[stores.DataConfigID] != holder.TargetID() {
		t.Errorf("config label %q, want %q", req.Task.Labels[stores.DataConfigID], holder.TargetID())
	}
	if req.Task.Env["NODE_NAME"] != "node-0" || req.Task.Command != "offerd-executor daemon" {
		t.Errorf("unexpected task spec %+v", req.Task)
	}
}

func TestPersistentReplacementRequirement(t *testing.T) {
	p := NewPersistent(testHolder())
	record := &stores.TaskRecord{
		Name:    "node-0",
		TaskID:  stores.NewTaskID("node-0"),
		Type:    stores.TaskTypeDaemon,
		AgentID: "agent-7",
		Resources: []stores.ResourceRef{
			{Name: offer.ResourceCPUs, ResourceID: "r-cpus"},
			{Name: offer.ResourceMem, ResourceID: "r-mem"},
			{Name: offer.PortKey("native_transport"), ResourceID: "r-port"},
			{Name: offer.VolumeKey("volume"), ResourceID: "r-disk", PersistenceID: "p-disk", ContainerPath: "volume"},
		},
	}

	req, err := p.ReplacementRequirement(context.Background(), record)
	if err != nil {
		t.Fatalf("ReplacementRequirement: %v", err)
	}
	if req.AgentID != "agent-7" {
		t.Errorf("replacement must stay on agent-7, got %q", req.AgentID)
	}

	var ids []string
	for _, r := range req.Resources {
		ids = append(ids, r.ResourceID)
	}
	ids = append(ids, req.Ports[0].ResourceID, req.Volumes[0].ResourceID, req.Volumes[0].PersistenceID)
	if diff := cmp.Diff([]string{"r-cpus", "r-mem", "r-port", "r-disk", "p-disk"}, ids); diff != "" {
		t.Errorf("reused ids mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistentReplacementWithoutReservations(t *testing.T) {
	p := NewPersistent(testHolder())
	req, err := p.ReplacementRequirement(context.Background(), &stores.TaskRecord{Name: "node-1", AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("ReplacementRequirement: %v", err)
	}
	if req.AgentID != "" || req.Volumes[0].ResourceID != "" {
		t.Errorf("task without reservations must be placed like a new one: %+v", req)
	}
}

func TestPersistentReplacementSkipsPendingReservations(t *testing.T) {
	p := NewPersistent(testHolder())
	record := &stores.TaskRecord{
		Name:    "node-0",
		AgentID: "agent-7",
		Resources: []stores.ResourceRef{
			{Name: offer.ResourceCPUs, ResourceID: "r-cpus", Pending: true},
			{Name: offer.VolumeKey("volume"), ResourceID: "r-disk", PersistenceID: "p-disk", Pending: true},
		},
	}
	req, err := p.ReplacementRequirement(context.Background(), record)
	if err != nil {
		t.Fatalf("ReplacementRequirement: %v", err)
	}
	if req.AgentID != "" || req.Resources[0].ResourceID != "" || req.Volumes[0].PersistenceID != "" {
		t.Errorf("pending reservations must be asked for again: %+v", req)
	}

	// Confirmed reservations are still reused next to pending ones.
	record.Resources[1].Pending = false
	req, err = p.ReplacementRequirement(context.Background(), record)
	if err != nil {
		t.Fatalf("ReplacementRequirement: %v", err)
	}
	if req.AgentID != "agent-7" || req.Resources[0].ResourceID != "" || req.Volumes[0].ResourceID != "r-disk" {
		t.Errorf("unexpected requirement %+v", req)
	}
}

func TestPersistentRequiresName(t *testing.T) {
	if _, err := NewPersistent(testHolder()).NewRequirement(context.Background(), &stores.TaskRecord{}); err == nil {
		t.Error("expected error for a nameless task")
	}
}

func TestClusterTaskRequirement(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	holder := testHolder()
	p := NewClusterTask(holder, store)

	bc := backup.Context{
		Name:             "nightly",
		ExternalLocation: "s3://backups",
		LocalLocation:    "/backup",
		S3AccessKey:      "AKIA",
		S3SecretKey:      "secret",
	}
	data := bc.Data()
	data[stores.DataDaemon] = "node-0"
	task := &stores.TaskRecord{Name: "snapshot-node-0", Type: stores.TaskTypeSnapshot, Data: data}

	req, err := p.NewRequirement(ctx, task)
	if err != nil || req != nil {
		t.Fatalf("unplaced daemon: got %+v, %v; want nil, nil", req, err)
	}

	if err := store.StoreTaskRecord(ctx, &stores.TaskRecord{Name: "node-0", TaskID: stores.NewTaskID("node-0"), Type: stores.TaskTypeDaemon}); err != nil {
		t.Fatal(err)
	}
	if req, err := p.NewRequirement(ctx, task); err != nil || req != nil {
		t.Fatalf("daemon without agent: got %+v, %v; want nil, nil", req, err)
	}

	if err := store.StoreTaskRecord(ctx, &stores.TaskRecord{Name: "node-0", TaskID: stores.NewTaskID("node-0"), Type: stores.TaskTypeDaemon, AgentID: "agent-3"}); err != nil {
		t.Fatal(err)
	}
	req, err = p.ReplacementRequirement(ctx, task)
	if err != nil {
		t.Fatalf("ReplacementRequirement: %v", err)
	}
	if req == nil {
		t.Fatal("expected a requirement")
	}
	if req.AgentID != "agent-3" || req.TaskType != stores.TaskTypeSnapshot {
		t.Errorf("unexpected requirement %+v", req)
	}
	if req.Task.Command != "offerd-executor snapshot" {
		t.Errorf("Command = %q", req.Task.Command)
	}
	if req.Task.Env["AWS_ACCESS_KEY_ID"] != "AKIA" || req.Task.Env["NODE_NAME"] != "node-0" {
		t.Errorf("unexpected env %v", req.Task.Env)
	}
	wantLabels := map[string]string{
		stores.DataDaemon:   "node-0",
		stores.DataConfigID: holder.TargetID(),
		backup.DataName:     "nightly",
	}
	if diff := cmp.Diff(wantLabels, req.Task.Labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestClusterTaskRequiresDaemon(t *testing.T) {
	p := NewClusterTask(testHolder(), stores.NewMemoryStore())
	if _, err := p.NewRequirement(context.Background(), &stores.TaskRecord{Name: "snapshot-x", Type: stores.TaskTypeSnapshot}); err == nil {
		t.Error("expected error for a task without daemon")
	}
}
