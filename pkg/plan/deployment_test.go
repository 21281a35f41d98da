package plan

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/offerd/pkg/stores"
)

func TestNewDeploymentManager(t *testing.T) {
	store := stores.NewMemoryStore()

	if _, err := NewDeploymentManager(DeploymentConfig{Nodes: 0, Provider: &fakeProvider{}, Store: store}); err == nil {
		t.Error("expected error for zero nodes")
	}
	if _, err := NewDeploymentManager(DeploymentConfig{Nodes: 1}); err == nil {
		t.Error("expected error without provider and store")
	}

	m, err := NewDeploymentManager(DeploymentConfig{Nodes: 3, Provider: &fakeProvider{}, Store: store})
	if err != nil {
		t.Fatalf("NewDeploymentManager: %v", err)
	}
	phases := m.Plan().Phases()
	if len(phases) != 1 || phases[0].Name() != DeployPhase || phases[0].Strategy() != StrategySerial {
		t.Fatalf("unexpected phases %+v", phases)
	}
	if diff := cmp.Diff([]string{"node-0", "node-1", "node-2"}, blockNames(phases[0].Blocks())); diff != "" {
		t.Errorf("blocks mismatch (-want +got):\n%s", diff)
	}
	if !m.IsInProgress() || m.IsComplete() {
		t.Error("fresh deployment should be in progress")
	}
}

func TestDeploymentManagerCompletes(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	m, err := NewDeploymentManager(DeploymentConfig{
		Nodes:    2,
		Provider: &fakeProvider{},
		Store:    store,
		Target:   staticTarget(testTarget),
	})
	if err != nil {
		t.Fatalf("NewDeploymentManager: %v", err)
	}

	for i := 0; i < 2; i++ {
		candidates := m.Plan().Candidates()
		if diff := cmp.Diff([]string{DaemonName(i)}, blockNames(candidates)); diff != "" {
			t.Fatalf("cycle %d candidates mismatch (-want +got):\n%s", i, diff)
		}
		seedTask(t, store, DaemonName(i), stores.TaskTypeDaemon, stores.TaskStateRunning, testTarget)
		if _, err := candidates[0].Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	if !m.IsComplete() || m.IsInProgress() {
		t.Error("deployment should be complete")
	}
	if len(m.Daemons()) != 2 {
		t.Errorf("Daemons() = %d blocks", len(m.Daemons()))
	}
}

type movingTarget struct{ id string }

func (m *movingTarget) TargetID() string { return m.id }

func TestDeploymentManagerRetarget(t *testing.T) {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	provider := &fakeProvider{}
	target := &movingTarget{id: testTarget}
	m, err := NewDeploymentManager(DeploymentConfig{Nodes: 2, Provider: provider, Store: store, Target: target})
	if err != nil {
		t.Fatalf("NewDeploymentManager: %v", err)
	}
	for i := 0; i < 2; i++ {
		seedTask(t, store, DaemonName(i), stores.TaskTypeDaemon, stores.TaskStateRunning, testTarget)
		if _, err := m.Daemons()[i].Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if !m.IsComplete() {
		t.Fatal("deployment should be complete")
	}

	// Same target: the daemons are found current again.
	m.Retarget()
	if m.IsComplete() {
		t.Fatal("retargeted deployment must be checked again")
	}
	for _, b := range m.Daemons() {
		if req, err := b.Start(ctx); err != nil || req != nil {
			t.Fatalf("Start = %+v, %v; want nothing for a current daemon", req, err)
		}
	}
	if !m.IsComplete() {
		t.Fatal("current daemons should complete the deployment again")
	}

	target.id = "target-2"
	m.Retarget()
	candidates := m.Plan().Candidates()
	if diff := cmp.Diff([]string{DaemonName(0)}, blockNames(candidates)); diff != "" {
		t.Fatalf("candidates mismatch (-want +got):\n%s", diff)
	}
	req, err := candidates[0].Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if req == nil || len(provider.replaceCalls) != 1 {
		t.Fatalf("stale daemon must be replaced, got %+v after %d replacement calls", req, len(provider.replaceCalls))
	}
	if got := m.Daemons()[1].Status(); got != StatusPending {
		t.Errorf("second daemon status = %s, want PENDING until its turn", got)
	}
}
