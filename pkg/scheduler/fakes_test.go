package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/openfroyo/offerd/pkg/engine"
	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/plan"
	"github.com/openfroyo/offerd/pkg/stores"
)

const (
	testRole      = "test-role"
	testPrincipal = "test-principal"
)

type fakeManager struct {
	name string
	plan *plan.Plan
}

func (m *fakeManager) Name() string { return m.name }
func (m *fakeManager) Plan() *plan.Plan { return m.plan }
func (m *fakeManager) IsInProgress() bool { return m.plan != nil && !m.plan.IsComplete() }
func (m *fakeManager) IsComplete() bool { return m.plan != nil && m.plan.IsComplete() }

func managerOf(name string, blocks ...plan.Block) *fakeManager {
	return &fakeManager{name: name, plan: plan.NewPlan(name, plan.NewPhase(name, plan.StrategyParallel, blocks...))}
}

// fakeBlock hands out a fixed requirement and records what it is told.
type fakeBlock struct {
	mu          sync.Mutex
	name        string
	status      plan.Status
	req         *offer.Requirement
	startErr    error
	starts      int
	offerStatus []bool
	updates     []*stores.TaskStatus
}

func newFakeBlock(name string, cpus float64) *fakeBlock {
	return &fakeBlock{
		name:   name,
		status: plan.StatusPending,
		req: &offer.Requirement{
			TaskName:  name,
			TaskType:  stores.TaskTypeDaemon,
			Role:      testRole,
			Principal: testPrincipal,
			Resources: []offer.ResourceSpec{{Name: offer.ResourceCPUs, Amount: cpus}},
			Task:      offer.TaskSpec{Command: "run", Labels: map[string]string{stores.DataConfigID: "cfg-1"}},
		},
	}
}

func (b *fakeBlock) Name() string { return b.name }

func (b *fakeBlock) Status() plan.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *fakeBlock) Start(context.Context) (*offer.Requirement, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	if b.startErr != nil {
		return nil, b.startErr
	}
	return b.req, nil
}

func (b *fakeBlock) UpdateOfferStatus(accepted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offerStatus = append(b.offerStatus, accepted)
}

func (b *fakeBlock) Update(_ context.Context, status *stores.TaskStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, status)
	return nil
}

func (b *fakeBlock) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

// failingDriver refuses every accept.
type failingDriver struct {
	*engine.Recorder
}

func (failingDriver) Accept(context.Context, string, []offer.Recommendation) error {
	return engine.DriverError("accept", "", errors.New("bridge closed"))
}

// recordFailingStore fails task record writes.
type recordFailingStore struct {
	*stores.MemoryStore
}

func (recordFailingStore) StoreTaskRecord(context.Context, *stores.TaskRecord) error {
	return errors.New("disk full")
}

func cpuOffer(id, agent string, cpus float64) offer.Offer {
	return offer.Offer{
		ID:        id,
		AgentID:   agent,
		Hostname:  agent + ".local",
		Resources: []offer.Resource{offer.NewScalar(offer.ResourceCPUs, cpus)},
	}
}

func opTypes(recs []offer.Recommendation) []offer.OperationType {
	var types []offer.OperationType
	for _, r := range recs {
		types = append(types, r.Type())
	}
	return types
}

// refreshingManager swaps in its pending plan on Refresh.
type refreshingManager struct {
	fakeManager
	pending   *plan.Plan
	err       error
	refreshes int
}

func (m *refreshingManager) Refresh(context.Context) error {
	m.refreshes++
	if m.err != nil {
		return m.err
	}
	if m.pending != nil {
		m.plan, m.pending = m.pending, nil
	}
	return nil
}
