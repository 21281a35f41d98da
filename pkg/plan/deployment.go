package plan

import (
	"fmt"
	"time"

	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/stores"
)

// Names of the deployment plan and its phase.
const (
	DeployPlan  = "deploy"
	DeployPhase = "deploy"
)

// DaemonName returns the task name of the i-th daemon.
func DaemonName(i int) string {
	return fmt.Sprintf("node-%d", i)
}

// DeploymentConfig configures a DeploymentManager.
type DeploymentConfig struct {
	Nodes           int
	Provider        offer.RequirementProvider
	Store           stores.StateStore
	Executor        ExecutorClient
	Target          TargetSource
	ShutdownTimeout time.Duration
	Observer        Observer
}

// DeploymentManager keeps the configured number of daemons running the
// target configuration, one node at a time.
type DeploymentManager struct {
	plan    *Plan
	daemons []*DaemonBlock
	obs     Observer
}

var _ Manager = (*DeploymentManager)(nil)

// NewDeploymentManager builds the deployment plan.
func NewDeploymentManager(cfg DeploymentConfig) (*DeploymentManager, error) {
	if cfg.Nodes < 1 {
		return nil, fmt.Errorf("deployment needs at least one node, got %d", cfg.Nodes)
	}
	if cfg.Provider == nil || cfg.Store == nil {
		return nil, fmt.Errorf("deployment needs a requirement provider and a state store")
	}

	m := &DeploymentManager{obs: cfg.Observer}
	blocks := make([]Block, cfg.Nodes)
	for i := range blocks {
		b := NewDaemonBlock(DaemonConfig{
			Name:            DaemonName(i),
			Plan:            DeployPlan,
			Provider:        cfg.Provider,
			Store:           cfg.Store,
			Executor:        cfg.Executor,
			Target:          cfg.Target,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Observer:        cfg.Observer,
		})
		m.daemons = append(m.daemons, b)
		blocks[i] = b
	}
	m.plan = NewPlan(DeployPlan, NewPhase(DeployPhase, StrategySerial, blocks...))
	cfg.Observer.Metrics.SetPlanComplete(DeployPlan, false)
	return m, nil
}

func (m *DeploymentManager) Name() string {
	return DeployPlan
}

func (m *DeploymentManager) Plan() *Plan {
	return m.plan
}

// Daemons returns the daemon blocks in node order.
func (m *DeploymentManager) Daemons() []*DaemonBlock {
	return append([]*DaemonBlock(nil), m.daemons...)
}

// Retarget reopens the deployment after the target configuration changed.
// Daemons are checked again node by node and the stale ones replaced.
func (m *DeploymentManager) Retarget() {
	for _, d := range m.daemons {
		d.Retarget()
	}
	m.obs.Metrics.SetPlanComplete(DeployPlan, m.plan.IsComplete())
}

func (m *DeploymentManager) IsInProgress() bool {
	return !m.plan.IsComplete()
}

func (m *DeploymentManager) IsComplete() bool {
	return m.plan.IsComplete()
}
