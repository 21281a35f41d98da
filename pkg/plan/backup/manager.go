package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/openfroyo/offerd/pkg/engine"
	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/plan"
	"github.com/openfroyo/offerd/pkg/stores"
	"github.com/openfroyo/offerd/pkg/telemetry"
)

// Property keys under which the context of a running operation is stored.
const (
	BackupKey  = "backup-context"
	RestoreKey = "restore-context"
)

// Plan names.
const (
	BackupPlan  = "backup"
	RestorePlan = "restore"
)

// operation describes one kind of cluster-wide operation: its phases run
// one task kind each, in order.
type operation struct {
	name  string
	key   string
	kinds []string
}

var (
	backupOperation = operation{
		name:  BackupPlan,
		key:   BackupKey,
		kinds: []string{stores.TaskTypeSnapshot, stores.TaskTypeUpload},
	}
	restoreOperation = operation{
		name:  RestorePlan,
		key:   RestoreKey,
		kinds: []string{stores.TaskTypeDownload, stores.TaskTypeRestore},
	}
)

// Config configures a Manager.
type Config struct {
	Store    stores.StateStore
	Provider offer.RequirementProvider
	Observer plan.Observer
}

// Manager runs backups or restores across every known daemon.
type Manager struct {
	op       operation
	store    stores.StateStore
	provider offer.RequirementProvider
	obs      plan.Observer
	logger   *telemetry.Logger

	mu      sync.RWMutex
	context *Context
	plan    *plan.Plan
	// raw is the persisted form of context, compared by Refresh.
	raw []byte
}

var _ plan.Manager = (*Manager)(nil)

// NewBackupManager creates the manager of snapshot and upload phases. A
// backup recorded by a previous run is resumed.
func NewBackupManager(ctx context.Context, cfg Config) (*Manager, error) {
	return newManager(ctx, backupOperation, cfg)
}

// NewRestoreManager creates the manager of download and restore phases. A
// restore recorded by a previous run is resumed.
func NewRestoreManager(ctx context.Context, cfg Config) (*Manager, error) {
	return newManager(ctx, restoreOperation, cfg)
}

func newManager(ctx context.Context, op operation, cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Provider == nil {
		return nil, fmt.Errorf("%s manager needs a state store and a requirement provider", op.name)
	}
	logger := cfg.Observer.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	m := &Manager{
		op:       op,
		store:    cfg.Store,
		provider: cfg.Provider,
		obs:      cfg.Observer,
		logger:   logger.WithPlan(op.name),
	}

	raw, err := cfg.Store.FetchProperty(ctx, op.key)
	if err != nil {
		if stores.IsNotFound(err) {
			return m, nil
		}
		return nil, engine.PersistenceError("fetch property", op.key, err)
	}

	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, engine.NewPermanentError("corrupted operation context", err).
			WithResource(op.key)
	}
	if err := m.build(ctx, &c, raw); err != nil {
		return nil, err
	}
	m.logger.WithField("backup_name", c.Name).Info("resumed operation")
	return m, nil
}

func (m *Manager) Name() string {
	return m.op.name
}

// Key returns the property key of the operation.
func (m *Manager) Key() string {
	return m.op.key
}

// Plan returns the running plan, or nil.
func (m *Manager) Plan() *plan.Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plan
}

// Phases returns the phases of the running plan.
func (m *Manager) Phases() []*plan.Phase {
	if p := m.Plan(); p != nil {
		return p.Phases()
	}
	return nil
}

// Context returns the context of the running operation.
func (m *Manager) Context() (Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.context == nil {
		return Context{}, false
	}
	return *m.context, true
}

// Start persists c, removes the task records left by an earlier run and
// builds one phase per task kind with one block per daemon.
func (m *Manager) Start(ctx context.Context, c Context) error {
	if err := c.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode %s context: %w", m.op.name, err)
	}
	if err := m.store.StoreProperty(ctx, m.op.key, raw); err != nil {
		return engine.PersistenceError("store property", m.op.key, err)
	}
	if err := m.removeLeftovers(ctx); err != nil {
		return err
	}
	if err := m.build(ctx, &c, raw); err != nil {
		return err
	}

	m.logger.WithField("backup_name", c.Name).Info("operation started")
	m.obs.Metrics.SetPlanComplete(m.op.name, false)
	_ = m.obs.Events.PublishOperation(m.op.name, true)
	return nil
}

// Stop discards the plan and the persisted context. Tasks already launched
// are left running.
func (m *Manager) Stop(ctx context.Context) error {
	if err := m.store.ClearProperty(ctx, m.op.key); err != nil && !stores.IsNotFound(err) {
		return engine.PersistenceError("clear property", m.op.key, err)
	}

	m.mu.Lock()
	m.plan = nil
	m.context = nil
	m.raw = nil
	m.mu.Unlock()

	m.logger.Info("operation stopped")
	_ = m.obs.Events.PublishOperation(m.op.name, false)
	return nil
}

// Refresh aligns the manager with the context persisted by another
// process, such as the offerd backup command: a changed context rebuilds
// the plan and a cleared one drops it.
func (m *Manager) Refresh(ctx context.Context) error {
	raw, err := m.store.FetchProperty(ctx, m.op.key)
	if err != nil {
		if !stores.IsNotFound(err) {
			return engine.PersistenceError("fetch property", m.op.key, err)
		}
		m.mu.Lock()
		dropped := m.plan != nil
		m.plan = nil
		m.context = nil
		m.raw = nil
		m.mu.Unlock()
		if dropped {
			m.logger.Info("operation stopped elsewhere")
			_ = m.obs.Events.PublishOperation(m.op.name, false)
		}
		return nil
	}

	m.mu.RLock()
	unchanged := bytes.Equal(raw, m.raw)
	m.mu.RUnlock()
	if unchanged {
		return nil
	}

	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		return engine.NewPermanentError("corrupted operation context", err).
			WithResource(m.op.key)
	}
	if err := m.build(ctx, &c, raw); err != nil {
		return err
	}
	m.logger.WithField("backup_name", c.Name).Info("picked up operation")
	m.obs.Metrics.SetPlanComplete(m.op.name, false)
	_ = m.obs.Events.PublishOperation(m.op.name, true)
	return nil
}

func (m *Manager) IsInProgress() bool {
	p := m.Plan()
	return p != nil && !p.IsComplete()
}

func (m *Manager) IsComplete() bool {
	p := m.Plan()
	return p != nil && p.IsComplete()
}

func (m *Manager) isLeftover(r *stores.TaskRecord) bool {
	for _, kind := range m.op.kinds {
		if r.Type == kind || strings.HasPrefix(r.Name, kind+"-") {
			return true
		}
	}
	return false
}

func (m *Manager) removeLeftovers(ctx context.Context) error {
	records, err := m.store.FetchTaskRecords(ctx)
	if err != nil {
		return engine.PersistenceError("fetch task records", m.op.name, err)
	}
	for _, r := range records {
		if !m.isLeftover(r) {
			continue
		}
		if err := m.store.RemoveTaskRecord(ctx, r.Name); err != nil && !stores.IsNotFound(err) {
			return engine.PersistenceError("remove task record", r.Name, err)
		}
		m.logger.WithField("task", r.Name).Info("removed leftover task record")
	}
	return nil
}

func (m *Manager) build(ctx context.Context, c *Context, raw []byte) error {
	daemons, err := stores.FetchDaemons(ctx, m.store)
	if err != nil {
		return engine.PersistenceError("fetch daemons", m.op.name, err)
	}

	data := c.Data()
	phases := make([]*plan.Phase, 0, len(m.op.kinds))
	for _, kind := range m.op.kinds {
		blocks := make([]plan.Block, 0, len(daemons))
		for _, d := range daemons {
			b, err := plan.NewClusterTaskBlock(plan.ClusterTaskConfig{
				Kind:     kind,
				Daemon:   d.Name,
				Plan:     m.op.name,
				Provider: m.provider,
				Store:    m.store,
				Data:     data,
				Observer: m.obs,
			})
			if err != nil {
				return err
			}
			blocks = append(blocks, b)
		}
		phases = append(phases, plan.NewPhase(kind, plan.StrategyParallel, blocks...))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.context = c
	m.raw = raw
	m.plan = plan.NewPlan(m.op.name, phases...)
	return nil
}
