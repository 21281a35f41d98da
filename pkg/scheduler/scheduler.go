package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/offerd/pkg/engine"
	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/plan"
	"github.com/openfroyo/offerd/pkg/stores"
	"github.com/openfroyo/offerd/pkg/telemetry"
)

// Config configures a Scheduler.
type Config struct {
	// Managers in priority order. The deployment manager comes first so that
	// maintenance operations only run against a fully deployed cluster.
	Managers  []plan.Manager
	Evaluator *offer.Evaluator
	Store     stores.StateStore
	Driver    engine.Driver

	// Role whose unreferenced reservations are released. Cleanup is off
	// when empty.
	Role string

	Observer plan.Observer
}

// Refresher is implemented by managers whose plan can be changed by another
// process through the state store. Refresh runs at the start of every cycle.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Scheduler runs offer cycles against the plans of its managers and routes
// task status updates to their blocks. It implements engine.Handler.
type Scheduler struct {
	mu        sync.Mutex
	managers  []plan.Manager
	evaluator *offer.Evaluator
	store     stores.StateStore
	driver    engine.Driver
	role      string
	obs       plan.Observer
	logger    *telemetry.Logger
	now       func() time.Time
}

var _ engine.Handler = (*Scheduler)(nil)

// New creates a scheduler.
func New(cfg *Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("scheduler needs a state store")
	}
	if cfg.Driver == nil {
		return nil, fmt.Errorf("scheduler needs a driver")
	}
	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = offer.NewEvaluator(offer.WithLogger(cfg.Observer.Logger), offer.WithMetrics(cfg.Observer.Metrics))
	}
	logger := cfg.Observer.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Scheduler{
		managers:  append([]plan.Manager(nil), cfg.Managers...),
		evaluator: evaluator,
		store:     cfg.Store,
		driver:    cfg.Driver,
		role:      cfg.Role,
		obs:       cfg.Observer,
		logger:    logger.NewComponentLogger("scheduler"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// ResourceOffers runs one offer cycle. It is the engine.Handler entry point.
func (s *Scheduler) ResourceOffers(ctx context.Context, offers []offer.Offer) error {
	_, err := s.Cycle(ctx, offers)
	return err
}

// launch is a requirement satisfied by one offer of the cycle.
type launch struct {
	block  plan.Block
	offer  int
	task   *offer.TaskInfo
	record *stores.TaskRecord
}

// cycle is the working state of one offer cycle.
type cycle struct {
	offers     []offer.Offer
	pools      []*offer.ResourcePool
	operations [][]offer.Recommendation
	launches   []launch
}

// Cycle evaluates the candidate blocks against offers, persists the task
// records of the satisfied requirements, accepts the used offers and
// declines the rest. Cycles are serialized.
//
// Blocks are started one after another and share one resource pool per
// offer, so a resource claimed by one block is not offered to the next.
// A persistence failure stops the evaluation; the decisions taken until
// then are still applied and the error is returned.
func (s *Scheduler) Cycle(ctx context.Context, offers []offer.Offer) (*engine.CycleSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := telemetry.NewTimer()
	ctx, span := s.obs.Tracer.StartCycleSpan(ctx, len(offers))
	defer span.End()

	c := &cycle{
		offers:     offers,
		pools:      make([]*offer.ResourcePool, len(offers)),
		operations: make([][]offer.Recommendation, len(offers)),
	}
	for i := range offers {
		c.pools[i] = offer.NewResourcePool(&offers[i])
	}

	evalErr := s.evaluate(ctx, c)
	if evalErr == nil {
		evalErr = s.clean(ctx, c)
	}
	summary, applyErr := s.apply(ctx, c)
	summary.Duration = timer.Duration()

	s.obs.Metrics.RecordCycle(summary.Duration)
	s.logger.WithFields(map[string]interface{}{
		"offers":   len(offers),
		"launched": len(summary.Launched),
		"duration": summary.Duration.String(),
	}).Debug("offer cycle finished")

	err := evalErr
	if err == nil {
		err = applyErr
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return summary, err
	}
	telemetry.RecordSuccess(span)
	return summary, nil
}

// evaluate starts the candidate blocks of the active plans. Managers are
// visited in priority order and the first plan in progress holds back the
// plans after it.
func (s *Scheduler) evaluate(ctx context.Context, c *cycle) error {
	if err := s.refresh(ctx); err != nil {
		return err
	}
	for _, m := range s.managers {
		p := m.Plan()
		if p == nil || p.IsComplete() {
			continue
		}
		for _, b := range p.Candidates() {
			if err := s.startBlock(ctx, c, b); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func (s *Scheduler) refresh(ctx context.Context) error {
	for _, m := range s.managers {
		r, ok := m.(Refresher)
		if !ok {
			continue
		}
		if err := r.Refresh(ctx); err != nil {
			if engine.IsPersistence(err) {
				return err
			}
			s.logger.WithPlan(m.Name()).WithError(err).Warn("failed to refresh plan")
		}
	}
	return nil
}

func (s *Scheduler) startBlock(ctx context.Context, c *cycle, b plan.Block) error {
	logger := s.logger.WithBlock(b.Name())

	req, err := b.Start(ctx)
	if err != nil {
		if engine.IsPersistence(err) {
			return err
		}
		logger.WithError(err).Warn("block failed to start, retrying next cycle")
		return nil
	}
	if req == nil {
		return nil
	}

	for i := range c.pools {
		evalCtx, span := s.obs.Tracer.StartEvaluationSpan(ctx, c.offers[i].ID, req.TaskName)
		outcome, task := s.evaluator.Evaluate(evalCtx, c.pools[i], req)
		span.End()
		if !outcome.IsPassing() {
			if failed, ok := outcome.FailedChild(); ok && failed.Source() == offer.StagePlacement {
				_ = s.obs.Events.PublishPlacementDenied(req.TaskName, c.offers[i].AgentID, failed.Reason())
			}
			continue
		}

		record := s.record(task, req)
		if err := s.store.StoreTaskRecord(ctx, record); err != nil {
			b.UpdateOfferStatus(false)
			return engine.PersistenceError("store task record", task.Name, err)
		}
		c.operations[i] = append(c.operations[i], outcome.Recommendations()...)
		c.launches = append(c.launches, launch{block: b, offer: i, task: task, record: record})
		logger.WithOfferID(c.offers[i].ID).
			WithField("task_id", task.TaskID).
			WithField("reason", outcome.Reason()).
			Info("requirement satisfied")
		return nil
	}

	logger.Debugf("no offer satisfies the requirement of %s", req.TaskName)
	b.UpdateOfferStatus(false)
	return nil
}

// record builds the task record persisted for a launched task. Resources
// req did not already hold a reservation for are recorded as pending until
// the offer is accepted.
func (s *Scheduler) record(task *offer.TaskInfo, req *offer.Requirement) *stores.TaskRecord {
	data := make(map[string]string, len(task.Labels))
	for k, v := range task.Labels {
		data[k] = v
	}
	reused := make(map[string]bool)
	for _, id := range req.ResourceIDs() {
		reused[id] = true
	}
	refs := make([]stores.ResourceRef, 0, len(task.Refs))
	for _, ref := range task.Refs {
		ref.Pending = !reused[ref.ResourceID]
		refs = append(refs, ref)
	}
	return &stores.TaskRecord{
		Name:       task.Name,
		TaskID:     task.TaskID,
		Type:       task.Type,
		AgentID:    task.AgentID,
		Hostname:   task.Hostname,
		ExecutorID: task.ExecutorID,
		ConfigID:   task.Labels[stores.DataConfigID],
		Resources:  refs,
		Data:       data,
		UpdatedAt:  s.now(),
	}
}

// clean releases reservations of the role that no task record references.
func (s *Scheduler) clean(ctx context.Context, c *cycle) error {
	if s.role == "" {
		return nil
	}
	records, err := s.store.FetchTaskRecords(ctx)
	if err != nil {
		return engine.PersistenceError("fetch task records", "", err)
	}

	var resourceIDs, persistenceIDs []string
	for _, r := range records {
		for _, ref := range r.Resources {
			if ref.ResourceID != "" {
				resourceIDs = append(resourceIDs, ref.ResourceID)
			}
			if ref.PersistenceID != "" {
				persistenceIDs = append(persistenceIDs, ref.PersistenceID)
			}
		}
	}

	cleaner := offer.NewResourceCleaner(s.role, resourceIDs, persistenceIDs)
	for i, pool := range c.pools {
		recs := cleaner.Evaluate(pool)
		if len(recs) == 0 {
			continue
		}
		for _, rec := range recs {
			s.obs.Metrics.RecordRecommendation(string(rec.Type()))
		}
		s.logger.WithOfferID(c.offers[i].ID).
			WithField("operations", len(recs)).
			Info("releasing unreferenced reservations")
		c.operations[i] = append(c.operations[i], recs...)
	}
	return nil
}

// apply accepts the offers that carry operations, declines the others and
// reports the outcome of each launch to its block.
func (s *Scheduler) apply(ctx context.Context, c *cycle) (*engine.CycleSummary, error) {
	summary := engine.NewCycleSummary()
	launched := make(map[int]bool)
	for _, l := range c.launches {
		launched[l.offer] = true
	}

	accepted := make([]bool, len(c.offers))
	var declined []string
	var firstErr error

	for i, o := range c.offers {
		ops := c.operations[i]
		if len(ops) == 0 {
			declined = append(declined, o.ID)
			summary.Decisions[o.ID] = engine.OfferDeclined
			continue
		}

		if err := s.driver.Accept(ctx, o.ID, ops); err != nil {
			s.logger.WithOfferID(o.ID).WithError(err).Error("failed to accept offer")
			s.obs.Metrics.RecordError(engine.ErrCodeDriverFailed)
			summary.Decisions[o.ID] = engine.OfferDeclined
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted[i] = true
		s.obs.Metrics.RecordOffer(true)
		_ = s.obs.Events.PublishOfferAccepted(o.ID, len(ops))
		if launched[i] {
			summary.Decisions[o.ID] = engine.OfferAccepted
		} else {
			summary.Decisions[o.ID] = engine.OfferCleaned
		}
	}

	for _, l := range c.launches {
		if accepted[l.offer] {
			summary.Launched = append(summary.Launched, l.task.Name)
			if err := s.confirm(ctx, l.record); err != nil && firstErr == nil {
				firstErr = err
			}
		} else {
			s.abandon(ctx, l.record)
		}
		l.block.UpdateOfferStatus(accepted[l.offer])
	}

	if len(declined) > 0 {
		for _, id := range declined {
			s.obs.Metrics.RecordOffer(false)
			_ = s.obs.Events.PublishOfferDeclined(id)
		}
		if err := s.driver.Decline(ctx, declined); err != nil {
			s.logger.WithError(err).Error("failed to decline offers")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return summary, firstErr
}

// confirm clears the pending marks of a record once its offer is accepted.
func (s *Scheduler) confirm(ctx context.Context, record *stores.TaskRecord) error {
	pending := false
	for _, ref := range record.Resources {
		pending = pending || ref.Pending
	}
	if !pending {
		return nil
	}
	confirmed := record.Clone()
	for i := range confirmed.Resources {
		confirmed.Resources[i].Pending = false
	}
	confirmed.UpdatedAt = s.now()
	if err := s.store.StoreTaskRecord(ctx, confirmed); err != nil {
		return engine.PersistenceError("confirm task record", record.Name, err)
	}
	return nil
}

// abandon marks a task whose launch never reached the resource manager as
// failed, so its block asks for a replacement instead of waiting for a
// status that will not come. The reservations minted for the launch were
// never made and are dropped from the record.
func (s *Scheduler) abandon(ctx context.Context, record *stores.TaskRecord) {
	logger := s.logger.WithTask(record.Name, record.Type)
	kept := record.WithoutPending()
	kept.UpdatedAt = s.now()
	if err := s.store.StoreTaskRecord(ctx, kept); err != nil {
		logger.WithError(err).Warn("failed to drop reservations of abandoned launch")
	}

	status := &stores.TaskStatus{
		TaskName:  record.Name,
		TaskID:    record.TaskID,
		State:     stores.TaskStateError,
		Message:   "offer accept failed",
		Timestamp: s.now(),
	}
	if err := s.store.StoreTaskStatus(ctx, status); err != nil {
		logger.WithError(err).Warn("failed to record abandoned launch")
	}
}

// StatusUpdate delivers a task status to the block that owns the task. A
// status of a task no active plan owns is only persisted.
func (s *Scheduler) StatusUpdate(ctx context.Context, status *stores.TaskStatus) error {
	if status == nil {
		return fmt.Errorf("status is required")
	}
	s.obs.Metrics.RecordStatusUpdate(string(status.State))
	_ = s.obs.Events.PublishTaskStatus(status.TaskName, string(status.State), status.Message)

	logger := s.logger.WithField("task_id", status.TaskID).WithField("state", string(status.State))
	for _, m := range s.managers {
		p := m.Plan()
		if p == nil {
			continue
		}
		if b := p.Block(status.TaskName); b != nil {
			logger.WithPlan(p.Name()).Debug("routing status update")
			if err := b.Update(ctx, status); err != nil {
				return err
			}
			s.obs.Metrics.SetPlanComplete(p.Name(), p.IsComplete())
			return nil
		}
	}

	logger.Debug("status update for a task without block")
	if err := s.store.StoreTaskStatus(ctx, status); err != nil {
		return engine.PersistenceError("store task status", status.TaskName, err)
	}
	return nil
}

// Managers returns the managers in priority order.
func (s *Scheduler) Managers() []plan.Manager {
	return append([]plan.Manager(nil), s.managers...)
}
