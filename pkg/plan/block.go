package plan

import (
	"context"
	"errors"
	"sync"

	"github.com/openfroyo/offerd/pkg/engine"
	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/stores"
	"github.com/openfroyo/offerd/pkg/telemetry"
)

// Block is the smallest unit of orchestrated work. Its variants are
// DaemonBlock and ClusterTaskBlock.
type Block interface {
	// Name is the name of the task the block drives.
	Name() string

	// Status returns the current lifecycle state.
	Status() Status

	// Start is called once per offer cycle while the block is not complete.
	// A nil requirement means there is nothing to launch in this cycle.
	Start(ctx context.Context) (*offer.Requirement, error)

	// UpdateOfferStatus reports whether the requirement returned by the last
	// Start was satisfied and its recommendations accepted.
	UpdateOfferStatus(accepted bool)

	// Update persists a status of the block's task and applies the transition
	// it implies.
	Update(ctx context.Context, status *stores.TaskStatus) error
}

// Observer carries the telemetry shared by blocks. Every field is optional.
type Observer struct {
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
	Tracer  *telemetry.Tracer
}

func (o Observer) logger() *telemetry.Logger {
	if o.Logger == nil {
		return telemetry.NopLogger()
	}
	return o.Logger
}

// blockState is the state shared by every block variant.
type blockState struct {
	mu     sync.Mutex
	name   string
	plan   string
	status Status

	// tracking is set once the block owns the task it watches: its last
	// requirement was accepted, or it adopted a task found complete.
	tracking bool

	store  stores.StateStore
	obs    Observer
	logger *telemetry.Logger
}

func newBlockState(name, planName string, store stores.StateStore, obs Observer) blockState {
	return blockState{
		name:   name,
		plan:   planName,
		status: StatusPending,
		store:  store,
		obs:    obs,
		logger: obs.logger().WithPlan(planName).WithBlock(name),
	}
}

func (b *blockState) Name() string {
	return b.name
}

func (b *blockState) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// setStatus records a transition. Callers hold b.mu.
func (b *blockState) setStatus(to Status) {
	from := b.status
	if from == to {
		return
	}
	b.status = to
	b.logger.WithField("from", string(from)).WithField("to", string(to)).Info("block transition")
	b.obs.Metrics.RecordBlockTransition(b.plan, string(to))
	_ = b.obs.Events.PublishBlockTransition(b.plan, b.name, string(from), string(to))
}

// UpdateOfferStatus implements Block. Callers must not hold b.mu.
func (b *blockState) UpdateOfferStatus(accepted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if accepted {
		b.tracking = true
		b.setStatus(StatusInProgress)
		return
	}
	b.tracking = false
	b.setStatus(StatusPending)
}

// fetchTask returns the persisted record of the block's task and its status.
// The status is nil when none was reported for the recorded task id; a
// status left behind by an earlier task of the same name is ignored.
func (b *blockState) fetchTask(ctx context.Context) (*stores.TaskRecord, *stores.TaskStatus, error) {
	record, err := b.store.FetchTaskRecord(ctx, b.name)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, engine.PersistenceError("fetch task record", b.name, err)
	}

	status, err := b.store.FetchTaskStatus(ctx, b.name)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return record, nil, nil
		}
		return nil, nil, engine.PersistenceError("fetch task status", b.name, err)
	}
	if status.TaskID != record.TaskID {
		return record, nil, nil
	}
	return record, status, nil
}

// recordStatus persists status unless a record names another task id, in
// which case the status belongs to a replaced task and is dropped. It returns
// the record, nil when none exists, and whether the status was kept.
// Callers hold b.mu.
func (b *blockState) recordStatus(ctx context.Context, status *stores.TaskStatus) (*stores.TaskRecord, bool, error) {
	record, err := b.store.FetchTaskRecord(ctx, b.name)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		record = nil
	case err != nil:
		return nil, false, engine.PersistenceError("fetch task record", b.name, err)
	case record.TaskID != status.TaskID:
		return record, false, nil
	}

	if err := b.store.StoreTaskStatus(ctx, status); err != nil {
		return nil, false, engine.PersistenceError("store task status", b.name, err)
	}
	return record, true, nil
}

// errorCode classifies err for the error metric.
func errorCode(err error) string {
	var e *engine.EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return engine.ErrCodeProviderFailed
}

// skeleton is the record handed to providers for a task never launched.
func skeleton(name, taskType string, data map[string]string) *stores.TaskRecord {
	rec := &stores.TaskRecord{Name: name, Type: taskType}
	if len(data) > 0 {
		rec.Data = make(map[string]string, len(data))
		for k, v := range data {
			rec.Data[k] = v
		}
	}
	return rec
}
