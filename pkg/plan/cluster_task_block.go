package plan

import (
	"context"
	"fmt"

	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/stores"
	"github.com/openfroyo/offerd/pkg/telemetry"
)

// ClusterTaskName returns the task name of a cluster task of the given kind
// operating on daemon, for example "snapshot-node-0".
func ClusterTaskName(kind, daemon string) string {
	return kind + "-" + daemon
}

// IsClusterTaskKind reports whether kind names a one-shot maintenance task.
func IsClusterTaskKind(kind string) bool {
	switch kind {
	case stores.TaskTypeSnapshot, stores.TaskTypeUpload, stores.TaskTypeDownload, stores.TaskTypeRestore:
		return true
	}
	return false
}

// ClusterTaskConfig configures a ClusterTaskBlock.
type ClusterTaskConfig struct {
	Kind     string
	Daemon   string
	Plan     string
	Provider offer.RequirementProvider
	Store    stores.StateStore
	// Data is merged into the record handed to the provider. It carries the
	// parameters of the operation.
	Data     map[string]string
	Observer Observer
}

// ClusterTaskBlock runs one maintenance task against one daemon until it
// finishes.
type ClusterTaskBlock struct {
	blockState

	kind     string
	daemon   string
	provider offer.RequirementProvider
	data     map[string]string
}

var _ Block = (*ClusterTaskBlock)(nil)

// NewClusterTaskBlock creates a pending cluster task block.
func NewClusterTaskBlock(cfg ClusterTaskConfig) (*ClusterTaskBlock, error) {
	if !IsClusterTaskKind(cfg.Kind) {
		return nil, fmt.Errorf("unknown cluster task kind %q", cfg.Kind)
	}
	if cfg.Daemon == "" {
		return nil, fmt.Errorf("cluster task %s needs a daemon", cfg.Kind)
	}

	data := map[string]string{}
	for k, v := range cfg.Data {
		data[k] = v
	}
	data[stores.DataDaemon] = cfg.Daemon

	name := ClusterTaskName(cfg.Kind, cfg.Daemon)
	return &ClusterTaskBlock{
		blockState: newBlockState(name, cfg.Plan, cfg.Store, cfg.Observer),
		kind:       cfg.Kind,
		daemon:     cfg.Daemon,
		provider:   cfg.Provider,
		data:       data,
	}, nil
}

// Kind returns the task type of the block.
func (b *ClusterTaskBlock) Kind() string {
	return b.kind
}

// Daemon returns the name of the daemon the task operates on.
func (b *ClusterTaskBlock) Daemon() string {
	return b.daemon
}

// Start implements Block.
func (b *ClusterTaskBlock) Start(ctx context.Context) (*offer.Requirement, error) {
	ctx, span := b.obs.Tracer.StartBlockSpan(ctx, b.plan, b.name, "start")
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()

	req, err := b.start(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		b.obs.Metrics.RecordError(errorCode(err))
		return nil, err
	}
	return req, nil
}

func (b *ClusterTaskBlock) start(ctx context.Context) (*offer.Requirement, error) {
	record, status, err := b.fetchTask(ctx)
	if err != nil {
		return nil, err
	}

	var req *offer.Requirement
	switch {
	case record == nil:
		req, err = b.provider.NewRequirement(ctx, skeleton(b.name, b.kind, b.data))
	case status != nil && status.State == stores.TaskStateFinished:
		b.tracking = true
		b.setStatus(StatusComplete)
		return nil, nil
	case status != nil && status.State.IsTerminal():
		req, err = b.provider.ReplacementRequirement(ctx, b.merge(record))
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build requirement for %s: %w", b.name, err)
	}
	if req == nil {
		b.logger.Debug("no requirement available yet")
		return nil, nil
	}
	b.setStatus(StatusInProgress)
	return req, nil
}

// merge returns a copy of record carrying the block's data.
func (b *ClusterTaskBlock) merge(record *stores.TaskRecord) *stores.TaskRecord {
	rec := record.Clone()
	if rec.Data == nil {
		rec.Data = make(map[string]string, len(b.data))
	}
	for k, v := range b.data {
		rec.Data[k] = v
	}
	return rec
}

// Update implements Block.
func (b *ClusterTaskBlock) Update(ctx context.Context, status *stores.TaskStatus) error {
	if status == nil {
		return fmt.Errorf("nil status for block %s", b.name)
	}
	ctx, span := b.obs.Tracer.StartBlockSpan(ctx, b.plan, b.name, "update")
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()

	record, kept, err := b.recordStatus(ctx, status)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	logger := b.logger.WithField("state", string(status.State))
	switch {
	case !kept:
		logger.WithField("task_id", status.TaskID).Debug("ignoring status of a previous task")
		return nil
	case !b.tracking || record == nil:
		logger.Debug("status recorded, no accepted offer to track yet")
		return nil
	}

	switch {
	case status.State == stores.TaskStateFinished:
		b.setStatus(StatusComplete)
	case status.State.IsTerminal():
		logger.WithField("message", status.Message).Warn("cluster task failed")
		b.tracking = false
		b.setStatus(StatusPending)
	default:
		b.setStatus(StatusInProgress)
	}
	return nil
}
