package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/offerd/pkg/executor"
	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/stores"
	"github.com/openfroyo/offerd/pkg/telemetry"
)

// DefaultShutdownTimeout bounds the wait for an executor to acknowledge a
// shutdown before the daemon is replaced anyway.
const DefaultShutdownTimeout = 30 * time.Second

// ExecutorClient asks executors to stop their tasks.
type ExecutorClient interface {
	// Shutdown delivers exactly one result on the returned channel.
	Shutdown(ctx context.Context, executorID string, timeout time.Duration) <-chan executor.ShutdownResult
}

// TargetSource reports the id of the configuration daemons should run.
type TargetSource interface {
	TargetID() string
}

// DaemonConfig configures a DaemonBlock.
type DaemonConfig struct {
	Name            string
	Plan            string
	Provider        offer.RequirementProvider
	Store           stores.StateStore
	Executor        ExecutorClient
	Target          TargetSource
	ShutdownTimeout time.Duration
	Observer        Observer
}

type pendingShutdown struct {
	taskID   string
	result   <-chan executor.ShutdownResult
	deadline time.Time
}

// DaemonBlock keeps one daemon task running the target configuration.
type DaemonBlock struct {
	blockState

	provider        offer.RequirementProvider
	executor        ExecutorClient
	target          TargetSource
	shutdownTimeout time.Duration

	shutdown *pendingShutdown
	// shutdownTaskID is the task whose shutdown was attempted; it may be
	// replaced while still reported RUNNING.
	shutdownTaskID       string
	replacementRequested bool

	now func() time.Time
}

var _ Block = (*DaemonBlock)(nil)

// NewDaemonBlock creates a pending daemon block.
func NewDaemonBlock(cfg DaemonConfig) *DaemonBlock {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	return &DaemonBlock{
		blockState:      newBlockState(cfg.Name, cfg.Plan, cfg.Store, cfg.Observer),
		provider:        cfg.Provider,
		executor:        cfg.Executor,
		target:          cfg.Target,
		shutdownTimeout: timeout,
		now:             time.Now,
	}
}

// RequestReplacement makes the next Start replace a task that is still
// launching.
func (b *DaemonBlock) RequestReplacement() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replacementRequested = true
}

// Retarget makes a complete block compare its task with the target
// configuration again on the next Start.
func (b *DaemonBlock) Retarget() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusComplete {
		b.setStatus(StatusPending)
	}
}

// Start implements Block.
func (b *DaemonBlock) Start(ctx context.Context) (*offer.Requirement, error) {
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

func (b *DaemonBlock) start(ctx context.Context) (*offer.Requirement, error) {
	record, status, err := b.fetchTask(ctx)
	if err != nil {
		return nil, err
	}

	if record == nil {
		req, err := b.provider.NewRequirement(ctx, skeleton(b.name, stores.TaskTypeDaemon, nil))
		if err != nil {
			return nil, fmt.Errorf("failed to build requirement for %s: %w", b.name, err)
		}
		if req != nil {
			b.setStatus(StatusInProgress)
		}
		return req, nil
	}

	switch {
	case status != nil && status.State == stores.TaskStateRunning && record.ConfigID == b.targetID():
		b.shutdown = nil
		b.tracking = true
		b.setStatus(StatusComplete)
		return nil, nil

	case status != nil && status.State == stores.TaskStateRunning && b.shutdownTaskID != record.TaskID:
		if !b.awaitShutdown(ctx, record) {
			b.setStatus(StatusInProgress)
			return nil, nil
		}
		return b.replace(ctx, record)

	case status != nil && status.State == stores.TaskStateRunning:
		// Shutdown already attempted for this task.
		return b.replace(ctx, record)

	case status != nil && status.State.IsTerminal():
		return b.replace(ctx, record)

	default:
		if b.replacementRequested {
			return b.replace(ctx, record)
		}
		return nil, nil
	}
}

// awaitShutdown issues a shutdown of the stale task or polls the one in
// flight. It reports true once the attempt finished or timed out.
func (b *DaemonBlock) awaitShutdown(ctx context.Context, record *stores.TaskRecord) bool {
	if b.shutdown == nil || b.shutdown.taskID != record.TaskID {
		if b.executor == nil {
			b.logger.Warn("no executor client, replacing stale daemon without shutdown")
			b.shutdownTaskID = record.TaskID
			return true
		}
		b.logger.WithField("task_id", record.TaskID).
			WithField("config_id", record.ConfigID).
			WithField("target_id", b.targetID()).
			Info("daemon runs a stale configuration, shutting down its executor")
		b.shutdown = &pendingShutdown{
			taskID:   record.TaskID,
			result:   b.executor.Shutdown(context.WithoutCancel(ctx), record.ExecutorID, b.shutdownTimeout),
			deadline: b.now().Add(b.shutdownTimeout),
		}
	}

	select {
	case res, ok := <-b.shutdown.result:
		switch {
		case !ok:
			b.logger.Warn("executor shutdown ended without a result")
		case res.Err != nil:
			b.logger.WithError(res.Err).Warn("executor shutdown failed, replacing daemon")
		default:
			b.logger.WithField("duration", res.Duration.String()).Info("executor shut down")
		}
	default:
		if b.now().Before(b.shutdown.deadline) {
			return false
		}
		b.logger.WithField("timeout", b.shutdownTimeout.String()).Warn("executor shutdown timed out, replacing daemon")
	}

	b.shutdown = nil
	b.shutdownTaskID = record.TaskID
	return true
}

func (b *DaemonBlock) replace(ctx context.Context, record *stores.TaskRecord) (*offer.Requirement, error) {
	req, err := b.provider.ReplacementRequirement(ctx, record.Clone())
	if err != nil {
		return nil, fmt.Errorf("failed to build replacement requirement for %s: %w", b.name, err)
	}
	if req == nil {
		b.logger.Debug("no replacement requirement available yet")
		return nil, nil
	}
	b.replacementRequested = false
	b.setStatus(StatusInProgress)
	return req, nil
}

func (b *DaemonBlock) targetID() string {
	if b.target == nil {
		return ""
	}
	return b.target.TargetID()
}

// Update implements Block.
func (b *DaemonBlock) Update(ctx context.Context, status *stores.TaskStatus) error {
	if status == nil {
		return fmt.Errorf("nil status for block %s", b.name)
	}
	ctx, span := b.obs.Tracer.StartBlockSpan(ctx, b.plan, b.name, "update")
	defer span.End()

	b.mu.Lock()
	defer b.mu.Unlock()

	logger := b.logger.WithField("task_id", status.TaskID).WithField("state", string(status.State))
	record, kept, err := b.recordStatus(ctx, status)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if !kept {
		logger.Debug("ignoring status of a previous task")
		return nil
	}
	if !b.tracking || record == nil {
		logger.Debug("status recorded, no accepted offer to track yet")
		return nil
	}

	switch {
	case status.State == stores.TaskStateRunning && record.ConfigID == b.targetID():
		b.setStatus(StatusComplete)
	case status.State.IsTerminal():
		b.tracking = false
		b.setStatus(StatusPending)
	default:
		b.setStatus(StatusInProgress)
	}
	return nil
}
