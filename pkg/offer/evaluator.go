package offer

import (
	"context"
	"fmt"

	"github.com/openfroyo/offerd/pkg/telemetry"
)

// Evaluator matches requirements against resource pools.
type Evaluator struct {
	policy  PlacementPolicy
	tasks   AgentTaskLister
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithPlacementPolicy enables the placement stage.
func WithPlacementPolicy(policy PlacementPolicy, tasks AgentTaskLister) EvaluatorOption {
	return func(e *Evaluator) {
		e.policy = policy
		e.tasks = tasks
	}
}

// WithLogger sets the evaluator's logger.
func WithLogger(logger *telemetry.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithMetrics sets the evaluator's metrics.
func WithMetrics(metrics *telemetry.Metrics) EvaluatorOption {
	return func(e *Evaluator) {
		e.metrics = metrics
	}
}

// NewEvaluator creates an evaluator.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = telemetry.NopLogger()
	}
	return e
}

// Pipeline returns the ordered stages for req: placement, scalar
// reservations, ports, volumes and finally the launch.
func (e *Evaluator) Pipeline(req *Requirement) []EvaluationStage {
	stages := []EvaluationStage{NewPlacementStage(e.policy, e.tasks)}
	for _, r := range req.Resources {
		stages = append(stages, NewReservationStage(r, req.Role, req.Principal))
	}
	for _, p := range req.Ports {
		stages = append(stages, NewPortStage(p, req.Role, req.Principal))
	}
	for _, v := range req.Volumes {
		stages = append(stages, NewVolumeStage(v, req.Role, req.Principal))
	}
	return append(stages, NewLaunchStage())
}

// Evaluate runs the pipeline of req against pool. The outcome is
// all-or-nothing: on any stage failure the pool is rolled back to its state
// before the call and no recommendations are returned. On success the
// launched task is returned alongside the outcome.
func (e *Evaluator) Evaluate(ctx context.Context, pool *ResourcePool, req *Requirement) (EvaluationOutcome, *TaskInfo) {
	source := fmt.Sprintf("requirement %s", req.TaskName)
	if err := req.Validate(); err != nil {
		return Fail(source, "invalid requirement: %v", err), nil
	}

	snapshot := pool.Snapshot()
	b := NewTaskBuilder(req)
	outcome := EvaluationOutcome{source: source, passing: true}

	for _, stage := range e.Pipeline(req) {
		child := stage.Evaluate(ctx, pool, b)
		outcome.children = append(outcome.children, child)
		if !child.IsPassing() {
			pool.Restore(snapshot)
			outcome.passing = false
			outcome.recommendations = nil
			outcome.reason = fmt.Sprintf("stage %s failed: %s", child.Source(), child.Reason())
			e.metrics.RecordEvaluationFailure(stage.Name())
			e.logger.WithField("offer_id", pool.Offer().ID).
				WithField("task", req.TaskName).
				Debugf("offer does not satisfy requirement: %s", outcome.reason)
			return outcome, nil
		}
		outcome.recommendations = append(outcome.recommendations, child.Recommendations()...)
	}

	outcome.reason = fmt.Sprintf("%d recommendations for offer %s", len(outcome.recommendations), pool.Offer().ID)
	for _, rec := range outcome.recommendations {
		e.metrics.RecordRecommendation(string(rec.Type()))
	}
	return outcome, b.Task()
}
