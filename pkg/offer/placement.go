package offer

import (
	"context"
	"strings"
)

// PlacementInput is what a placement policy sees of an offer and a requirement.
type PlacementInput struct {
	TaskName   string            `json:"task_name"`
	TaskType   string            `json:"task_type"`
	AgentID    string            `json:"agent_id"`
	Hostname   string            `json:"hostname"`
	Attributes map[string]string `json:"attributes"`
	// AgentTasks names the tasks already placed on the offer's agent.
	AgentTasks []AgentTask `json:"agent_tasks"`
}

// AgentTask is a task already running, or launching, on an agent.
type AgentTask struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// PlacementDecision is the verdict of the placement policies.
type PlacementDecision struct {
	Allowed bool
	Reasons []string
}

// PlacementPolicy decides whether a requirement may be placed on an offer's agent.
type PlacementPolicy interface {
	EvaluatePlacement(ctx context.Context, input *PlacementInput) (*PlacementDecision, error)
}

// AgentTaskLister returns the tasks placed on an agent.
type AgentTaskLister interface {
	TasksOnAgent(ctx context.Context, agentID string) ([]AgentTask, error)
}

// PlacementStage rejects offers the placement policy does not allow. It
// never claims resources.
type PlacementStage struct {
	policy PlacementPolicy
	tasks  AgentTaskLister
}

// Sources of placement stage outcomes. A StagePlacement failure is a
// policy denial; StagePinning fails offers from the wrong agent.
const (
	StagePlacement = "placement"
	StagePinning   = "pinning"
)

// NewPlacementStage returns a placement stage. tasks may be nil.
func NewPlacementStage(policy PlacementPolicy, tasks AgentTaskLister) *PlacementStage {
	return &PlacementStage{policy: policy, tasks: tasks}
}

func (s *PlacementStage) Name() string {
	return StagePlacement
}

func (s *PlacementStage) Evaluate(ctx context.Context, pool *ResourcePool, b *TaskBuilder) EvaluationOutcome {
	req := b.Requirement()
	o := pool.Offer()

	if req.AgentID != "" && req.AgentID != o.AgentID {
		return Fail(StagePinning, "%s is pinned to agent %s, offer is from %s", req.TaskName, req.AgentID, o.AgentID)
	}
	if s.policy == nil {
		return Pass(s.Name(), nil, "no placement policy")
	}

	input := &PlacementInput{
		TaskName:   req.TaskName,
		TaskType:   req.TaskType,
		AgentID:    o.AgentID,
		Hostname:   o.Hostname,
		Attributes: o.Attributes,
		AgentTasks: []AgentTask{},
	}
	if input.Attributes == nil {
		input.Attributes = map[string]string{}
	}
	if s.tasks != nil {
		tasks, err := s.tasks.TasksOnAgent(ctx, o.AgentID)
		if err != nil {
			return Fail(s.Name(), "failed to list tasks on agent %s: %v", o.AgentID, err)
		}
		input.AgentTasks = append(input.AgentTasks, tasks...)
	}

	decision, err := s.policy.EvaluatePlacement(ctx, input)
	if err != nil {
		return Fail(s.Name(), "placement policy error: %v", err)
	}
	if !decision.Allowed {
		return Fail(s.Name(), "placement denied on %s: %s", o.Hostname, strings.Join(decision.Reasons, "; "))
	}
	return Pass(s.Name(), nil, "placement allowed on %s", o.Hostname)
}
