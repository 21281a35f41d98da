package offer

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/offerd/pkg/stores"
)

// ResourceSpec requests a scalar resource. A non-empty ResourceID reuses an
// existing reservation instead of reserving new capacity.
type ResourceSpec struct {
	Name       string  `json:"name" validate:"required"`
	Amount     float64 `json:"amount" validate:"gt=0"`
	ResourceID string  `json:"resource_id,omitempty"`
}

// PortSpec requests one port. Port 0 takes the first free port.
type PortSpec struct {
	Name       string `json:"name" validate:"required"`
	Port       uint64 `json:"port,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
}

// VolumeSpec requests a persistent volume.
type VolumeSpec struct {
	Source        DiskSource `json:"source"`
	Size          float64    `json:"size" validate:"gt=0"`
	ContainerPath string     `json:"container_path" validate:"required"`
	ResourceID    string     `json:"resource_id,omitempty"`
	PersistenceID string     `json:"persistence_id,omitempty"`
}

// TaskSpec describes the task launched once all resources are claimed.
type TaskSpec struct {
	Command    string            `json:"command"`
	ExecutorID string            `json:"executor_id,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Requirement is the declarative resource need of one task.
type Requirement struct {
	TaskName  string `json:"task_name" validate:"required"`
	TaskType  string `json:"task_type" validate:"required"`
	Role      string `json:"role" validate:"required"`
	Principal string `json:"principal"`
	// AgentID pins the requirement to one agent; empty accepts any agent.
	AgentID string `json:"agent_id,omitempty"`
	Resources []ResourceSpec `json:"resources,omitempty" validate:"dive"`
	Ports     []PortSpec     `json:"ports,omitempty" validate:"dive"`
	Volumes   []VolumeSpec   `json:"volumes,omitempty" validate:"dive"`
	Task      TaskSpec       `json:"task"`
}

var validate = validator.New()

// Validate checks the requirement for internal consistency.
func (r *Requirement) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid requirement %s: %w", r.TaskName, err)
	}
	if r.Role == UnreservedRole {
		return fmt.Errorf("requirement %s needs a concrete role", r.TaskName)
	}
	for _, v := range r.Volumes {
		if err := v.Source.Validate(); err != nil {
			return fmt.Errorf("requirement %s: %w", r.TaskName, err)
		}
	}
	return nil
}

// ResourceIDs returns the reservation ids the requirement reuses.
func (r *Requirement) ResourceIDs() []string {
	var ids []string
	for _, res := range r.Resources {
		if res.ResourceID != "" {
			ids = append(ids, res.ResourceID)
		}
	}
	for _, p := range r.Ports {
		if p.ResourceID != "" {
			ids = append(ids, p.ResourceID)
		}
	}
	for _, v := range r.Volumes {
		if v.ResourceID != "" {
			ids = append(ids, v.ResourceID)
		}
	}
	return ids
}

// RequirementProvider builds requirements for a task. Both methods return
// nil, nil when no requirement can be built yet; the caller retries on the
// next offer cycle.
type RequirementProvider interface {
	// NewRequirement builds the requirement for a task that was never launched.
	NewRequirement(ctx context.Context, task *stores.TaskRecord) (*Requirement, error)
	// ReplacementRequirement builds the requirement that relaunches a task on
	// the resources it already holds.
	ReplacementRequirement(ctx context.Context, task *stores.TaskRecord) (*Requirement, error)
}
