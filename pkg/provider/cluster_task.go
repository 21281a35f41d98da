package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/plan/backup"
	"github.com/openfroyo/offerd/pkg/stores"
)

// ClusterTask provides the requirements of snapshot, upload, download and
// restore tasks. A task is pinned to the agent of the daemon it operates on
// and claims only cpus and memory; it reserves no volume.
type ClusterTask struct {
	configs ConfigSource
	store   stores.StateStore
}

var _ offer.RequirementProvider = (*ClusterTask)(nil)

// NewClusterTask creates a cluster task requirement provider.
func NewClusterTask(configs ConfigSource, store stores.StateStore) *ClusterTask {
	return &ClusterTask{configs: configs, store: store}
}

func (p *ClusterTask) NewRequirement(ctx context.Context, task *stores.TaskRecord) (*offer.Requirement, error) {
	return p.requirement(ctx, task)
}

// ReplacementRequirement relaunches a failed cluster task. Cluster tasks hold
// no reservations of their own, so it is the same as a new requirement.
func (p *ClusterTask) ReplacementRequirement(ctx context.Context, task *stores.TaskRecord) (*offer.Requirement, error) {
	return p.requirement(ctx, task)
}

func (p *ClusterTask) requirement(ctx context.Context, task *stores.TaskRecord) (*offer.Requirement, error) {
	if task == nil || task.Name == "" {
		return nil, fmt.Errorf("cluster task requirement needs a task name")
	}
	daemonName := task.Data[stores.DataDaemon]
	if daemonName == "" {
		return nil, fmt.Errorf("cluster task %s does not name its daemon", task.Name)
	}

	daemon, err := p.store.FetchTaskRecord(ctx, daemonName)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch daemon %s: %w", daemonName, err)
	}
	if daemon.AgentID == "" {
		// Not placed yet.
		return nil, nil
	}

	cfg := p.configs.Get()
	bc := backup.ContextFromData(task.Data)
	env := bc.Env()
	env["NODE_NAME"] = daemonName
	env["DATA_DIR"] = cfg.Daemon.VolumePath

	return &offer.Requirement{
		TaskName:  task.Name,
		TaskType:  task.Type,
		Role:      cfg.Service.Role,
		Principal: cfg.Service.Principal,
		AgentID:   daemon.AgentID,
		Resources: []offer.ResourceSpec{
			{Name: offer.ResourceCPUs, Amount: cfg.ClusterTask.CPUs},
			{Name: offer.ResourceMem, Amount: cfg.ClusterTask.MemoryMB},
		},
		Task: offer.TaskSpec{
			Command: cfg.ClusterTask.Command(task.Type),
			Env:     env,
			Labels: map[string]string{
				stores.DataDaemon:   daemonName,
				stores.DataConfigID: p.configs.TargetID(),
				backup.DataName:     bc.Name,
			},
		},
	}, nil
}
