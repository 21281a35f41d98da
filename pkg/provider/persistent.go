package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/offerd/pkg/config"
	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/stores"
)

// ConfigSource yields the current configuration and its target id.
// config.Holder implements it.
type ConfigSource interface {
	Get() *config.Config
	TargetID() string
}

// Persistent provides daemon requirements.
type Persistent struct {
	configs ConfigSource
}

var _ offer.RequirementProvider = (*Persistent)(nil)

// NewPersistent creates a daemon requirement provider.
func NewPersistent(configs ConfigSource) *Persistent {
	return &Persistent{configs: configs}
}

// NewRequirement asks for fresh reservations on any agent.
func (p *Persistent) NewRequirement(_ context.Context, task *stores.TaskRecord) (*offer.Requirement, error) {
	return p.requirement(task, nil)
}

// ReplacementRequirement reuses the reservations recorded for task and pins
// it to its agent. Pending reservations are asked for again, and a task
// without any other recorded reservation is treated as new.
func (p *Persistent) ReplacementRequirement(_ context.Context, task *stores.TaskRecord) (*offer.Requirement, error) {
	if task == nil {
		return nil, fmt.Errorf("daemon requirement needs a task name")
	}
	previous := task.WithoutPending()
	if len(previous.Resources) == 0 {
		return p.requirement(task, nil)
	}
	return p.requirement(task, previous)
}

func (p *Persistent) requirement(task, previous *stores.TaskRecord) (*offer.Requirement, error) {
	if task == nil || task.Name == "" {
		return nil, fmt.Errorf("daemon requirement needs a task name")
	}
	cfg := p.configs.Get()
	d := cfg.Daemon

	ref := func(name string) *stores.ResourceRef {
		if previous == nil {
			return nil
		}
		return previous.Resource(name)
	}
	id := func(name string) string {
		if r := ref(name); r != nil {
			return r.ResourceID
		}
		return ""
	}

	req := &offer.Requirement{
		TaskName:  task.Name,
		TaskType:  stores.TaskTypeDaemon,
		Role:      cfg.Service.Role,
		Principal: cfg.Service.Principal,
		Resources: []offer.ResourceSpec{
			{Name: offer.ResourceCPUs, Amount: d.CPUs, ResourceID: id(offer.ResourceCPUs)},
			{Name: offer.ResourceMem, Amount: d.MemoryMB, ResourceID: id(offer.ResourceMem)},
		},
		Task: offer.TaskSpec{
			Command: d.Command,
			Env:     daemonEnv(cfg, task.Name),
			Labels: map[string]string{
				stores.DataConfigID: p.configs.TargetID(),
			},
		},
	}
	if previous != nil {
		req.AgentID = previous.AgentID
	}

	for _, port := range d.Ports {
		req.Ports = append(req.Ports, offer.PortSpec{
			Name:       port.Name,
			Port:       port.Port,
			ResourceID: id(offer.PortKey(port.Name)),
		})
	}

	volume := offer.VolumeSpec{
		Source:        offer.DiskSource(strings.ToUpper(d.DiskType)),
		Size:          d.DiskMB,
		ContainerPath: d.VolumePath,
	}
	if r := ref(offer.VolumeKey(d.VolumePath)); r != nil {
		volume.ResourceID = r.ResourceID
		volume.PersistenceID = r.PersistenceID
	}
	req.Volumes = []offer.VolumeSpec{volume}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func daemonEnv(cfg *config.Config, name string) map[string]string {
	env := make(map[string]string, len(cfg.Daemon.Env)+3)
	for k, v := range cfg.Daemon.Env {
		env[k] = v
	}
	env["SERVICE_NAME"] = cfg.Service.Name
	env["NODE_NAME"] = name
	env["DATA_DIR"] = cfg.Daemon.VolumePath
	return env
}
