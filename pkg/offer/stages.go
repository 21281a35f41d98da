package offer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/offerd/pkg/stores"
)

// EvaluationStage evaluates one part of a requirement against a pool. A
// stage either passes with its recommendations and claims or fails with
// none; it never leaves a partial claim behind on failure.
type EvaluationStage interface {
	Name() string
	Evaluate(ctx context.Context, pool *ResourcePool, b *TaskBuilder) EvaluationOutcome
}

// TaskBuilder accumulates the resources claimed for one requirement until
// the launch stage turns them into a task.
type TaskBuilder struct {
	req       *Requirement
	resources []Resource
	refs      []stores.ResourceRef
	env       map[string]string
	task      *TaskInfo
}

// NewTaskBuilder starts an empty builder for req.
func NewTaskBuilder(req *Requirement) *TaskBuilder {
	return &TaskBuilder{req: req, env: make(map[string]string)}
}

// Requirement returns the requirement being evaluated.
func (b *TaskBuilder) Requirement() *Requirement {
	return b.req
}

// AddResource records a claimed resource under key, the name its
// reservation is remembered by in the task record.
func (b *TaskBuilder) AddResource(key string, r Resource) {
	b.resources = append(b.resources, r)
	ref := stores.ResourceRef{Name: key, ResourceID: r.ResourceID()}
	if r.Disk != nil && r.Disk.Persistence != nil {
		ref.PersistenceID = r.Disk.Persistence.ID
		ref.ContainerPath = r.Disk.Persistence.ContainerPath
	}
	b.refs = append(b.refs, ref)
}

// VolumeKey is the resource reference key of the volume mounted at containerPath.
func VolumeKey(containerPath string) string {
	return ResourceDisk + ":" + containerPath
}

// PortKey is the resource reference key of the named port.
func PortKey(name string) string {
	return ResourcePorts + ":" + name
}

// SetEnv exposes a value to the launched task.
func (b *TaskBuilder) SetEnv(key, value string) {
	b.env[key] = value
}

// Resources returns the claimed resources.
func (b *TaskBuilder) Resources() []Resource {
	return b.resources
}

// Task returns the launched task, set by the launch stage.
func (b *TaskBuilder) Task() *TaskInfo {
	return b.task
}

// VolumeStage reserves and creates a persistent volume, or reuses the one
// already reserved under the spec's resource id.
type VolumeStage struct {
	spec      VolumeSpec
	role      string
	principal string
}

// NewVolumeStage returns a volume stage for spec.
func NewVolumeStage(spec VolumeSpec, role, principal string) *VolumeStage {
	return &VolumeStage{spec: spec, role: role, principal: principal}
}

func (s *VolumeStage) Name() string {
	return "volume"
}

func (s *VolumeStage) Evaluate(_ context.Context, pool *ResourcePool, b *TaskBuilder) EvaluationOutcome {
	if s.spec.ResourceID != "" {
		return s.evaluateExisting(pool, b)
	}

	candidates := pool.Unreserved(ResourceDisk)
	var matching []Candidate
	for _, c := range candidates {
		if c.DiskSource() == s.spec.Source {
			matching = append(matching, c)
		}
	}
	if len(matching) == 0 {
		return Fail(s.Name(), "%s: %s disk for %s", ErrNoMatchingResource, s.spec.Source, s.spec.ContainerPath)
	}

	var chosen *Candidate
	for i := range matching {
		if matching[i].Scalar+epsilon >= s.spec.Size {
			chosen = &matching[i]
			break
		}
	}
	if chosen == nil {
		return Fail(s.Name(), "%s: no %s disk offers %g for %s", ErrInsufficientResource, s.spec.Source, s.spec.Size, s.spec.ContainerPath)
	}

	consumed, err := pool.Consume(*chosen, s.spec.Size)
	if err != nil {
		return Fail(s.Name(), "failed to consume disk: %v", err)
	}

	reserved := consumed.Reserve(s.role, s.principal, uuid.NewString())
	persistenceID := s.spec.PersistenceID
	if persistenceID == "" {
		persistenceID = uuid.NewString()
	}
	volume := reserved.WithPersistence(persistenceID, s.spec.ContainerPath)
	b.AddResource(VolumeKey(s.spec.ContainerPath), volume)

	o := pool.Offer()
	return Pass(s.Name(),
		[]Recommendation{Reserve(o, reserved), Create(o, volume)},
		"reserved %g of %s disk %s for %s", volume.Scalar, s.spec.Source, volume.ResourceID(), s.spec.ContainerPath)
}

func (s *VolumeStage) evaluateExisting(pool *ResourcePool, b *TaskBuilder) EvaluationOutcome {
	c, ok := pool.Reserved(s.spec.ResourceID)
	if !ok || c.Name != ResourceDisk {
		return Fail(s.Name(), "offer does not contain reserved volume %s", s.spec.ResourceID)
	}
	if pid := c.PersistenceID(); pid != "" && s.spec.PersistenceID != "" && pid != s.spec.PersistenceID {
		return Fail(s.Name(), "reserved volume %s carries persistence id %s, expected %s", s.spec.ResourceID, pid, s.spec.PersistenceID)
	}

	consumed, err := pool.Consume(c, c.Scalar)
	if err != nil {
		return Fail(s.Name(), "failed to consume reserved volume: %v", err)
	}

	if consumed.PersistenceID() != "" {
		b.AddResource(VolumeKey(s.spec.ContainerPath), consumed)
		return Pass(s.Name(), nil, "reusing volume %s", consumed.PersistenceID())
	}

	// Reserved in an earlier cycle whose CREATE was not applied.
	persistenceID := s.spec.PersistenceID
	if persistenceID == "" {
		persistenceID = uuid.NewString()
	}
	volume := consumed.WithPersistence(persistenceID, s.spec.ContainerPath)
	b.AddResource(VolumeKey(s.spec.ContainerPath), volume)
	return Pass(s.Name(), []Recommendation{Create(pool.Offer(), volume)},
		"creating volume %s on reserved disk %s", persistenceID, s.spec.ResourceID)
}

// ReservationStage reserves a scalar resource, or reuses an existing reservation.
type ReservationStage struct {
	spec      ResourceSpec
	role      string
	principal string
}

// NewReservationStage returns a reservation stage for spec.
func NewReservationStage(spec ResourceSpec, role, principal string) *ReservationStage {
	return &ReservationStage{spec: spec, role: role, principal: principal}
}

func (s *ReservationStage) Name() string {
	return "reservation:" + s.spec.Name
}

func (s *ReservationStage) Evaluate(_ context.Context, pool *ResourcePool, b *TaskBuilder) EvaluationOutcome {
	if s.spec.ResourceID != "" {
		c, ok := pool.Reserved(s.spec.ResourceID)
		if !ok || c.Name != s.spec.Name {
			return Fail(s.Name(), "offer does not contain reserved %s %s", s.spec.Name, s.spec.ResourceID)
		}
		consumed, err := pool.Consume(c, s.spec.Amount)
		if err != nil {
			return Fail(s.Name(), "%v", err)
		}
		b.AddResource(s.spec.Name, consumed)
		return Pass(s.Name(), nil, "reusing reserved %s %s", s.spec.Name, s.spec.ResourceID)
	}

	candidates := pool.Unreserved(s.spec.Name)
	if len(candidates) == 0 {
		return Fail(s.Name(), "%s: %s", ErrNoMatchingResource, s.spec.Name)
	}
	for _, c := range candidates {
		if c.Scalar+epsilon < s.spec.Amount {
			continue
		}
		consumed, err := pool.Consume(c, s.spec.Amount)
		if err != nil {
			return Fail(s.Name(), "%v", err)
		}
		reserved := consumed.Reserve(s.role, s.principal, uuid.NewString())
		b.AddResource(s.spec.Name, reserved)
		return Pass(s.Name(), []Recommendation{Reserve(pool.Offer(), reserved)},
			"reserved %g %s as %s", reserved.Scalar, s.spec.Name, reserved.ResourceID())
	}
	return Fail(s.Name(), "%s: need %g %s", ErrInsufficientResource, s.spec.Amount, s.spec.Name)
}

// PortStage reserves a port out of a ranges resource, or reuses an existing reservation.
type PortStage struct {
	spec      PortSpec
	role      string
	principal string
}

// NewPortStage returns a port stage for spec.
func NewPortStage(spec PortSpec, role, principal string) *PortStage {
	return &PortStage{spec: spec, role: role, principal: principal}
}

func (s *PortStage) Name() string {
	return "port:" + s.spec.Name
}

func (s *PortStage) Evaluate(_ context.Context, pool *ResourcePool, b *TaskBuilder) EvaluationOutcome {
	if s.spec.ResourceID != "" {
		c, ok := pool.Reserved(s.spec.ResourceID)
		if !ok || c.Name != ResourcePorts || len(c.Ranges) == 0 {
			return Fail(s.Name(), "offer does not contain reserved port %s", s.spec.ResourceID)
		}
		want := c.Ranges[0]
		if s.spec.Port != 0 {
			want = Range{Begin: s.spec.Port, End: s.spec.Port}
		}
		consumed, err := pool.ConsumeRange(c, want)
		if err != nil {
			return Fail(s.Name(), "%v", err)
		}
		b.AddResource(PortKey(s.spec.Name), consumed)
		b.SetEnv(portEnv(s.spec.Name), fmt.Sprint(consumed.Ranges[0].Begin))
		return Pass(s.Name(), nil, "reusing reserved port %d", consumed.Ranges[0].Begin)
	}

	candidates := pool.Unreserved(ResourcePorts)
	if len(candidates) == 0 {
		return Fail(s.Name(), "%s: %s", ErrNoMatchingResource, ResourcePorts)
	}
	for _, c := range candidates {
		want, ok := pickPort(c.Ranges, s.spec.Port)
		if !ok {
			continue
		}
		consumed, err := pool.ConsumeRange(c, want)
		if err != nil {
			return Fail(s.Name(), "%v", err)
		}
		reserved := consumed.Reserve(s.role, s.principal, uuid.NewString())
		b.AddResource(PortKey(s.spec.Name), reserved)
		b.SetEnv(portEnv(s.spec.Name), fmt.Sprint(want.Begin))
		return Pass(s.Name(), []Recommendation{Reserve(pool.Offer(), reserved)},
			"reserved port %d as %s", want.Begin, reserved.ResourceID())
	}
	if s.spec.Port != 0 {
		return Fail(s.Name(), "%s: port %d is not offered", ErrInsufficientResource, s.spec.Port)
	}
	return Fail(s.Name(), "%s: no free port", ErrInsufficientResource)
}

func pickPort(ranges []Range, port uint64) (Range, bool) {
	for _, r := range ranges {
		if r.Size() == 0 {
			continue
		}
		if port == 0 {
			return Range{Begin: r.Begin, End: r.Begin}, true
		}
		if r.Contains(port) {
			return Range{Begin: port, End: port}, true
		}
	}
	return Range{}, false
}

var envNameReplacer = strings.NewReplacer("-", "_", ".", "_")

func portEnv(name string) string {
	return "PORT_" + envNameReplacer.Replace(strings.ToUpper(name))
}

// LaunchStage turns the claimed resources into a task. It must run last.
type LaunchStage struct{}

// NewLaunchStage returns the launch stage.
func NewLaunchStage() *LaunchStage {
	return &LaunchStage{}
}

func (s *LaunchStage) Name() string {
	return "launch"
}

func (s *LaunchStage) Evaluate(_ context.Context, pool *ResourcePool, b *TaskBuilder) EvaluationOutcome {
	req := b.Requirement()
	o := pool.Offer()

	env := make(map[string]string, len(req.Task.Env)+len(b.env))
	for k, v := range req.Task.Env {
		env[k] = v
	}
	for k, v := range b.env {
		env[k] = v
	}
	labels := make(map[string]string, len(req.Task.Labels))
	for k, v := range req.Task.Labels {
		labels[k] = v
	}

	executorID := req.Task.ExecutorID
	if executorID == "" {
		executorID = req.TaskName + "_executor__" + uuid.NewString()
	}

	task := &TaskInfo{
		Name:       req.TaskName,
		TaskID:     stores.NewTaskID(req.TaskName),
		Type:       req.TaskType,
		AgentID:    o.AgentID,
		Hostname:   o.Hostname,
		ExecutorID: executorID,
		Command:    req.Task.Command,
		Env:        env,
		Labels:     labels,
		Resources:  append([]Resource(nil), b.resources...),
		Refs:       append([]stores.ResourceRef(nil), b.refs...),
	}
	b.task = task

	return Pass(s.Name(), []Recommendation{Launch(o, task)}, "launching %s on %s", task.TaskID, o.Hostname)
}

// IsEvaluationFailure reports whether err is one of the pool's capacity errors.
func IsEvaluationFailure(err error) bool {
	return errors.Is(err, ErrInsufficientResource) || errors.Is(err, ErrNoMatchingResource)
}
