package offer

import (
	"fmt"
	"math"
)

// ResourceType is the value kind of a resource.
type ResourceType string

const (
	ResourceTypeScalar ResourceType = "SCALAR"
	ResourceTypeRanges ResourceType = "RANGES"
	ResourceTypeSet    ResourceType = "SET"
)

// DiskSource distinguishes splittable root/path disks from atomic mount disks.
type DiskSource string

const (
	DiskSourceRoot  DiskSource = "ROOT"
	DiskSourcePath  DiskSource = "PATH"
	DiskSourceMount DiskSource = "MOUNT"
)

// Validate checks if the disk source is valid.
func (d DiskSource) Validate() error {
	switch d {
	case DiskSourceRoot, DiskSourcePath, DiskSourceMount:
		return nil
	default:
		return fmt.Errorf("invalid disk source: %s", d)
	}
}

// IsAtomic returns true if a disk of this source can only be consumed whole.
func (d DiskSource) IsAtomic() bool {
	return d == DiskSourceMount
}

// Well-known resource names.
const (
	ResourceCPUs  = "cpus"
	ResourceMem   = "mem"
	ResourceDisk  = "disk"
	ResourcePorts = "ports"
)

// UnreservedRole is the role of resources not reserved by any framework.
const UnreservedRole = "*"

// ResourceIDLabel is the reservation label carrying the unique reservation id.
const ResourceIDLabel = "resource_id"

// epsilon absorbs float rounding when comparing scalar amounts.
const epsilon = 1e-6

// Range is an inclusive range of integer values, such as ports.
type Range struct {
	Begin uint64 `json:"begin"`
	End   uint64 `json:"end"`
}

// Size returns the number of values in the range.
func (r Range) Size() uint64 {
	if r.End < r.Begin {
		return 0
	}
	return r.End - r.Begin + 1
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v uint64) bool {
	return v >= r.Begin && v <= r.End
}

// ReservationInfo marks a resource as reserved for a role by a principal.
type ReservationInfo struct {
	Principal string            `json:"principal,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Persistence identifies a created persistent volume.
type Persistence struct {
	ID            string `json:"id"`
	ContainerPath string `json:"container_path"`
}

// DiskInfo describes the disk behind a "disk" resource.
type DiskInfo struct {
	Source      DiskSource   `json:"source,omitempty"`
	Root        string       `json:"root,omitempty"`
	Persistence *Persistence `json:"persistence,omitempty"`
}

// Resource is a named quantity of a resource inside an offer.
type Resource struct {
	Name        string           `json:"name"`
	Type        ResourceType     `json:"type"`
	Scalar      float64          `json:"scalar,omitempty"`
	Ranges      []Range          `json:"ranges,omitempty"`
	Set         []string         `json:"set,omitempty"`
	Role        string           `json:"role,omitempty"`
	Reservation *ReservationInfo `json:"reservation,omitempty"`
	Disk        *DiskInfo        `json:"disk,omitempty"`
}

// NewScalar returns an unreserved scalar resource.
func NewScalar(name string, value float64) Resource {
	return Resource{Name: name, Type: ResourceTypeScalar, Scalar: value, Role: UnreservedRole}
}

// NewRanges returns an unreserved ranges resource.
func NewRanges(name string, ranges ...Range) Resource {
	return Resource{Name: name, Type: ResourceTypeRanges, Ranges: ranges, Role: UnreservedRole}
}

// NewDisk returns an unreserved disk resource of the given source.
func NewDisk(source DiskSource, size float64, root string) Resource {
	r := NewScalar(ResourceDisk, size)
	r.Disk = &DiskInfo{Source: source, Root: root}
	return r
}

// ResourceID returns the reservation id, or "" for unreserved resources.
func (r Resource) ResourceID() string {
	if r.Reservation == nil {
		return ""
	}
	return r.Reservation.Labels[ResourceIDLabel]
}

// IsUnreserved reports whether the resource is free for new reservations.
func (r Resource) IsUnreserved() bool {
	return (r.Role == "" || r.Role == UnreservedRole) && r.ResourceID() == ""
}

// DiskSource returns the disk source, ROOT for disks without explicit source.
func (r Resource) DiskSource() DiskSource {
	if r.Disk == nil || r.Disk.Source == "" {
		return DiskSourceRoot
	}
	return r.Disk.Source
}

// PersistenceID returns the persistent volume id, or "" if no volume was created.
func (r Resource) PersistenceID() string {
	if r.Disk == nil || r.Disk.Persistence == nil {
		return ""
	}
	return r.Disk.Persistence.ID
}

// Reserve returns a copy of the resource reserved for role with a new reservation id.
func (r Resource) Reserve(role, principal, resourceID string) Resource {
	c := r.Clone()
	c.Role = role
	c.Reservation = &ReservationInfo{
		Principal: principal,
		Labels:    map[string]string{ResourceIDLabel: resourceID},
	}
	return c
}

// WithPersistence returns a copy of the disk resource carrying a persistent volume.
func (r Resource) WithPersistence(id, containerPath string) Resource {
	c := r.Clone()
	if c.Disk == nil {
		c.Disk = &DiskInfo{Source: DiskSourceRoot}
	}
	c.Disk.Persistence = &Persistence{ID: id, ContainerPath: containerPath}
	return c
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	c := r
	if r.Ranges != nil {
		c.Ranges = append([]Range(nil), r.Ranges...)
	}
	if r.Set != nil {
		c.Set = append([]string(nil), r.Set...)
	}
	if r.Reservation != nil {
		res := *r.Reservation
		if r.Reservation.Labels != nil {
			res.Labels = make(map[string]string, len(r.Reservation.Labels))
			for k, v := range r.Reservation.Labels {
				res.Labels[k] = v
			}
		}
		c.Reservation = &res
	}
	if r.Disk != nil {
		d := *r.Disk
		if r.Disk.Persistence != nil {
			p := *r.Disk.Persistence
			d.Persistence = &p
		}
		c.Disk = &d
	}
	return c
}

// String renders the resource for logs.
func (r Resource) String() string {
	var value string
	switch r.Type {
	case ResourceTypeRanges:
		value = fmt.Sprintf("%v", r.Ranges)
	case ResourceTypeSet:
		value = fmt.Sprintf("%v", r.Set)
	default:
		value = fmt.Sprintf("%g", r.Scalar)
	}
	s := fmt.Sprintf("%s(%s):%s", r.Name, r.Role, value)
	if id := r.ResourceID(); id != "" {
		s += " id=" + id
	}
	if pid := r.PersistenceID(); pid != "" {
		s += " persistence=" + pid
	}
	return s
}

func scalarEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// Offer is a bundle of resources on one agent made available for one cycle.
type Offer struct {
	ID         string            `json:"id"`
	AgentID    string            `json:"agent_id"`
	Hostname   string            `json:"hostname"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Resources  []Resource        `json:"resources"`
}
