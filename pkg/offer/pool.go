package offer

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientResource means a resource of the requested kind exists but is too small.
	ErrInsufficientResource = errors.New("insufficient resource")
	// ErrNoMatchingResource means the offer carries no resource of the requested kind.
	ErrNoMatchingResource = errors.New("no matching resource type")
	// ErrResourceClaimed means the resource was already consumed in this cycle.
	ErrResourceClaimed = errors.New("resource already claimed")
)

type poolEntry struct {
	res     Resource
	claimed bool
}

// Candidate is a resource of the pool eligible for consumption.
type Candidate struct {
	Resource
	index int
}

// ResourcePool is a per-cycle working copy of one offer's resources.
// Consumption is first-fit; a claimed resource cannot be claimed again.
// A pool is used by one offer cycle at a time and is not safe for concurrent use.
type ResourcePool struct {
	offer   *Offer
	entries []poolEntry
}

// PoolSnapshot captures the state of a pool for rollback.
type PoolSnapshot struct {
	entries []poolEntry
}

// NewResourcePool creates a pool over a copy of the offer's resources.
func NewResourcePool(o *Offer) *ResourcePool {
	p := &ResourcePool{offer: o}
	for _, r := range o.Resources {
		p.entries = append(p.entries, poolEntry{res: r.Clone()})
	}
	return p
}

// Offer returns the offer the pool was built from.
func (p *ResourcePool) Offer() *Offer {
	return p.offer
}

// Filter returns the unclaimed resources named name. UnreservedRole selects
// resources free for new reservations; any other role selects resources
// already reserved for that role.
func (p *ResourcePool) Filter(role, name string) []Candidate {
	var out []Candidate
	for i, e := range p.entries {
		if e.claimed || e.res.Name != name {
			continue
		}
		if role == UnreservedRole {
			if !e.res.IsUnreserved() || isEmpty(e.res) {
				continue
			}
		} else if e.res.Role != role || e.res.ResourceID() == "" {
			continue
		}
		out = append(out, Candidate{Resource: e.res.Clone(), index: i})
	}
	return out
}

// Unreserved returns the unclaimed unreserved resources named name.
func (p *ResourcePool) Unreserved(name string) []Candidate {
	return p.Filter(UnreservedRole, name)
}

// Reserved returns the unclaimed resource carrying the reservation id.
func (p *ResourcePool) Reserved(resourceID string) (Candidate, bool) {
	if resourceID == "" {
		return Candidate{}, false
	}
	for i, e := range p.entries {
		if !e.claimed && e.res.ResourceID() == resourceID {
			return Candidate{Resource: e.res.Clone(), index: i}, true
		}
	}
	return Candidate{}, false
}

// ReservedResources returns every unclaimed resource reserved for role.
func (p *ResourcePool) ReservedResources(role string) []Candidate {
	var out []Candidate
	for i, e := range p.entries {
		if !e.claimed && e.res.Role == role && e.res.ResourceID() != "" {
			out = append(out, Candidate{Resource: e.res.Clone(), index: i})
		}
	}
	return out
}

func (p *ResourcePool) entry(c Candidate) (*poolEntry, error) {
	if c.index < 0 || c.index >= len(p.entries) {
		return nil, fmt.Errorf("candidate %s does not belong to the pool", c.Name)
	}
	e := &p.entries[c.index]
	if e.claimed {
		return nil, fmt.Errorf("%s: %w", e.res, ErrResourceClaimed)
	}
	return e, nil
}

// Consume claims amount of a scalar candidate. Reserved resources and atomic
// disks are claimed whole; other unreserved scalars are split and the
// remainder stays in the pool.
func (p *ResourcePool) Consume(c Candidate, amount float64) (Resource, error) {
	e, err := p.entry(c)
	if err != nil {
		return Resource{}, err
	}
	if e.res.Type != ResourceTypeScalar && e.res.Type != "" {
		return Resource{}, fmt.Errorf("cannot consume %g of %s resource %s", amount, e.res.Type, e.res.Name)
	}
	if amount <= 0 {
		return Resource{}, fmt.Errorf("invalid amount %g for %s", amount, e.res.Name)
	}
	if amount > e.res.Scalar+epsilon {
		return Resource{}, fmt.Errorf("%s offers %g, need %g: %w", e.res.Name, e.res.Scalar, amount, ErrInsufficientResource)
	}

	atomic := e.res.Disk != nil && e.res.DiskSource().IsAtomic()
	if !e.res.IsUnreserved() || atomic || scalarEqual(amount, e.res.Scalar) {
		e.claimed = true
		return e.res.Clone(), nil
	}

	consumed := e.res.Clone()
	consumed.Scalar = amount
	e.res.Scalar -= amount
	return consumed, nil
}

// ConsumeRange claims the sub-range want of a ranges candidate. Reserved
// resources are claimed whole.
func (p *ResourcePool) ConsumeRange(c Candidate, want Range) (Resource, error) {
	e, err := p.entry(c)
	if err != nil {
		return Resource{}, err
	}
	if e.res.Type != ResourceTypeRanges {
		return Resource{}, fmt.Errorf("cannot consume range of %s resource %s", e.res.Type, e.res.Name)
	}

	if !e.res.IsUnreserved() {
		if !rangesContain(e.res.Ranges, want) {
			return Resource{}, fmt.Errorf("%s does not contain %d-%d: %w", e.res, want.Begin, want.End, ErrInsufficientResource)
		}
		e.claimed = true
		return e.res.Clone(), nil
	}

	remaining, ok := subtractRange(e.res.Ranges, want)
	if !ok {
		return Resource{}, fmt.Errorf("%s does not contain %d-%d: %w", e.res, want.Begin, want.End, ErrInsufficientResource)
	}

	consumed := e.res.Clone()
	consumed.Ranges = []Range{want}
	e.res.Ranges = remaining
	if len(remaining) == 0 {
		e.claimed = true
	}
	return consumed, nil
}

// Snapshot captures the pool state.
func (p *ResourcePool) Snapshot() PoolSnapshot {
	s := PoolSnapshot{entries: make([]poolEntry, len(p.entries))}
	for i, e := range p.entries {
		s.entries[i] = poolEntry{res: e.res.Clone(), claimed: e.claimed}
	}
	return s
}

// Restore rolls the pool back to a snapshot.
func (p *ResourcePool) Restore(s PoolSnapshot) {
	p.entries = make([]poolEntry, len(s.entries))
	for i, e := range s.entries {
		p.entries[i] = poolEntry{res: e.res.Clone(), claimed: e.claimed}
	}
}

// Remaining returns the unclaimed resources left in the pool.
func (p *ResourcePool) Remaining() []Resource {
	var out []Resource
	for _, e := range p.entries {
		if !e.claimed && !isEmpty(e.res) {
			out = append(out, e.res.Clone())
		}
	}
	return out
}

func isEmpty(r Resource) bool {
	switch r.Type {
	case ResourceTypeRanges:
		return len(r.Ranges) == 0
	case ResourceTypeSet:
		return len(r.Set) == 0
	default:
		return r.Scalar <= epsilon
	}
}

func rangesContain(ranges []Range, want Range) bool {
	for _, r := range ranges {
		if want.Begin >= r.Begin && want.End <= r.End {
			return true
		}
	}
	return false
}

// subtractRange removes want from ranges. It fails unless want lies within a single range.
func subtractRange(ranges []Range, want Range) ([]Range, bool) {
	if want.End < want.Begin {
		return nil, false
	}
	for i, r := range ranges {
		if want.Begin < r.Begin || want.End > r.End {
			continue
		}
		out := append([]Range(nil), ranges[:i]...)
		if want.Begin > r.Begin {
			out = append(out, Range{Begin: r.Begin, End: want.Begin - 1})
		}
		if want.End < r.End {
			out = append(out, Range{Begin: want.End + 1, End: r.End})
		}
		out = append(out, ranges[i+1:]...)
		return out, true
	}
	return nil, false
}

// claim takes a candidate whole, whatever its type.
func (p *ResourcePool) claim(c Candidate) (Resource, error) {
	e, err := p.entry(c)
	if err != nil {
		return Resource{}, err
	}
	e.claimed = true
	return e.res.Clone(), nil
}
