package offer

import "sort"

// ResourceCleaner recommends releasing resources reserved for a role that no
// task record references anymore, such as the reservations of a removed
// node or of a launch that never reached the resource manager.
type ResourceCleaner struct {
	role        string
	resources   map[string]bool
	persistence map[string]bool
}

// NewResourceCleaner builds a cleaner that keeps every reservation and
// volume listed in expected.
func NewResourceCleaner(role string, expectedResourceIDs, expectedPersistenceIDs []string) *ResourceCleaner {
	c := &ResourceCleaner{
		role:        role,
		resources:   make(map[string]bool, len(expectedResourceIDs)),
		persistence: make(map[string]bool, len(expectedPersistenceIDs)),
	}
	for _, id := range expectedResourceIDs {
		c.resources[id] = true
	}
	for _, id := range expectedPersistenceIDs {
		c.persistence[id] = true
	}
	return c
}

// Evaluate claims every unexpected reservation left in the pool and returns
// DESTROY recommendations for its volumes followed by UNRESERVE
// recommendations for the resources.
func (c *ResourceCleaner) Evaluate(pool *ResourcePool) []Recommendation {
	var destroy, unreserve []Resource
	for _, cand := range pool.ReservedResources(c.role) {
		if c.resources[cand.ResourceID()] {
			continue
		}
		if pid := cand.PersistenceID(); pid != "" {
			if c.persistence[pid] {
				continue
			}
			destroy = append(destroy, cand.Clone())
		}
		res, err := pool.claim(cand)
		if err != nil {
			continue
		}
		if res.Disk != nil {
			res.Disk.Persistence = nil
		}
		unreserve = append(unreserve, res)
	}

	sort.SliceStable(unreserve, func(i, j int) bool { return unreserve[i].ResourceID() < unreserve[j].ResourceID() })

	o := pool.Offer()
	var recs []Recommendation
	if len(destroy) > 0 {
		recs = append(recs, Destroy(o, destroy...))
	}
	if len(unreserve) > 0 {
		recs = append(recs, Unreserve(o, unreserve...))
	}
	return recs
}
