package offer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResourceCleaner(t *testing.T) {
	known := NewScalar(ResourceCPUs, 1).Reserve(testRole, testPrincipal, "r-known")
	orphan := NewScalar(ResourceMem, 1024).Reserve(testRole, testPrincipal, "r-orphan")
	orphanVolume := NewDisk(DiskSourceMount, 2000, "/mnt/disk1").
		Reserve(testRole, testPrincipal, "r-volume").
		WithPersistence("p-orphan", "cassandra-data")
	foreign := NewScalar(ResourceCPUs, 1).Reserve("other-role", "other", "r-foreign")

	pool := NewResourcePool(testOffer(known, orphan, orphanVolume, foreign, NewScalar(ResourceCPUs, 2)))
	recs := NewResourceCleaner(testRole, []string{"r-known"}, nil).Evaluate(pool)

	if diff := cmp.Diff([]OperationType{OperationDestroy, OperationUnreserve}, operationTypes(recs)); diff != "" {
		t.Fatalf("operation mismatch (-want +got):\n%s", diff)
	}

	destroyed := recs[0].Operation.Resources
	if len(destroyed) != 1 || destroyed[0].PersistenceID() != "p-orphan" {
		t.Errorf("expected p-orphan to be destroyed, got %v", destroyed)
	}

	var ids []string
	for _, r := range recs[1].Operation.Resources {
		ids = append(ids, r.ResourceID())
		if r.PersistenceID() != "" {
			t.Errorf("unreserved resource %s still carries a volume", r.ResourceID())
		}
	}
	if diff := cmp.Diff([]string{"r-orphan", "r-volume"}, ids); diff != "" {
		t.Errorf("unreserved ids mismatch (-want +got):\n%s", diff)
	}

	if _, ok := pool.Reserved("r-known"); !ok {
		t.Error("known reservation must stay in the pool")
	}
	if _, ok := pool.Reserved("r-foreign"); !ok {
		t.Error("reservations of other roles must be left alone")
	}
}

func TestResourceCleanerKeepsKnownVolumes(t *testing.T) {
	volume := NewDisk(DiskSourceMount, 2000, "/mnt/disk1").
		Reserve(testRole, testPrincipal, "r-volume").
		WithPersistence("p-known", "cassandra-data")
	pool := NewResourcePool(testOffer(volume))

	recs := NewResourceCleaner(testRole, nil, []string{"p-known"}).Evaluate(pool)
	if len(recs) != 0 {
		t.Errorf("expected no recommendations, got %v", operationTypes(recs))
	}
}
