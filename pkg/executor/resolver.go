package executor

import (
	"context"
	"fmt"

	"github.com/openfroyo/offerd/pkg/stores"
)

// StoreResolver resolves executors through the persisted task records: the
// executor runs on the agent of the task launched with its id.
type StoreResolver struct {
	store stores.StateStore
}

// NewStoreResolver creates a resolver backed by store.
func NewStoreResolver(store stores.StateStore) *StoreResolver {
	return &StoreResolver{store: store}
}

// ResolveHost returns the hostname of the agent running executorID.
func (r *StoreResolver) ResolveHost(ctx context.Context, executorID string) (string, error) {
	records, err := r.store.FetchTaskRecords(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch task records: %w", err)
	}
	for _, rec := range records {
		if rec.ExecutorID != executorID {
			continue
		}
		if rec.Hostname == "" {
			return "", fmt.Errorf("task %s of executor %s has no hostname", rec.Name, executorID)
		}
		return rec.Hostname, nil
	}
	return "", fmt.Errorf("executor %s: %w", executorID, stores.ErrNotFound)
}
