package scheduler

import (
	"context"
	"fmt"

	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/stores"
)

// AgentTasks lists the live tasks of an agent from the state store. A task
// is live from the moment its record is written until a terminal status is
// observed, so tasks launched earlier in the same cycle are included.
type AgentTasks struct {
	store stores.StateStore
}

var _ offer.AgentTaskLister = (*AgentTasks)(nil)

// NewAgentTasks returns a lister backed by store.
func NewAgentTasks(store stores.StateStore) *AgentTasks {
	return &AgentTasks{store: store}
}

func (a *AgentTasks) TasksOnAgent(ctx context.Context, agentID string) ([]offer.AgentTask, error) {
	records, err := a.store.FetchTaskRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch task records: %w", err)
	}

	var tasks []offer.AgentTask
	for _, r := range records {
		if r.AgentID != agentID {
			continue
		}
		status, err := a.store.FetchTaskStatus(ctx, r.Name)
		switch {
		case stores.IsNotFound(err):
		case err != nil:
			return nil, fmt.Errorf("failed to fetch status of %s: %w", r.Name, err)
		case status.TaskID == r.TaskID && status.State.IsTerminal():
			continue
		}
		tasks = append(tasks, offer.AgentTask{Name: r.Name, Type: r.Type})
	}
	return tasks, nil
}
