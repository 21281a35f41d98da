package offer

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func daemonOffer(id string) *Offer {
	return &Offer{
		ID:       id,
		AgentID:  "agent-1",
		Hostname: "host-1",
		Resources: []Resource{
			NewScalar(ResourceCPUs, 4),
			NewScalar(ResourceMem, 8192),
			NewRanges(ResourcePorts, Range{Begin: 9000, End: 9100}),
			NewDisk(DiskSourceMount, 20000, "/mnt/disk1"),
		},
	}
}

func daemonRequirement() *Requirement {
	return &Requirement{
		TaskName:  "node-0",
		TaskType:  "daemon",
		Role:      testRole,
		Principal: testPrincipal,
		Resources: []ResourceSpec{
			{Name: ResourceCPUs, Amount: 1},
			{Name: ResourceMem, Amount: 4096},
		},
		Ports:   []PortSpec{{Name: "native", Port: 9042}},
		Volumes: []VolumeSpec{{Source: DiskSourceMount, Size: 10000, ContainerPath: "cassandra-data"}},
		Task: TaskSpec{
			Command: "cassandra -f",
			Labels:  map[string]string{"config_id": "c-1"},
		},
	}
}

func operationTypes(recs []Recommendation) []OperationType {
	var out []OperationType
	for _, r := range recs {
		out = append(out, r.Type())
	}
	return out
}

func TestEvaluatorOrdersRecommendations(t *testing.T) {
	e := NewEvaluator()
	pool := NewResourcePool(daemonOffer("offer-1"))

	outcome, task := e.Evaluate(context.Background(), pool, daemonRequirement())
	if !outcome.IsPassing() {
		t.Fatalf("expected passing outcome:\n%s", outcome)
	}

	want := []OperationType{OperationReserve, OperationReserve, OperationReserve, OperationReserve, OperationCreate, OperationLaunch}
	if diff := cmp.Diff(want, operationTypes(outcome.Recommendations())); diff != "" {
		t.Errorf("operation order mismatch (-want +got):\n%s", diff)
	}

	if task == nil {
		t.Fatal("expected launched task")
	}
	if task.AgentID != "agent-1" || task.Name != "node-0" {
		t.Errorf("unexpected task %+v", task)
	}
	if task.Env["PORT_NATIVE"] != "9042" {
		t.Errorf("expected PORT_NATIVE=9042, got %q", task.Env["PORT_NATIVE"])
	}
	if len(task.Refs) != 4 {
		t.Fatalf("expected 4 resource refs, got %v", task.Refs)
	}
	for _, ref := range task.Refs {
		if ref.ResourceID == "" {
			t.Errorf("ref %s has no resource id", ref.Name)
		}
	}

	launch := outcome.Recommendations()[5]
	if launch.Operation.Task != task {
		t.Error("LAUNCH must carry the launched task")
	}
}

func TestEvaluatorRollsBackOnFailure(t *testing.T) {
	e := NewEvaluator()
	o := daemonOffer("offer-1")
	o.Resources[3] = NewDisk(DiskSourceMount, 500, "/mnt/small")
	pool := NewResourcePool(o)
	before := pool.Remaining()

	outcome, task := e.Evaluate(context.Background(), pool, daemonRequirement())
	if outcome.IsPassing() {
		t.Fatal("expected failing outcome")
	}
	if task != nil {
		t.Error("expected no task on failure")
	}
	if len(outcome.Recommendations()) != 0 {
		t.Error("expected no recommendations on failure")
	}
	failed, ok := outcome.FailedChild()
	if !ok || failed.Source() != "volume" {
		t.Errorf("expected the volume stage to fail, got %v", failed.Source())
	}
	if diff := cmp.Diff(before, pool.Remaining()); diff != "" {
		t.Errorf("pool not rolled back (-want +got):\n%s", diff)
	}
}

func TestEvaluatorNoDoubleBooking(t *testing.T) {
	e := NewEvaluator()
	pool := NewResourcePool(testOffer(NewScalar(ResourceCPUs, 1.5)))

	req := func(name string) *Requirement {
		return &Requirement{
			TaskName:  name,
			TaskType:  "daemon",
			Role:      testRole,
			Resources: []ResourceSpec{{Name: ResourceCPUs, Amount: 1}},
		}
	}

	first, _ := e.Evaluate(context.Background(), pool, req("node-0"))
	if !first.IsPassing() {
		t.Fatalf("expected first requirement to pass:\n%s", first)
	}
	second, _ := e.Evaluate(context.Background(), pool, req("node-1"))
	if second.IsPassing() {
		t.Fatal("expected second requirement to fail on the shared pool")
	}
}

// reofferedResources turns the accepted recommendations of one cycle into
// the reserved resources the resource manager offers on the next cycle.
func reofferedResources(recs []Recommendation) []Resource {
	byID := map[string]Resource{}
	var order []string
	for _, rec := range recs {
		if rec.Type() != OperationReserve && rec.Type() != OperationCreate {
			continue
		}
		for _, r := range rec.Operation.Resources {
			id := r.ResourceID()
			if _, ok := byID[id]; !ok {
				order = append(order, id)
			}
			byID[id] = r
		}
	}
	var out []Resource
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func TestEvaluatorReplacementDoesNotReserveTwice(t *testing.T) {
	e := NewEvaluator()
	first, task := e.Evaluate(context.Background(), NewResourcePool(daemonOffer("offer-1")), daemonRequirement())
	if !first.IsPassing() {
		t.Fatalf("expected first cycle to pass:\n%s", first)
	}

	second := daemonOffer("offer-2")
	second.Resources = append(reofferedResources(first.Recommendations()), NewScalar(ResourceCPUs, 3))

	replacement := daemonRequirement()
	replacement.AgentID = "agent-1"
	replacement.Resources[0].ResourceID = refID(task, ResourceCPUs)
	replacement.Resources[1].ResourceID = refID(task, ResourceMem)
	replacement.Ports[0].ResourceID = refID(task, PortKey("native"))
	replacement.Volumes[0].ResourceID = refID(task, VolumeKey("cassandra-data"))

	outcome, relaunched := e.Evaluate(context.Background(), NewResourcePool(second), replacement)
	if !outcome.IsPassing() {
		t.Fatalf("expected replacement to pass:\n%s", outcome)
	}
	if diff := cmp.Diff([]OperationType{OperationLaunch}, operationTypes(outcome.Recommendations())); diff != "" {
		t.Errorf("replacement must only launch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(task.Refs, relaunched.Refs); diff != "" {
		t.Errorf("replacement must reuse the same reservations (-want +got):\n%s", diff)
	}
}

func refID(task *TaskInfo, key string) string {
	for _, ref := range task.Refs {
		if ref.Name == key {
			return ref.ResourceID
		}
	}
	return ""
}

func TestEvaluatorAgentPinning(t *testing.T) {
	e := NewEvaluator()
	req := daemonRequirement()
	req.AgentID = "agent-2"

	outcome, _ := e.Evaluate(context.Background(), NewResourcePool(daemonOffer("offer-1")), req)
	if outcome.IsPassing() {
		t.Fatal("expected a pinned requirement to reject other agents")
	}
	if failed, ok := outcome.FailedChild(); !ok || failed.Source() != StagePinning {
		t.Errorf("expected the pinning check to fail, got %v", outcome)
	}
}

type fakePlacementPolicy struct {
	allowed bool
	inputs  []*PlacementInput
}

func (f *fakePlacementPolicy) EvaluatePlacement(_ context.Context, input *PlacementInput) (*PlacementDecision, error) {
	f.inputs = append(f.inputs, input)
	if f.allowed {
		return &PlacementDecision{Allowed: true}, nil
	}
	return &PlacementDecision{Reasons: []string{"agent already runs a daemon"}}, nil
}

type fakeAgentTasks map[string][]AgentTask

func (f fakeAgentTasks) TasksOnAgent(_ context.Context, agentID string) ([]AgentTask, error) {
	return f[agentID], nil
}

func TestEvaluatorPlacementPolicy(t *testing.T) {
	policy := &fakePlacementPolicy{}
	tasks := fakeAgentTasks{"agent-1": {{Name: "node-1", Type: "daemon"}}}
	e := NewEvaluator(WithPlacementPolicy(policy, tasks))
	pool := NewResourcePool(daemonOffer("offer-1"))

	outcome, _ := e.Evaluate(context.Background(), pool, daemonRequirement())
	if outcome.IsPassing() {
		t.Fatal("expected placement denial")
	}
	if len(policy.inputs) != 1 {
		t.Fatalf("expected 1 policy evaluation, got %d", len(policy.inputs))
	}
	if diff := cmp.Diff(tasks["agent-1"], policy.inputs[0].AgentTasks); diff != "" {
		t.Errorf("agent tasks mismatch (-want +got):\n%s", diff)
	}

	policy.allowed = true
	outcome, _ = e.Evaluate(context.Background(), pool, daemonRequirement())
	if !outcome.IsPassing() {
		t.Fatalf("expected placement to be allowed:\n%s", outcome)
	}
}

func TestPortEnv(t *testing.T) {
	for name, want := range map[string]string{
		"native":           "PORT_NATIVE",
		"native-transport": "PORT_NATIVE_TRANSPORT",
		"jmx.remote":       "PORT_JMX_REMOTE",
	} {
		if got := portEnv(name); got != want {
			t.Errorf("portEnv(%q) = %q, want %q", name, got, want)
		}
	}
}
