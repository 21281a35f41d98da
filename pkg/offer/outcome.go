package offer

import (
	"fmt"
	"strings"

	"github.com/openfroyo/offerd/pkg/stores"
)

// OperationType is the kind of operation a recommendation applies to an offer.
type OperationType string

const (
	OperationReserve   OperationType = "RESERVE"
	OperationCreate    OperationType = "CREATE"
	OperationLaunch    OperationType = "LAUNCH"
	OperationUnreserve OperationType = "UNRESERVE"
	OperationDestroy   OperationType = "DESTROY"
)

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationReserve, OperationCreate, OperationLaunch, OperationUnreserve, OperationDestroy:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// TaskInfo is the task launched by a LAUNCH operation.
type TaskInfo struct {
	Name       string            `json:"name"`
	TaskID     string            `json:"task_id"`
	Type       string            `json:"type"`
	AgentID    string            `json:"agent_id"`
	Hostname   string            `json:"hostname,omitempty"`
	ExecutorID string            `json:"executor_id,omitempty"`
	Command    string            `json:"command"`
	Env        map[string]string `json:"env,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Resources  []Resource        `json:"resources"`
	// Refs maps each reserved resource to the key it is recorded under.
	Refs []stores.ResourceRef `json:"refs,omitempty"`
}

// Operation is one operation applied to an offer.
type Operation struct {
	Type      OperationType `json:"type"`
	Resources []Resource    `json:"resources,omitempty"`
	Task      *TaskInfo     `json:"task,omitempty"`
}

// Recommendation pairs an operation with the offer it applies to.
type Recommendation struct {
	OfferID   string    `json:"offer_id"`
	AgentID   string    `json:"agent_id"`
	Operation Operation `json:"operation"`
}

// Type returns the operation type.
func (r Recommendation) Type() OperationType {
	return r.Operation.Type
}

func newRecommendation(o *Offer, t OperationType, resources ...Resource) Recommendation {
	rec := Recommendation{Operation: Operation{Type: t, Resources: resources}}
	if o != nil {
		rec.OfferID = o.ID
		rec.AgentID = o.AgentID
	}
	return rec
}

// Reserve returns a RESERVE recommendation.
func Reserve(o *Offer, resources ...Resource) Recommendation {
	return newRecommendation(o, OperationReserve, resources...)
}

// Create returns a CREATE recommendation for persistent volumes.
func Create(o *Offer, volumes ...Resource) Recommendation {
	return newRecommendation(o, OperationCreate, volumes...)
}

// Unreserve returns an UNRESERVE recommendation.
func Unreserve(o *Offer, resources ...Resource) Recommendation {
	return newRecommendation(o, OperationUnreserve, resources...)
}

// Destroy returns a DESTROY recommendation for persistent volumes.
func Destroy(o *Offer, volumes ...Resource) Recommendation {
	return newRecommendation(o, OperationDestroy, volumes...)
}

// Launch returns a LAUNCH recommendation.
func Launch(o *Offer, task *TaskInfo) Recommendation {
	rec := newRecommendation(o, OperationLaunch)
	rec.Operation.Task = task
	return rec
}

// EvaluationOutcome is the result of evaluating one stage or one requirement
// against an offer. A failing outcome never carries recommendations.
type EvaluationOutcome struct {
	passing         bool
	source          string
	reason          string
	recommendations []Recommendation
	children        []EvaluationOutcome
}

// Pass returns a passing outcome.
func Pass(source string, recs []Recommendation, format string, args ...any) EvaluationOutcome {
	return EvaluationOutcome{
		passing:         true,
		source:          source,
		reason:          fmt.Sprintf(format, args...),
		recommendations: append([]Recommendation(nil), recs...),
	}
}

// Fail returns a failing outcome.
func Fail(source string, format string, args ...any) EvaluationOutcome {
	return EvaluationOutcome{
		source: source,
		reason: fmt.Sprintf(format, args...),
	}
}

// IsPassing reports whether the evaluation succeeded.
func (o EvaluationOutcome) IsPassing() bool {
	return o.passing
}

// Source names the stage or requirement that produced the outcome.
func (o EvaluationOutcome) Source() string {
	return o.source
}

// Reason is the human-readable explanation.
func (o EvaluationOutcome) Reason() string {
	return o.reason
}

// Recommendations returns the ordered recommendations of a passing outcome.
func (o EvaluationOutcome) Recommendations() []Recommendation {
	if !o.passing {
		return nil
	}
	return append([]Recommendation(nil), o.recommendations...)
}

// Children returns the per-stage outcomes of an aggregated outcome.
func (o EvaluationOutcome) Children() []EvaluationOutcome {
	return o.children
}

// FailedChild returns the first failing stage outcome, if any.
func (o EvaluationOutcome) FailedChild() (EvaluationOutcome, bool) {
	for _, c := range o.children {
		if !c.passing {
			return c, true
		}
	}
	return EvaluationOutcome{}, false
}

// String renders the outcome tree for logs.
func (o EvaluationOutcome) String() string {
	var b strings.Builder
	o.write(&b, 0)
	return strings.TrimRight(b.String(), "\n")
}

func (o EvaluationOutcome) write(b *strings.Builder, depth int) {
	state := "PASS"
	if !o.passing {
		state = "FAIL"
	}
	fmt.Fprintf(b, "%s%s(%s): %s\n", strings.Repeat("  ", depth), state, o.source, o.reason)
	for _, c := range o.children {
		c.write(b, depth+1)
	}
}
