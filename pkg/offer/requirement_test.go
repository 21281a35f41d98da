package offer

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRequirementValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Requirement)
		wantErr string
	}{
		{name: "valid", modify: func(*Requirement) {}},
		{name: "no task name", modify: func(r *Requirement) { r.TaskName = "" }, wantErr: "TaskName"},
		{name: "no task type", modify: func(r *Requirement) { r.TaskType = "" }, wantErr: "TaskType"},
		{name: "no role", modify: func(r *Requirement) { r.Role = "" }, wantErr: "Role"},
		{name: "unreserved role", modify: func(r *Requirement) { r.Role = UnreservedRole }, wantErr: "concrete role"},
		{name: "zero cpus", modify: func(r *Requirement) { r.Resources[0].Amount = 0 }, wantErr: "Amount"},
		{name: "nameless resource", modify: func(r *Requirement) { r.Resources[1].Name = "" }, wantErr: "Name"},
		{name: "nameless port", modify: func(r *Requirement) { r.Ports[0].Name = "" }, wantErr: "Name"},
		{name: "zero size volume", modify: func(r *Requirement) { r.Volumes[0].Size = 0 }, wantErr: "Size"},
		{name: "volume without path", modify: func(r *Requirement) { r.Volumes[0].ContainerPath = "" }, wantErr: "ContainerPath"},
		{name: "unknown disk source", modify: func(r *Requirement) { r.Volumes[0].Source = "BLOCK" }, wantErr: "invalid disk source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := daemonRequirement()
			tt.modify(req)

			err := req.Validate()
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("Validate: %v", err)
			case tt.wantErr != "" && err == nil:
				t.Errorf("expected an error mentioning %q", tt.wantErr)
			case tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr):
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestEvaluatorRejectsZeroSizeVolume(t *testing.T) {
	pool := NewResourcePool(daemonOffer("offer-1"))
	req := daemonRequirement()
	req.Volumes[0].Size = 0

	outcome, task := NewEvaluator().Evaluate(context.Background(), pool, req)
	if outcome.IsPassing() || task != nil {
		t.Fatalf("a zero size volume must fail before any stage runs:\n%s", outcome)
	}
	if len(outcome.Recommendations()) != 0 {
		t.Errorf("unexpected recommendations %v", outcome.Recommendations())
	}
}

func TestRequirementResourceIDs(t *testing.T) {
	req := daemonRequirement()
	if ids := req.ResourceIDs(); len(ids) != 0 {
		t.Errorf("fresh requirement reuses %v", ids)
	}

	req.Resources[0].ResourceID = "r-cpus"
	req.Ports[0].ResourceID = "r-port"
	req.Volumes[0].ResourceID = "r-disk"
	if diff := cmp.Diff([]string{"r-cpus", "r-port", "r-disk"}, req.ResourceIDs()); diff != "" {
		t.Errorf("resource ids mismatch (-want +got):\n%s", diff)
	}
}
