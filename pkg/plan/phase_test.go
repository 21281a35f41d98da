package plan

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func blockNames(blocks []Block) []string {
	var names []string
	for _, b := range blocks {
		names = append(names, b.Name())
	}
	return names
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{name: "empty", want: StatusComplete},
		{name: "all pending", statuses: []Status{StatusPending, StatusPending}, want: StatusPending},
		{name: "all complete", statuses: []Status{StatusComplete, StatusComplete}, want: StatusComplete},
		{name: "one started", statuses: []Status{StatusInProgress, StatusPending}, want: StatusInProgress},
		{name: "partly complete", statuses: []Status{StatusComplete, StatusPending}, want: StatusInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveStatus(tt.statuses); got != tt.want {
				t.Errorf("deriveStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPhaseCandidates(t *testing.T) {
	blocks := []Block{
		&fakeBlock{name: "node-0", status: StatusComplete},
		&fakeBlock{name: "node-1", status: StatusInProgress},
		&fakeBlock{name: "node-2", status: StatusPending},
	}

	serial := NewPhase("deploy", StrategySerial, blocks...)
	if diff := cmp.Diff([]string{"node-1"}, blockNames(serial.Candidates())); diff != "" {
		t.Errorf("serial candidates mismatch (-want +got):\n%s", diff)
	}

	parallel := NewPhase("snapshot", StrategyParallel, blocks...)
	if diff := cmp.Diff([]string{"node-1", "node-2"}, blockNames(parallel.Candidates())); diff != "" {
		t.Errorf("parallel candidates mismatch (-want +got):\n%s", diff)
	}
	if serial.Status() != StatusInProgress {
		t.Errorf("Status() = %s, want IN_PROGRESS", serial.Status())
	}
}

func TestEmptyPhaseIsComplete(t *testing.T) {
	p := NewPhase("empty", StrategyParallel)
	if !p.IsComplete() {
		t.Error("empty phase should be complete")
	}
	if len(p.Candidates()) != 0 {
		t.Error("empty phase has no candidates")
	}
}

func TestPlanRunsPhasesInOrder(t *testing.T) {
	snap := &fakeBlock{name: "snapshot-node-0", status: StatusInProgress}
	upload := &fakeBlock{name: "upload-node-0", status: StatusPending}
	p := NewPlan("backup",
		NewPhase("snapshot", StrategyParallel, snap),
		NewPhase("upload", StrategyParallel, upload),
	)

	if diff := cmp.Diff([]string{"snapshot-node-0"}, blockNames(p.Candidates())); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}

	snap.status = StatusComplete
	if got := p.CurrentPhase().Name(); got != "upload" {
		t.Errorf("CurrentPhase() = %s, want upload", got)
	}
	if diff := cmp.Diff([]string{"upload-node-0"}, blockNames(p.Candidates())); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}

	upload.status = StatusComplete
	if !p.IsComplete() || p.CurrentPhase() != nil || len(p.Candidates()) != 0 {
		t.Error("plan should be complete")
	}
	if p.Block("upload-node-0") != upload {
		t.Error("Block() did not find upload-node-0")
	}
	if p.Block("node-9") != nil {
		t.Error("Block() found an unknown block")
	}
}

func TestStrategyValidate(t *testing.T) {
	if err := StrategySerial.Validate(); err != nil {
		t.Errorf("serial: %v", err)
	}
	if err := Strategy("random").Validate(); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
