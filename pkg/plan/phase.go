package plan

import "fmt"

// Strategy selects which blocks of a phase are started in a cycle.
type Strategy string

const (
	// StrategySerial starts only the first block that is not complete.
	StrategySerial Strategy = "serial"
	// StrategyParallel starts every block that is not complete.
	StrategyParallel Strategy = "parallel"
)

// Validate checks if the strategy is valid.
func (s Strategy) Validate() error {
	switch s {
	case StrategySerial, StrategyParallel:
		return nil
	default:
		return fmt.Errorf("invalid phase strategy: %s", s)
	}
}

// Phase is an ordered group of blocks forming one stage of a plan.
type Phase struct {
	name     string
	strategy Strategy
	blocks   []Block
}

// NewPhase creates a phase. Its status is derived from its blocks.
func NewPhase(name string, strategy Strategy, blocks ...Block) *Phase {
	return &Phase{
		name:     name,
		strategy: strategy,
		blocks:   append([]Block(nil), blocks...),
	}
}

// Name returns the phase name.
func (p *Phase) Name() string {
	return p.name
}

// Strategy returns the phase strategy.
func (p *Phase) Strategy() Strategy {
	return p.strategy
}

// Blocks returns the blocks of the phase in order.
func (p *Phase) Blocks() []Block {
	return append([]Block(nil), p.blocks...)
}

// Status is PENDING if no block started, COMPLETE iff every block is
// complete, IN_PROGRESS otherwise. An empty phase is complete.
func (p *Phase) Status() Status {
	statuses := make([]Status, len(p.blocks))
	for i, b := range p.blocks {
		statuses[i] = b.Status()
	}
	return deriveStatus(statuses)
}

// IsComplete reports whether every block is complete.
func (p *Phase) IsComplete() bool {
	return p.Status() == StatusComplete
}

// Candidates returns the blocks to start in this cycle.
func (p *Phase) Candidates() []Block {
	var out []Block
	for _, b := range p.blocks {
		if b.Status() == StatusComplete {
			continue
		}
		out = append(out, b)
		if p.strategy == StrategySerial {
			break
		}
	}
	return out
}

// Plan is the ordered set of phases of one cluster-wide operation. Phases
// run one after the other.
type Plan struct {
	name   string
	phases []*Phase
}

// NewPlan creates a plan.
func NewPlan(name string, phases ...*Phase) *Plan {
	return &Plan{name: name, phases: append([]*Phase(nil), phases...)}
}

// Name returns the plan name.
func (p *Plan) Name() string {
	return p.name
}

// Phases returns the phases of the plan in order.
func (p *Plan) Phases() []*Phase {
	return append([]*Phase(nil), p.phases...)
}

// Status is derived from the phases like a phase's status is derived from
// its blocks.
func (p *Plan) Status() Status {
	statuses := make([]Status, len(p.phases))
	for i, ph := range p.phases {
		statuses[i] = ph.Status()
	}
	return deriveStatus(statuses)
}

// IsComplete reports whether every phase is complete.
func (p *Plan) IsComplete() bool {
	return p.Status() == StatusComplete
}

// CurrentPhase returns the first phase that is not complete, or nil.
func (p *Plan) CurrentPhase() *Phase {
	for _, ph := range p.phases {
		if !ph.IsComplete() {
			return ph
		}
	}
	return nil
}

// Candidates returns the blocks of the current phase to start in this cycle.
func (p *Plan) Candidates() []Block {
	if ph := p.CurrentPhase(); ph != nil {
		return ph.Candidates()
	}
	return nil
}

// Block returns the block driving the named task, or nil.
func (p *Plan) Block(name string) Block {
	for _, ph := range p.phases {
		for _, b := range ph.blocks {
			if b.Name() == name {
				return b
			}
		}
	}
	return nil
}
