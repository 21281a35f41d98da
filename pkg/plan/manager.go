package plan

// Manager owns the plan of one kind of cluster-wide operation.
type Manager interface {
	// Name identifies the operation kind, for example "deploy" or "backup".
	Name() string

	// Plan returns the current plan, or nil when no operation is active.
	Plan() *Plan

	// IsInProgress reports whether a plan exists and one of its blocks is
	// not complete.
	IsInProgress() bool

	// IsComplete reports whether a plan exists and all of its blocks are
	// complete.
	IsComplete() bool
}
