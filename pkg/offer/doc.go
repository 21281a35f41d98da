// Package offer evaluates resource offers against task requirements.
//
// An offer is copied into a ResourcePool for one offer cycle. Each
// requirement runs through a pipeline of EvaluationStages (placement,
// scalar reservations, ports, persistent volumes, launch) that claim
// resources from the pool and emit ordered Recommendations: RESERVE before
// CREATE before LAUNCH. Evaluation is all-or-nothing per requirement: a
// failing stage rolls the pool back and yields no recommendations.
//
// Resources already reserved for the role are recognised by their
// resource_id reservation label and reused instead of being reserved again,
// so relaunching a task on the resources it held never double-reserves.
// ResourceCleaner releases reservations that no task references anymore.
package offer
