// Package scheduler drives offer cycles.
//
// For every batch of offers the scheduler asks the candidate blocks of the
// highest-priority active plan for their requirements, evaluates each
// requirement against the offers in turn, persists the task record of every
// satisfied requirement and then accepts the used offers through an
// engine.Driver. Reservations of the service role that no task record
// references anymore are released in the same cycle. Unused offers are
// declined.
//
// Status updates are routed to the block that owns the task, by task name.
package scheduler
