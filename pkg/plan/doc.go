// Package plan drives tasks through their lifecycle.
//
// A Block owns one task. Each offer cycle the scheduler calls Start on the
// candidate blocks; a block inspects the persisted task record and status
// and answers with an offer.Requirement when the task must be launched or
// relaunched, or nil when there is nothing to do. The scheduler reports the
// outcome of the offer with UpdateOfferStatus and forwards task statuses to
// Update.
//
// Two variants exist:
//
//   - DaemonBlock keeps a long-running daemon on the target configuration.
//     A daemon found RUNNING on a stale configuration gets its executor shut
//     down (asynchronously, bounded by a timeout) and is then replaced.
//   - ClusterTaskBlock runs a snapshot, upload, download or restore task
//     against one daemon until it FINISHES.
//
// Blocks are grouped into Phases and Phases into a Plan. Status is derived
// upwards: PENDING while nothing started, COMPLETE once every block is,
// IN_PROGRESS otherwise. A Manager owns the plan of one operation kind; the
// DeploymentManager lives here, backup and restore in package backup.
package plan
