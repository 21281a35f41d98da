// Package provider builds the offer requirements of daemons and cluster
// tasks from the current configuration.
//
// Persistent serves daemon blocks: a new daemon asks for fresh reservations,
// a replacement reuses the reservations and the persistent volume recorded
// for the task and stays on its agent. ClusterTask serves snapshot, upload,
// download and restore blocks, which run next to the daemon they operate on.
package provider
