// Package stores provides the state store of the scheduler: persisted task
// records, task statuses and named properties such as an in-flight backup
// context. SQLite (WAL mode, embedded migrations), etcd and in-memory
// implementations share the StateStore interface.
package stores
