// Package stores provides the persistence layer for govframe.
// It includes a SQLite-based engine.RunStore with WAL mode and embedded
// migrations that records provisioning and plan runs, state transitions,
// task results and the core account ledger.
package stores
