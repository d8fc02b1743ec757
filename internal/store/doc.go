// Package store provides SQLite-backed durable storage for branch update
// logs.
//
// Each branch, keyed "{recordName}/{inst}/{branch}", is an append-only log
// of CRDT updates:
//   - branch_updates: ordered by seq, deduplicated by content id
//   - branch_snapshots: one zstd compressed merge of the log prefix
//
// Reading a branch returns its snapshot, if any, followed by the updates
// appended after it. Compact folds the whole log into a new snapshot.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// The store serves as the hub persister and as the local cache CRDT
// partitions restore from at Connect.
package store
