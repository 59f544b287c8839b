// Package storage persists reminder definitions, instances and the data
// they are reconciled against (cases, users, callback acks), plus an
// append-only delivery audit.
//
// Drivers:
//   - "memory": process-local maps; deliveries optionally journaled to JSONL
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
package storage
