// Package history keeps the results of runs started through this process.
//
// Records live in memory, keyed by task id and newest first, and are
// written out wholesale after a short quiet period. Drivers:
//   - "file": a JSON list of records ordered by start time
//   - "sqlite": a SQLite database file (build tag sqlite)
//   - "" or "none": memory only
package history
