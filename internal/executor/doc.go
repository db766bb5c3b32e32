// Package executor runs external commands for every backend.
//
// It owns three guarantees the rest of the repo relies on:
//   - the child environment never carries deny-listed injection variables
//   - stdout/stderr are drained while the child runs and capped in memory
//   - a watchdog kills the whole process group once the timeout elapses
//
// A non-zero exit code is data, not an error. Only a failed spawn is an error.
package executor
