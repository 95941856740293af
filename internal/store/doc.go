// Package store provides SQLite-backed recording of worker frames.
//
// Every frame a worker consumes ("in") or publishes ("out") can be logged as
// its size and a domain-separated SHA-256 digest, keyed by run and ordered
// by a per-run logical clock. Two runs with the same seed, configuration and
// action sequence must record identical logs; CompareRuns reports the first
// frame where they differ.
//
// Payloads themselves are never stored. A frame lives in shared memory only
// until the next one overwrites it.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
