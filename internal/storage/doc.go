// Package storage keeps the run history of scheduled jobs.
//
// Drivers:
//   - "file": JSON Lines log, compacted periodically
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
//
// An empty driver or "none" disables history; Open then returns (nil, nil)
// and callers treat a nil Store as "not recorded".
package storage
