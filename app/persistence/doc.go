// Package persistence keeps history of reconstruction runs in SQLite with WAL mode.
// Store receives job and batch events from the orchestrator and records runs, per-iteration
// metrics and batch outcomes.
package persistence
