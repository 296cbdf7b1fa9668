// Package stores provides the SQLite persistence layer for conveyor.
//
// SQLiteStore keeps pipelines, their steps, CI tool configurations,
// executions, step executions and the per-execution event timeline. The
// schema is versioned with golang-migrate from embedded SQL files. It
// implements engine.RecordStore and engine.PipelineSource, and enforces the
// terminal-state guard in SQL so that a finished execution can never be
// moved to another status.
package stores
