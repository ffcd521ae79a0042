// Package store provides the durable identity and timeseries layer for
// driftmq, backed by an embedded SQLite database.
//
// The store owns device records, groups and memberships, device online
// status, peer broker records, per-peer device share rows, and the per-day
// timeseries tables. Every query runs through a prepared-statement cache
// keyed by its SQL text; the database is opened in WAL mode with relaxed
// synchronous writes and an enlarged page cache.
//
// All methods are safe for concurrent use. Statement preparation is
// serialized behind a mutex; executions proceed concurrently on the
// underlying database/sql pool.
package store
