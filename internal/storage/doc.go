// Package storage persists mention records, channel subscriptions, the
// username directory and the operator audit log.
//
// Drivers: memory, file (journal + snapshot), sqlite and postgres (sqlx).
package storage
