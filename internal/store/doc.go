// Package store provides SQLite-backed durable storage for appointment
// series, occurrences, attendees and deferred continuations.
//
// The store is a flat id-keyed record store:
//   - Series: recurrence definition and cascading field values
//   - Occurrences: one row per (series, sequence number)
//   - Attendees: one row per participant record on an occurrence
//   - Reasons: seeded cancellation and removal catalogs
//   - Continuations: deferred remainders of bulk operations
//
// # Idempotency
//
//   - UNIQUE(series_id, sequence_number) makes occurrence materialization
//     safe to repeat
//   - A partial unique index on (occurrence_id, prisoner_number) WHERE
//     removed_at IS NULL keeps active attendees unique
//   - Continuation ids are content hashes, inserted ON CONFLICT DO NOTHING
//
// # Transactions
//
// Every read and write happens inside WithTx. The pool holds a single
// connection, so one transaction is the consistency boundary for a
// synchronous leg of an operation.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Nothing is ever physically deleted; cancellation and removal are soft
// markers on the row.
package store
