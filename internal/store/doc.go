// Package store provides persistent storage for the relay using SQLite.
//
// # Tables
//
//   - delivery_jobs: queued chunks. Each conversation's jobs form a line
//     ordered by an autoincrement position; only the head of a line is ever
//     claimed, so a failed or in-flight job blocks the chunks behind it.
//   - delivery_failures: dead records for jobs that exhausted their attempts,
//     with the operator resolution once one is applied.
//   - sent_chunks: ledger of delivered chunks keyed by job ID.
//
// SQLiteStore implements delivery.Queue and delivery.ConversationStore in a
// single struct. Instants are stored as Unix milliseconds.
package store
