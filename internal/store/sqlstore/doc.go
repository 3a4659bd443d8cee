// Package sqlstore is the relational strong Store Adapter.
//
// It runs on SQLite (mattn/go-sqlite3) or PostgreSQL (jackc/pgx through
// database/sql). The same statements serve both; placeholders are rebound
// for PostgreSQL.
//
// # Tables
//
//   - documents: the current record per id
//   - document_versions: append-only audit history, one row per accepted
//     version; compensated writes remove their own history row
//
// # Atomicity
//
// Every Write, DeleteMarker and Restore runs in one transaction. The upsert
// carries the version guard in its WHERE clause, so a concurrent writer can
// never be overwritten by an older record even between the read and the
// write.
//
// # SQLite configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package sqlstore
