// Package store provides the database handle used by sessions and queries.
//
// # Connection discipline
//
//   - Standalone queries borrow a connection for one execution and return it
//     before the call returns (Store.Query).
//   - A submit holds one connection for its whole transaction (Store.Begin).
//     Queries issued while the submit runs go through Tx.Query so they see
//     the transaction's uncommitted writes.
//
// # Database Configuration
//
// SQLite (github.com/mattn/go-sqlite3):
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - one open connection, since pragmas are per connection
//
// PostgreSQL (github.com/lib/pq) needs no per-connection setup.
//
// # Migrations
//
// Migrate applies numbered DDL steps once. SQLite tracks the version in
// PRAGMA user_version; PostgreSQL in a keel_schema_version table.
package store
