// Package stores provides the persistence layer for deployed state records
// and run history.
//
// Three backends implement the same Store interface: SQLiteStore for local
// single-operator use, PostgresStore for shared team deployments, and
// MemoryStore for tests. The SQL backends manage their schema with embedded
// golang-migrate migrations.
//
// The claim operations give the executor run-level fencing: ClaimRecord is
// an atomic compare-and-set on the record row, so two concurrent runs can
// never execute the same action key at the same time. Claims expire after a
// TTL so a crashed run does not wedge its keys forever.
package stores
