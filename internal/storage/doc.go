// Package storage persists broadcasts, their outbound messages, forwarding
// rules, the contact directory and the message journal.
//
// Two drivers share one SQL implementation:
//   - "sqlite": modernc.org/sqlite, a single writer connection (default)
//   - "postgres": pgx/v5 via pgxpool, row locks with SKIP LOCKED for claims
package storage
