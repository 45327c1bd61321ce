package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrDisabled      = errors.New("storage: broadcast disabled")
	ErrUnknownDriver = errors.New("storage: unknown driver")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (or "sqlite3"): database file at Path
//   - "postgres" (or "pgx"): server at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means pgxpool default
}

// ForwardedCount aggregates the broadcasts produced by one forwarding rule.
type ForwardedCount struct {
	RuleID     int64
	Broadcasts int
	Messages   int
}
