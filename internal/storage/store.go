package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	logx "broadcastd/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQL-backed persistence layer shared by both drivers.
type Store struct {
	db      *sql.DB
	d       dialect
	log     logx.Logger
	closeFn func()
}

// Driver reports the active driver name ("sqlite" or "postgres").
func (s *Store) Driver() string { return s.d.name }

func (s *Store) migrate(ctx context.Context, exec func(context.Context, string) error) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.d.name + ".sql")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	if err := exec(ctx, string(b)); err != nil {
		return fmt.Errorf("apply %s migrations: %w", s.d.name, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.closeFn != nil {
		s.closeFn()
	}
	return err
}

// DB exposes the connection pool for stats collectors.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

func (s *Store) insertID(ctx context.Context, q queryer, query string, args ...any) (int64, error) {
	var id int64
	if err := s.queryRow(ctx, q, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func int64Rows(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func notFound(what string, id int64, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return err
}
