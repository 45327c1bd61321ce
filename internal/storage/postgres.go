package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "broadcastd/pkg/logx"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}

	st := &Store{db: stdlib.OpenDBFromPool(pool), d: postgresDialect, log: log, closeFn: pool.Close}
	// Migration scripts hold several statements; pool.Exec without arguments
	// uses the simple protocol, which accepts them.
	if err := st.migrate(ctx, func(ctx context.Context, script string) error {
		_, err := pool.Exec(ctx, script)
		return err
	}); err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Debug("postgres store ready", logx.Int("max_conns", int(pcfg.MaxConns)))
	return st, nil
}
