package lock

import (
	"context"
	"database/sql"
	"fmt"
)

// Postgres uses session-level advisory locks. Each held lock pins one pooled
// connection until it is released.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Acquire(ctx context.Context, key string) (Release, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("acquire advisory lock %s: %w", key, err)
	}

	return func(ctx context.Context) error {
		defer conn.Close()
		var released bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key).Scan(&released); err != nil {
			return fmt.Errorf("release advisory lock %s: %w", key, err)
		}
		if !released {
			return fmt.Errorf("release advisory lock %s: %w", key, ErrNotHeld)
		}
		return nil
	}, nil
}
