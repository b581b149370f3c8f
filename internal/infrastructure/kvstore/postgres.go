package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores key/value pairs in a single table. It exists for
// deployments that already run a database; Bolt remains the default.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool and ensures the kv table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			key   BYTEA PRIMARY KEY,
			value BYTEA NOT NULL
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to init kv table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (p *Postgres) Put(ctx context.Context, key, value []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv (key, value) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value
	`, key, value)
	return err
}

func (p *Postgres) Delete(ctx context.Context, key []byte) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM kv WHERE key=$1`, key)
	return err
}

func (p *Postgres) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	upper := prefixUpperBound(prefix)
	var rows pgx.Rows
	var err error
	if upper == nil {
		rows, err = p.pool.Query(ctx, `SELECT key, value FROM kv WHERE key >= $1 ORDER BY key`, prefix)
	} else {
		rows, err = p.pool.Query(ctx, `SELECT key, value FROM kv WHERE key >= $1 AND key < $2 ORDER BY key`, prefix, upper)
	}
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key, value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such bound exists.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
