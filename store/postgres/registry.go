// Package postgres provides a PostgreSQL-backed order registry.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	marketplace "github.com/givabit/marketplace"
)

// Schema creates the order state table. A digest without a row is open.
const Schema = `
CREATE TABLE IF NOT EXISTS marketplace_order_states (
	digest     BYTEA PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Registry is a marketplace.OrderRegistry stored in PostgreSQL
type Registry struct {
	DB *pgxpool.Pool
}

var _ marketplace.OrderRegistry = (*Registry)(nil)

// PoolConfig tunes the connection pool
type PoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultPoolConfig returns the pool settings used by the daemon
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:          10,
		MinConns:          1,
		MaxConnLifetime:   30 * time.Minute,
		HealthCheckPeriod: 30 * time.Second,
	}
}

// Connect opens a pool against dsn and applies the schema
func Connect(ctx context.Context, dsn string, pc PoolConfig) (*Registry, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = pc.MaxConns
	cfg.MinConns = pc.MinConns
	cfg.MaxConnLifetime = pc.MaxConnLifetime
	cfg.HealthCheckPeriod = pc.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	r := New(pool)
	if err := r.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func New(db *pgxpool.Pool) *Registry { return &Registry{DB: db} }

// Migrate applies Schema
func (r *Registry) Migrate(ctx context.Context) error {
	if _, err := r.DB.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *Registry) State(ctx context.Context, digest common.Hash) (marketplace.OrderState, error) {
	var raw string
	err := r.DB.QueryRow(ctx, `
SELECT state FROM marketplace_order_states WHERE digest=$1
`, digest.Bytes()).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return marketplace.OrderOpen, nil
		}
		return marketplace.OrderOpen, err
	}
	return marketplace.ParseOrderState(raw)
}

// Transition inserts the terminal row. The primary key makes the first
// writer win; a conflicting insert affects no rows.
func (r *Registry) Transition(ctx context.Context, digest common.Hash, to marketplace.OrderState) error {
	if !to.IsTerminal() {
		return fmt.Errorf("invalid target state %s", to)
	}
	tag, err := r.DB.Exec(ctx, `
INSERT INTO marketplace_order_states (digest, state)
VALUES ($1, $2)
ON CONFLICT (digest) DO NOTHING
`, digest.Bytes(), to.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return marketplace.ErrOrderNotOpen
	}
	return nil
}

// Release deletes the row only while it still holds from
func (r *Registry) Release(ctx context.Context, digest common.Hash, from marketplace.OrderState) error {
	_, err := r.DB.Exec(ctx, `
DELETE FROM marketplace_order_states WHERE digest=$1 AND state=$2
`, digest.Bytes(), from.String())
	return err
}

// Ping checks connectivity
func (r *Registry) Ping(ctx context.Context) error {
	return r.DB.Ping(ctx)
}

func (r *Registry) Close() {
	r.DB.Close()
}
