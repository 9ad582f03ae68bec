// Package postgres stores kv containers as rows of a single Postgres table
// keyed by (container, key).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlfrontier/internal/kv"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for frontier state.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Backend stores every container in one table.
type Backend struct {
	pool  pool
	table string
}

// New connects to Postgres and ensures the table exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("kv.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b, err := NewWithPool(ctx, p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return b, nil
}

// NewWithPool builds a backend from an existing pool (primarily for testing).
func NewWithPool(ctx context.Context, p pool, table string) (*Backend, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "frontier_kv"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	b := &Backend{pool: p, table: table}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	container TEXT NOT NULL,
	key BYTEA NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (container, key)
)`, table)
	if _, err := p.Exec(ctx, query); err != nil {
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return b, nil
}

// Open implements kv.Backend.
func (b *Backend) Open(_ context.Context, name string) (kv.Container, error) {
	if err := kv.ValidateName(name); err != nil {
		return nil, err
	}
	return &Container{name: name, b: b}, nil
}

// Drop implements kv.Backend.
func (b *Backend) Drop(ctx context.Context, name string) error {
	if err := kv.ValidateName(name); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE container = $1`, b.table)
	if _, err := b.pool.Exec(ctx, query, name); err != nil {
		return fmt.Errorf("drop container %q: %w", name, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (b *Backend) Close() error {
	if b == nil || b.pool == nil {
		return nil
	}
	b.pool.Close()
	return nil
}

// Container is a view on the rows of one container.
type Container struct {
	name string
	b    *Backend
}

// Name implements kv.Container.
func (c *Container) Name() string { return c.name }

// Put implements kv.Container.
func (c *Container) Put(ctx context.Context, key, value []byte) error {
	query := fmt.Sprintf(`INSERT INTO %s (container, key, value) VALUES ($1, $2, $3)
ON CONFLICT (container, key) DO UPDATE SET value = EXCLUDED.value`, c.b.table)
	if _, err := c.b.pool.Exec(ctx, query, c.name, key, value); err != nil {
		return fmt.Errorf("put %s: %w", c.name, err)
	}
	return nil
}

// Get implements kv.Container.
func (c *Container) Get(ctx context.Context, key []byte) ([]byte, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE container = $1 AND key = $2`, c.b.table)
	var value []byte
	if err := c.b.pool.QueryRow(ctx, query, c.name, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", c.name, err)
	}
	return value, nil
}

// Has implements kv.Container.
func (c *Container) Has(ctx context.Context, key []byte) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE container = $1 AND key = $2)`, c.b.table)
	var ok bool
	if err := c.b.pool.QueryRow(ctx, query, c.name, key).Scan(&ok); err != nil {
		return false, fmt.Errorf("has %s: %w", c.name, err)
	}
	return ok, nil
}

// Delete implements kv.Container.
func (c *Container) Delete(ctx context.Context, key []byte) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE container = $1 AND key = $2`, c.b.table)
	if _, err := c.b.pool.Exec(ctx, query, c.name, key); err != nil {
		return fmt.Errorf("delete %s: %w", c.name, err)
	}
	return nil
}

// Len implements kv.Container.
func (c *Container) Len(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE container = $1`, c.b.table)
	var n int64
	if err := c.b.pool.QueryRow(ctx, query, c.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("len %s: %w", c.name, err)
	}
	return int(n), nil
}

// ForEach implements kv.Container. Rows are read fully before fn runs so fn
// may write to the container without holding a connection.
func (c *Container) ForEach(ctx context.Context, fn func(key, value []byte) error) error {
	query := fmt.Sprintf(`SELECT key, value FROM %s WHERE container = $1 ORDER BY key`, c.b.table)
	rows, err := c.b.pool.Query(ctx, query, c.name)
	if err != nil {
		return fmt.Errorf("iterate %s: %w", c.name, err)
	}
	type pair struct{ k, v []byte }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.k, &p.v); err != nil {
			rows.Close()
			return fmt.Errorf("scan %s: %w", c.name, err)
		}
		pairs = append(pairs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", c.name, err)
	}
	for _, p := range pairs {
		if err := fn(p.k, p.v); err != nil {
			if errors.Is(err, kv.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Clear implements kv.Container.
func (c *Container) Clear(ctx context.Context) error {
	return c.b.Drop(ctx, c.name)
}

// Close implements kv.Container. The pool is owned by the backend.
func (c *Container) Close() error { return nil }
