package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftdb/driftdb/internal/hash"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createBlocksTable = `CREATE TABLE IF NOT EXISTS driftdb_blocks (
	hash TEXT PRIMARY KEY,
	data BYTEA NOT NULL
)`

// Postgres stores blocks in a table so that peers on different hosts can
// share one block store.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if _, err := pool.Exec(ctx, createBlocksTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create blocks table: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Put(ctx context.Context, data []byte) (string, error) {
	h := hash.Sum(data)
	_, err := p.pool.Exec(ctx,
		"INSERT INTO driftdb_blocks (hash, data) VALUES ($1, $2) ON CONFLICT (hash) DO NOTHING",
		h, data,
	)
	if err != nil {
		return "", fmt.Errorf("failed to store block: %w", err)
	}
	return h, nil
}

func (p *Postgres) Get(ctx context.Context, h string) ([]byte, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, "SELECT data FROM driftdb_blocks WHERE hash = $1", h).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query block: %w", err)
	}
	return data, nil
}

func (p *Postgres) ForEach(ctx context.Context, fn func(hash string, data []byte) error) error {
	rows, err := p.pool.Query(ctx, "SELECT hash, data FROM driftdb_blocks ORDER BY hash")
	if err != nil {
		return fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			h    string
			data []byte
		)
		if err := rows.Scan(&h, &data); err != nil {
			return fmt.Errorf("failed to read block: %w", err)
		}
		if err := fn(h, data); err != nil {
			return err
		}
	}
	return rows.Err()
}
