package blockstore

import (
	"context"
	"fmt"
	"time"

	"github.com/driftdb/driftdb/internal/hash"
	bolt "go.etcd.io/bbolt"
)

// BlocksBucket holds one key per block: the hash, mapping to the bytes.
var BlocksBucket = []byte("blocks")

// Bolt stores blocks in a bbolt file.
type Bolt struct {
	db *bolt.DB
}

func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(BlocksBucket); err != nil {
			return fmt.Errorf("failed to create blocks bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h := hash.Sum(data)
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BlocksBucket)
		if bucket.Get([]byte(h)) != nil {
			return nil
		}
		return bucket.Put([]byte(h), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to store block: %w", err)
	}
	return h, nil
}

func (b *Bolt) Get(ctx context.Context, h string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(BlocksBucket).Get([]byte(h))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

// Count returns the number of stored blocks.
func (b *Bolt) Count() (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(BlocksBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *Bolt) ForEach(ctx context.Context, fn func(hash string, data []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(BlocksBucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(string(k), v)
		})
	})
}
