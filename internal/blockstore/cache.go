package blockstore

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// Cache keeps recently used blocks in memory and collapses concurrent reads
// of the same block into one call to the underlying store.
type Cache struct {
	store  Store
	blocks *lru.Cache
	group  singleflight.Group
}

func NewCache(store Store, size int) (*Cache, error) {
	blocks, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cache: %w", err)
	}
	return &Cache{store: store, blocks: blocks}, nil
}

func (c *Cache) Put(ctx context.Context, data []byte) (string, error) {
	h, err := c.store.Put(ctx, data)
	if err != nil {
		return "", err
	}
	c.blocks.Add(h, append([]byte(nil), data...))
	return h, nil
}

func (c *Cache) Get(ctx context.Context, h string) ([]byte, error) {
	if v, ok := c.blocks.Get(h); ok {
		return append([]byte(nil), v.([]byte)...), nil
	}

	v, err, _ := c.group.Do(h, func() (interface{}, error) {
		data, err := c.store.Get(ctx, h)
		if err != nil {
			return nil, err
		}
		c.blocks.Add(h, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v.([]byte)...), nil
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	return c.blocks.Len()
}

// ForEach walks the underlying store, bypassing the cache.
func (c *Cache) ForEach(ctx context.Context, fn func(hash string, data []byte) error) error {
	w, ok := c.store.(Walker)
	if !ok {
		return fmt.Errorf("underlying block store cannot enumerate blocks")
	}
	return w.ForEach(ctx, fn)
}
