// Package blockstore provides content-addressed storage of immutable blocks.
// A block's address is the hash.Sum of its bytes.
package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftdb/driftdb/internal/entry"
)

var ErrNotFound = errors.New("block not found")

type Store interface {
	// Put stores data and returns its content address. Storing the same
	// bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
}

// Walker is implemented by stores that can enumerate their blocks. fn
// receives the stored address and bytes; the bytes are only valid during
// the call.
type Walker interface {
	ForEach(ctx context.Context, fn func(hash string, data []byte) error) error
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// PutEntry stores the canonical encoding of e and checks that the store
// addressed it under e.Hash.
func PutEntry(ctx context.Context, s Store, e *entry.Entry) error {
	h, err := s.Put(ctx, e.Bytes())
	if err != nil {
		return fmt.Errorf("failed to store entry %s: %w", e.Hash, err)
	}
	if h != e.Hash {
		return fmt.Errorf("block store addressed entry %s as %s", e.Hash, h)
	}
	return nil
}

// GetEntry fetches and decodes the entry stored under h.
func GetEntry(ctx context.Context, s Store, h string) (*entry.Entry, error) {
	data, err := s.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	return entry.Decode(h, data)
}

// Loader reads evicted log entries back from a block store.
type Loader struct {
	Store Store
}

func (l Loader) Load(ctx context.Context, h string) (*entry.Entry, error) {
	return GetEntry(ctx, l.Store, h)
}
