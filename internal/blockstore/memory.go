package blockstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/driftdb/driftdb/internal/hash"
)

// Memory is an in-process block store. It is safe for concurrent use and is
// typically shared by every replica in one process.
type Memory struct {
	mu     sync.RWMutex
	blocks map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blocks: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	h := hash.Sum(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[h]; !ok {
		m.blocks[h] = append([]byte(nil), data...)
	}
	return h, nil
}

func (m *Memory) Get(ctx context.Context, h string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}

// ForEach visits blocks in address order.
func (m *Memory) ForEach(ctx context.Context, fn func(hash string, data []byte) error) error {
	m.mu.RLock()
	hashes := make([]string, 0, len(m.blocks))
	for h := range m.blocks {
		hashes = append(hashes, h)
	}
	m.mu.RUnlock()
	sort.Strings(hashes)

	for _, h := range hashes {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.RLock()
		data, ok := m.blocks[h]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn(h, data); err != nil {
			return err
		}
	}
	return nil
}
