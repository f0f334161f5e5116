package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/driftdb/driftdb/internal/entry"
)

// KeyValueStore reduces the log to a map where, per key, the PUT or DEL that
// is last in canonical order wins.
type KeyValueStore struct {
	*Store
	index *kvIndex
}

func OpenKeyValue(ctx context.Context, cfg Config) (*KeyValueStore, error) {
	index := newKVIndex()
	s, err := open(ctx, cfg, index)
	if err != nil {
		return nil, err
	}
	return &KeyValueStore{Store: s, index: index}, nil
}

func (kv *KeyValueStore) Put(ctx context.Context, key string, value interface{}) (string, error) {
	p, err := entry.Put(key, value)
	if err != nil {
		return "", err
	}
	return kv.Write(ctx, p)
}

// Set is an alias for Put.
func (kv *KeyValueStore) Set(ctx context.Context, key string, value interface{}) (string, error) {
	return kv.Put(ctx, key, value)
}

func (kv *KeyValueStore) Del(ctx context.Context, key string) (string, error) {
	return kv.Write(ctx, entry.Del(key))
}

// Get decodes the current value of key into v. It reports false when the
// key is absent or deleted.
func (kv *KeyValueStore) Get(key string, v interface{}) (bool, error) {
	raw, ok, err := kv.GetRaw(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode value of %q: %w", key, err)
	}
	return true, nil
}

// GetRaw returns the stored JSON of key.
func (kv *KeyValueStore) GetRaw(key string) (json.RawMessage, bool, error) {
	if err := kv.refresh(context.Background()); err != nil {
		return nil, false, err
	}
	raw, ok := kv.index.get(key)
	return raw, ok, nil
}

// Keys returns the live keys, sorted.
func (kv *KeyValueStore) Keys() ([]string, error) {
	if err := kv.refresh(context.Background()); err != nil {
		return nil, err
	}
	return kv.index.keys(), nil
}

func (kv *KeyValueStore) All() (map[string]json.RawMessage, error) {
	if err := kv.refresh(context.Background()); err != nil {
		return nil, err
	}
	return kv.index.snapshot(), nil
}

type kvIndex struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

func newKVIndex() *kvIndex {
	return &kvIndex{values: make(map[string]json.RawMessage)}
}

// rebuild reduces entries into a new map and swaps it in at once, so readers
// see either the old reduction or the complete new one.
func (x *kvIndex) rebuild(entries iter.Seq2[*entry.Entry, error]) error {
	values := make(map[string]json.RawMessage)
	for e, err := range entries {
		if err != nil {
			return err
		}
		reduce(values, e)
	}

	x.mu.Lock()
	x.values = values
	x.mu.Unlock()
	return nil
}

func (x *kvIndex) apply(e *entry.Entry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	reduce(x.values, e)
}

func reduce(values map[string]json.RawMessage, e *entry.Entry) {
	switch e.Payload.Op {
	case entry.OpPut:
		values[e.Payload.Key] = e.Payload.Value
	case entry.OpDel:
		delete(values, e.Payload.Key)
	}
}

func (x *kvIndex) get(key string) (json.RawMessage, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	v, ok := x.values[key]
	return v, ok
}

func (x *kvIndex) keys() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	keys := make([]string, 0, len(x.values))
	for k := range x.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (x *kvIndex) snapshot() map[string]json.RawMessage {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(x.values))
	for k, v := range x.values {
		out[k] = v
	}
	return out
}
