package store

import (
	"context"

	"github.com/driftdb/driftdb/internal/entry"
	"github.com/driftdb/driftdb/internal/oplog"
)

// EventLogStore is an append-only sequence of values. Every entry is visible
// exactly once, in canonical order.
type EventLogStore struct {
	*Store
}

func OpenEventLog(ctx context.Context, cfg Config) (*EventLogStore, error) {
	s, err := open(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	return &EventLogStore{Store: s}, nil
}

// Add appends value and returns the hash of the new entry.
func (s *EventLogStore) Add(ctx context.Context, value interface{}) (string, error) {
	p, err := entry.Add(value)
	if err != nil {
		return "", err
	}
	return s.Write(ctx, p)
}

func (s *EventLogStore) Get(ctx context.Context, h string) (*entry.Entry, error) {
	return s.log.Get(ctx, h)
}

// IteratorOptions selects entries by hash bounds. Limit 0 selects the single
// newest entry and a negative Limit selects all. Without a lower bound the
// newest Limit entries of the range are returned, otherwise the oldest Limit
// entries after the bound.
type IteratorOptions struct {
	Limit   int
	GT      string
	GTE     string
	LT      string
	LTE     string
	Reverse bool
}

// Iterator walks a window of the log fixed when it was created.
type Iterator struct {
	entries []*entry.Entry
	pos     int
	err     error
}

func (s *EventLogStore) Iterator(ctx context.Context, opts IteratorOptions) *Iterator {
	limit := opts.Limit
	if limit == 0 {
		limit = 1
	}

	ro := oplog.RangeOptions{
		GT:     opts.GT,
		GTE:    opts.GTE,
		LT:     opts.LT,
		LTE:    opts.LTE,
		Limit:  limit,
		Newest: opts.GT == "" && opts.GTE == "",
	}

	it := &Iterator{}
	for e, err := range s.log.Range(ctx, ro) {
		if err != nil {
			it.err = err
			it.entries = nil
			return it
		}
		it.entries = append(it.entries, e)
	}

	if opts.Reverse {
		for i, j := 0, len(it.entries)-1; i < j; i, j = i+1, j-1 {
			it.entries[i], it.entries[j] = it.entries[j], it.entries[i]
		}
	}
	return it
}

// Next returns the next entry, or false when the iterator is exhausted or
// failed.
func (it *Iterator) Next() (*entry.Entry, bool) {
	if it.err != nil || it.pos >= len(it.entries) {
		return nil, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e, true
}

func (it *Iterator) Err() error {
	return it.err
}

// Collect returns the entries not yet consumed by Next.
func (it *Iterator) Collect() ([]*entry.Entry, error) {
	if it.err != nil {
		return nil, it.err
	}
	rest := it.entries[it.pos:]
	it.pos = len(it.entries)
	return rest, nil
}
