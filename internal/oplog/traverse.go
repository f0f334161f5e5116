package oplog

import (
	"context"
	"fmt"
	"iter"
	"sort"

	"github.com/driftdb/driftdb/internal/entry"
)

// TraverseOptions bounds a traversal. A negative Limit is unbounded; After
// starts the traversal behind the given hash.
type TraverseOptions struct {
	Limit int
	After string
}

// RangeOptions selects a window of the canonical order by hash bounds.
// When Newest is set and Limit is bounded, the window keeps the newest
// Limit entries of the range instead of the oldest.
type RangeOptions struct {
	GT, GTE string
	LT, LTE string
	Limit   int
	Newest  bool
}

// Traverse yields entries in canonical order. The window is fixed when
// iteration starts; the log is never mutated.
func (l *Log) Traverse(ctx context.Context, opts TraverseOptions) iter.Seq2[*entry.Entry, error] {
	return l.Range(ctx, RangeOptions{GT: opts.After, Limit: opts.Limit})
}

// Range yields the selected window in canonical order.
func (l *Log) Range(ctx context.Context, opts RangeOptions) iter.Seq2[*entry.Entry, error] {
	return func(yield func(*entry.Entry, error) bool) {
		window, err := l.window(opts)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, ref := range window {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			e := ref.body
			if e == nil {
				if e, err = l.load(ctx, ref.hash); err != nil {
					yield(nil, err)
					return
				}
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

type entryRef struct {
	hash string
	body *entry.Entry
}

func (l *Log) window(opts RangeOptions) ([]entryRef, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start, end := 0, len(l.order)

	if opts.GT != "" || opts.GTE != "" {
		bound, inclusive := opts.GT, false
		if opts.GTE != "" {
			bound, inclusive = opts.GTE, true
		}
		i, err := l.positionLocked(bound)
		if err != nil {
			return nil, err
		}
		if inclusive {
			start = i
		} else {
			start = i + 1
		}
	}

	if opts.LT != "" || opts.LTE != "" {
		bound, inclusive := opts.LT, false
		if opts.LTE != "" {
			bound, inclusive = opts.LTE, true
		}
		i, err := l.positionLocked(bound)
		if err != nil {
			return nil, err
		}
		if inclusive {
			end = i + 1
		} else {
			end = i
		}
	}

	if start >= end {
		return nil, nil
	}

	if opts.Limit >= 0 && end-start > opts.Limit {
		if opts.Newest {
			start = end - opts.Limit
		} else {
			end = start + opts.Limit
		}
	}

	refs := make([]entryRef, 0, end-start)
	for _, n := range l.order[start:end] {
		refs = append(refs, entryRef{hash: n.hash, body: n.body})
	}
	return refs, nil
}

func (l *Log) positionLocked(h string) (int, error) {
	n, ok := l.nodes[h]
	if !ok {
		return 0, fmt.Errorf("%w: cursor %s", ErrNotFound, h)
	}
	i := sort.Search(len(l.order), func(i int) bool {
		return compareNodes(l.order[i], n) >= 0
	})
	return i, nil
}

// Values returns every entry in canonical order.
func (l *Log) Values(ctx context.Context) ([]*entry.Entry, error) {
	out := make([]*entry.Entry, 0, l.Len())
	for e, err := range l.Traverse(ctx, TraverseOptions{Limit: -1}) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
