package replication

import (
	"context"

	"github.com/driftdb/driftdb/internal/blockstore"
	"github.com/driftdb/driftdb/internal/entry"
	"golang.org/x/sync/errgroup"
)

// FetchClosure retrieves the part of the causal past of heads of the log at
// address for which has reports false. The walk is breadth-first over an explicit
// frontier; each level is fetched concurrently with at most concurrency
// requests in flight. Every hash is fetched at most once.
func FetchClosure(ctx context.Context, blocks blockstore.Store, address string, has func(string) bool, heads []string, concurrency int) ([]*entry.Entry, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	seen := make(map[string]struct{})
	frontier := make([]string, 0, len(heads))
	for _, h := range heads {
		if _, ok := seen[h]; ok || has(h) {
			continue
		}
		seen[h] = struct{}{}
		frontier = append(frontier, h)
	}

	var closure []*entry.Entry
	for len(frontier) > 0 {
		fetched := make([]*entry.Entry, len(frontier))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for i, h := range frontier {
			g.Go(func() error {
				e, err := blockstore.GetEntry(gctx, blocks, h)
				if err != nil {
					return &FetchError{Address: address, Hash: h, Err: err}
				}
				fetched[i] = e
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var next []string
		for _, e := range fetched {
			closure = append(closure, e)
			for _, p := range e.Parents {
				if _, ok := seen[p]; ok || has(p) {
					continue
				}
				seen[p] = struct{}{}
				next = append(next, p)
			}
		}
		frontier = next
	}

	return closure, nil
}
