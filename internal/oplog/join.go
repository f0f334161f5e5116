package oplog

import (
	"fmt"
	"sort"

	"github.com/driftdb/driftdb/internal/entry"
)

// JoinResult describes what a Join changed.
type JoinResult struct {
	// Added lists the newly inserted hashes in canonical order.
	Added []string
	// Unauthorized lists entries dropped by the access controller, together
	// with batch entries that descend from them.
	Unauthorized []string
	// Rewound is set when an added entry sorts before the entry that was
	// last in canonical order before the join.
	Rewound bool
	Heads   []string
}

func (r JoinResult) Changed() bool {
	return len(r.Added) > 0
}

// Join merges entries into the log. It is idempotent, commutative and
// associative over entry sets. Entries already present are skipped. Entries
// refused by the access controller are dropped individually. If any other
// entry is not causally complete against the log plus the batch, nothing
// is applied and the error wraps ErrIncompleteCausalChain.
func (l *Log) Join(entries []*entry.Entry) (JoinResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	candidates := make([]*entry.Entry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e == nil {
			continue
		}
		if _, ok := l.nodes[e.Hash]; ok {
			continue
		}
		if _, ok := seen[e.Hash]; ok {
			continue
		}
		seen[e.Hash] = struct{}{}
		candidates = append(candidates, e)
	}

	// Canonical order is a topological order, so parents precede children.
	sort.Slice(candidates, func(i, j int) bool {
		return entry.Less(candidates[i], candidates[j])
	})

	var result JoinResult
	accepted := make(map[string]*entry.Entry, len(candidates))
	dropped := make(map[string]struct{})
	admitted := make([]*entry.Entry, 0, len(candidates))

	for _, e := range candidates {
		if !l.access.CanWrite(e.Identity) || descendsFrom(e, dropped) {
			dropped[e.Hash] = struct{}{}
			result.Unauthorized = append(result.Unauthorized, e.Hash)
			continue
		}

		for _, p := range e.Parents {
			if _, ok := l.nodes[p]; ok {
				continue
			}
			if _, ok := accepted[p]; ok {
				continue
			}
			if _, ok := seen[p]; ok {
				return JoinResult{}, fmt.Errorf("%w: entry %s sorts before its parent %s",
					entry.ErrMalformedEntry, e.Hash, p)
			}
		}

		if err := l.admitLocked(e, accepted); err != nil {
			return JoinResult{}, err
		}
		accepted[e.Hash] = e
		admitted = append(admitted, e)
	}

	var tail *node
	if len(l.order) > 0 {
		tail = l.order[len(l.order)-1]
	}

	for _, e := range admitted {
		if tail != nil && compareNodes(&node{hash: e.Hash, clock: e.Clock}, tail) < 0 {
			result.Rewound = true
		}
		l.insertLocked(e)
		result.Added = append(result.Added, e.Hash)
	}

	result.Heads = l.headsLocked()
	return result, nil
}

func descendsFrom(e *entry.Entry, dropped map[string]struct{}) bool {
	for _, p := range e.Parents {
		if _, ok := dropped[p]; ok {
			return true
		}
	}
	return false
}
