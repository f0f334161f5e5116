// Package oplog implements the replicated operation log: a Merkle-DAG of
// entries with a head set, a deterministic total order and a convergent join.
package oplog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/driftdb/driftdb/internal/access"
	"github.com/driftdb/driftdb/internal/entry"
	"github.com/driftdb/driftdb/internal/hash"
)

// Loader returns entry bodies that were evicted by Prune.
type Loader interface {
	Load(ctx context.Context, hash string) (*entry.Entry, error)
}

// node is the causal index of one entry. The body may be evicted; the index
// never is.
type node struct {
	hash    string
	clock   entry.Clock
	parents []string
	body    *entry.Entry
}

func compareNodes(a, b *node) int {
	if c := a.clock.Compare(b.clock); c != 0 {
		return c
	}
	switch {
	case a.hash < b.hash:
		return -1
	case a.hash > b.hash:
		return 1
	}
	return 0
}

type Log struct {
	mu         sync.RWMutex
	id         string
	access     access.Controller
	loader     Loader
	nodes      map[string]*node
	order      []*node
	heads      map[string]struct{}
	referenced map[string]struct{}
}

type Option func(*Log)

func WithAccessController(c access.Controller) Option {
	return func(l *Log) {
		if c != nil {
			l.access = c
		}
	}
}

// WithLoader enables pruning; evicted bodies are read back through loader.
func WithLoader(loader Loader) Option {
	return func(l *Log) {
		l.loader = loader
	}
}

func New(id string, opts ...Option) *Log {
	l := &Log{
		id:         id,
		access:     access.AllowAll(),
		nodes:      make(map[string]*node),
		order:      make([]*node, 0),
		heads:      make(map[string]struct{}),
		referenced: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) ID() string {
	return l.id
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

func (l *Log) Has(h string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.nodes[h]
	return ok
}

// Heads returns the current head set, sorted.
func (l *Log) Heads() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headsLocked()
}

func (l *Log) headsLocked() []string {
	heads := make([]string, 0, len(l.heads))
	for h := range l.heads {
		heads = append(heads, h)
	}
	sort.Strings(heads)
	return heads
}

// Root is the Merkle root of the head set. Two replicas with the same root
// hold the same entries.
func (l *Log) Root() string {
	return hash.Root(l.Heads())
}

func (l *Log) Get(ctx context.Context, h string) (*entry.Entry, error) {
	l.mu.RLock()
	n, ok := l.nodes[h]
	var body *entry.Entry
	if ok {
		body = n.body
	}
	l.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if body != nil {
		return body, nil
	}
	return l.load(ctx, h)
}

// Next builds the entry identity would append on top of the current heads
// without inserting it.
func (l *Log) Next(identity string, payload entry.Payload) (*entry.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextLocked(identity, payload)
}

func (l *Log) nextLocked(identity string, payload entry.Payload) (*entry.Entry, error) {
	if !l.access.CanWrite(identity) {
		return nil, fmt.Errorf("%w: %s may not write to %s", ErrUnauthorized, identity, l.id)
	}

	parents := l.headsLocked()
	clocks := make([]entry.Clock, 0, len(parents))
	for _, p := range parents {
		clocks = append(clocks, l.nodes[p].clock)
	}

	return entry.New(l.id, identity, payload, entry.Tick(identity, clocks...), parents)
}

// Commit inserts an entry built by Next. Committing an entry that is
// already present is a no-op.
func (l *Log) Commit(e *entry.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.nodes[e.Hash]; ok {
		return nil
	}
	if err := l.admitLocked(e, nil); err != nil {
		return err
	}
	if !l.access.CanWrite(e.Identity) {
		return fmt.Errorf("%w: %s may not write to %s", ErrUnauthorized, e.Identity, l.id)
	}

	l.insertLocked(e)
	return nil
}

// Append builds and inserts a new entry in one step.
func (l *Log) Append(identity string, payload entry.Payload) (*entry.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.nextLocked(identity, payload)
	if err != nil {
		return nil, err
	}
	l.insertLocked(e)
	return e, nil
}

// admitLocked checks structural validity against the log plus the entries
// already accepted in the current batch.
func (l *Log) admitLocked(e *entry.Entry, batch map[string]*entry.Entry) error {
	if e.ID != l.id {
		return fmt.Errorf("%w: entry %s belongs to log %q, not %q", entry.ErrMalformedEntry, e.Hash, e.ID, l.id)
	}

	for _, p := range e.Parents {
		var parentClock entry.Clock
		if n, ok := l.nodes[p]; ok {
			parentClock = n.clock
		} else if b, ok := batch[p]; ok {
			parentClock = b.Clock
		} else {
			return fmt.Errorf("%w: entry %s is missing parent %s", ErrIncompleteCausalChain, e.Hash, p)
		}
		if parentClock.Time >= e.Clock.Time {
			return fmt.Errorf("%w: entry %s has clock %d not after parent %s at %d",
				entry.ErrMalformedEntry, e.Hash, e.Clock.Time, p, parentClock.Time)
		}
	}
	return nil
}

// insertLocked adds a causally complete entry and updates the head set.
func (l *Log) insertLocked(e *entry.Entry) {
	n := &node{
		hash:    e.Hash,
		clock:   e.Clock,
		parents: e.Parents,
		body:    e,
	}
	l.nodes[n.hash] = n

	for _, p := range n.parents {
		l.referenced[p] = struct{}{}
		delete(l.heads, p)
	}
	if _, ok := l.referenced[n.hash]; !ok {
		l.heads[n.hash] = struct{}{}
	}

	if len(l.order) == 0 || compareNodes(l.order[len(l.order)-1], n) < 0 {
		l.order = append(l.order, n)
		return
	}

	i := sort.Search(len(l.order), func(i int) bool {
		return compareNodes(l.order[i], n) > 0
	})
	l.order = append(l.order, nil)
	copy(l.order[i+1:], l.order[i:])
	l.order[i] = n
}

func (l *Log) load(ctx context.Context, h string) (*entry.Entry, error) {
	if l.loader == nil {
		return nil, fmt.Errorf("%w: body of %s was evicted", ErrNotFound, h)
	}
	e, err := l.loader.Load(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to load evicted entry %s: %w", h, err)
	}
	return e, nil
}
