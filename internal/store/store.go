// Package store provides the user-facing databases built on an oplog.Log:
// an append-only event log and a last-write-wins key-value store.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/driftdb/driftdb/internal/access"
	"github.com/driftdb/driftdb/internal/blockstore"
	"github.com/driftdb/driftdb/internal/entry"
	"github.com/driftdb/driftdb/internal/metrics"
	"github.com/driftdb/driftdb/internal/oplog"
	"github.com/driftdb/driftdb/internal/pubsub"
	"github.com/driftdb/driftdb/internal/replication"
	"github.com/driftdb/driftdb/internal/storage"
)

var ErrClosed = errors.New("store is closed")

type EventType int

const (
	EventWrite EventType = iota
	EventSynced
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventWrite:
		return "write"
	case EventSynced:
		return "synced"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is delivered to OnEvent listeners after the change it describes is
// visible through the store.
type Event struct {
	Type    EventType
	Address string
	// Hash is the written entry for EventWrite.
	Hash string
	// Heads is the head set after the change.
	Heads []string
	Err   error
}

// Config carries the collaborators of a store. Blocks is required.
type Config struct {
	Address     string
	Identity    string
	Blocks      blockstore.Store
	Transport   pubsub.Transport
	Access      access.Controller
	Cache       *storage.Storage
	Replication replication.Config
	// Replicate subscribes to the address topic on open.
	Replicate bool
	// MaxHistory bounds the entry bodies kept in memory; negative keeps all.
	MaxHistory int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// view is a materialized reduction over the log in canonical order. rebuild
// replays entries into fresh state and publishes it only when the replay
// completes; on error the previous state is kept.
type view interface {
	rebuild(entries iter.Seq2[*entry.Entry, error]) error
	apply(e *entry.Entry)
}

type listener struct {
	id uint64
	fn func(Event)
}

// Store is the part shared by all database types. Writes, remote merges and
// pruning of one store are serialized by mu.
type Store struct {
	address    string
	identity   string
	log        *oplog.Log
	blocks     blockstore.Store
	cache      *storage.Storage
	replicator *replication.Replicator
	replicate  bool
	maxHistory int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu     sync.Mutex
	closed bool
	view   view
	stale  atomic.Bool

	listenersMu sync.Mutex
	listeners   []listener
	nextID      uint64
}

func open(ctx context.Context, cfg Config, v view) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("store address is required")
	}
	if cfg.Identity == "" {
		return nil, fmt.Errorf("store identity is required")
	}
	if cfg.Blocks == nil {
		return nil, fmt.Errorf("block store is required")
	}
	if cfg.Replicate && cfg.Transport == nil {
		return nil, fmt.Errorf("replication requires a pub/sub transport")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		address:  cfg.Address,
		identity: cfg.Identity,
		log: oplog.New(cfg.Address,
			oplog.WithAccessController(cfg.Access),
			oplog.WithLoader(blockstore.Loader{Store: cfg.Blocks})),
		blocks:     cfg.Blocks,
		cache:      cfg.Cache,
		replicate:  cfg.Replicate,
		maxHistory: cfg.MaxHistory,
		logger:     logger.With("address", cfg.Address),
		metrics:    cfg.Metrics,
		view:       v,
	}
	s.replicator = replication.New(s, cfg.Blocks, cfg.Transport, cfg.Replication, logger, cfg.Metrics)

	if err := s.restore(ctx); err != nil {
		return nil, err
	}

	if s.replicate {
		if err := s.replicator.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start replication: %w", err)
		}
	}

	s.logger.Info("Store opened",
		"identity", s.identity,
		"entries", s.log.Len(),
		"replicate", s.replicate)
	return s, nil
}

// restore loads the causal closure of the cached heads from the block store,
// retrying like replication does. Heads that still cannot be loaded are
// queued for the replicator and the store opens without them.
func (s *Store) restore(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}

	record, err := s.cache.GetHeads(s.address)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cached heads: %w", err)
	}

	if _, err := s.replicator.Sync(ctx, record.Heads); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		queued := s.replicator.Enqueue(record.Heads)
		s.logger.Warn("Failed to restore cached heads",
			"heads", len(record.Heads),
			"queued", queued,
			"error", err)
		return nil
	}

	s.logger.Debug("Restored cached heads", "heads", len(record.Heads), "entries", s.log.Len())
	return nil
}

func (s *Store) Address() string {
	return s.address
}

func (s *Store) Identity() string {
	return s.identity
}

func (s *Store) Heads() []string {
	return s.log.Heads()
}

func (s *Store) Has(h string) bool {
	return s.log.Has(h)
}

// Root is the Merkle root of the head set.
func (s *Store) Root() string {
	return s.log.Root()
}

func (s *Store) Len() int {
	return s.log.Len()
}

// KnownHeads returns the remote heads this replica has been told about.
func (s *Store) KnownHeads() []string {
	return s.replicator.KnownHeads()
}

// Pending returns the heads waiting to be fetched and merged.
func (s *Store) Pending() []string {
	return s.replicator.Pending()
}

// Write appends payload as a new entry, persists it and announces the new
// head to the other replicas.
func (s *Store) Write(ctx context.Context, payload entry.Payload) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}

	e, err := s.log.Next(s.identity, payload)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if err := blockstore.PutEntry(ctx, s.blocks, e); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if err := s.log.Commit(e); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("failed to commit entry: %w", err)
	}

	if s.view != nil {
		if s.stale.Load() {
			if err := s.rebuildLocked(ctx); err != nil {
				s.logger.Error("Failed to rebuild view", "error", err)
			}
		} else {
			s.view.apply(e)
		}
	}

	heads := s.log.Heads()
	s.saveHeadsLocked(heads)
	s.log.Prune(s.maxHistory)
	s.mu.Unlock()

	s.metrics.Appended(s.address)
	s.metrics.SetHeads(s.address, len(heads))
	s.emit(Event{Type: EventWrite, Address: s.address, Hash: e.Hash, Heads: heads})

	if s.replicate {
		if err := s.replicator.Announce(ctx); err != nil {
			s.logger.Warn("Failed to announce heads", "hash", e.Hash, "error", err)
		}
	}
	return e.Hash, nil
}

// ApplyRemote merges a causally complete batch fetched from other replicas.
func (s *Store) ApplyRemote(ctx context.Context, entries []*entry.Entry) (oplog.JoinResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return oplog.JoinResult{}, ErrClosed
	}

	result, err := s.log.Join(entries)
	if err != nil {
		s.mu.Unlock()
		return oplog.JoinResult{}, err
	}

	if result.Changed() {
		if err := s.updateViewLocked(ctx, result, entries); err != nil {
			s.logger.Error("Failed to update view", "error", err)
		}
		s.saveHeadsLocked(result.Heads)
		s.log.Prune(s.maxHistory)
	}
	s.mu.Unlock()

	s.metrics.Joined(s.address, len(result.Added), len(result.Unauthorized))
	if len(result.Unauthorized) > 0 {
		s.logger.Warn("Dropped unauthorized entries", "count", len(result.Unauthorized))
	}

	if result.Changed() {
		s.metrics.SetHeads(s.address, len(result.Heads))
		s.emit(Event{Type: EventSynced, Address: s.address, Heads: result.Heads})
	}
	return result, nil
}

// Sync fetches and merges the causal closure of the given heads on demand
// and returns the resulting root. It works whether or not the store
// replicates automatically.
func (s *Store) Sync(ctx context.Context, heads ...string) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	if _, err := s.replicator.Sync(ctx, heads); err != nil {
		return "", err
	}
	return s.log.Root(), nil
}

// ReportError is called by the replicator when a fetch is abandoned.
func (s *Store) ReportError(err error) {
	if s.isClosed() {
		return
	}
	s.emit(Event{Type: EventError, Address: s.address, Err: err})
}

// OnEvent registers fn and returns a function that removes it. Listeners
// run in registration order on the goroutine that made the change.
func (s *Store) OnEvent(fn func(Event)) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) emit(ev Event) {
	s.listenersMu.Lock()
	listeners := make([]listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.Unlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}

// Close stops replication. Fetches still in flight are discarded.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.replicator.Stop()
	s.logger.Info("Store closed")
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) saveHeadsLocked(heads []string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SaveHeads(s.address, heads); err != nil {
		s.logger.Warn("Failed to cache heads", "error", err)
	}
}

func (s *Store) updateViewLocked(ctx context.Context, result oplog.JoinResult, entries []*entry.Entry) error {
	if s.view == nil {
		return nil
	}
	if result.Rewound || s.stale.Load() {
		return s.rebuildLocked(ctx)
	}

	batch := make(map[string]*entry.Entry, len(entries))
	for _, e := range entries {
		batch[e.Hash] = e
	}
	for _, h := range result.Added {
		s.view.apply(batch[h])
	}
	return nil
}

// rebuildLocked replays the whole log into the view. On failure the view is
// marked stale and rebuilt on the next change or read.
func (s *Store) rebuildLocked(ctx context.Context) error {
	if s.view == nil {
		return nil
	}

	if err := s.view.rebuild(s.log.Traverse(ctx, oplog.TraverseOptions{Limit: -1})); err != nil {
		s.stale.Store(true)
		return fmt.Errorf("failed to rebuild view: %w", err)
	}
	s.stale.Store(false)
	return nil
}

// refresh rebuilds a stale view before it is read.
func (s *Store) refresh(ctx context.Context) error {
	if !s.stale.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stale.Load() {
		return nil
	}
	return s.rebuildLocked(ctx)
}
