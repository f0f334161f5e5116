// Package node opens databases that share one identity, block store and
// pub/sub transport.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftdb/driftdb/internal/access"
	"github.com/driftdb/driftdb/internal/alert"
	"github.com/driftdb/driftdb/internal/blockstore"
	"github.com/driftdb/driftdb/internal/metrics"
	"github.com/driftdb/driftdb/internal/pubsub"
	"github.com/driftdb/driftdb/internal/replication"
	"github.com/driftdb/driftdb/internal/storage"
	"github.com/driftdb/driftdb/internal/store"
	"github.com/google/uuid"
)

const (
	TypeKeyValue = "keyvalue"
	TypeEventLog = "eventlog"
)

// Address returns the replication address of a database.
func Address(dbType, name string) string {
	return fmt.Sprintf("/driftdb/%s/%s", dbType, name)
}

type Config struct {
	// Identity of local writes; a random UUID when empty.
	Identity    string
	Blocks      blockstore.Store
	Transport   pubsub.Transport
	Cache       *storage.Storage
	Access      access.Controller
	Replication replication.Config
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Alerts      *alert.Manager
}

// Options configure one database.
type Options struct {
	Replicate bool
	// MaxHistory bounds the entry bodies held in memory; negative keeps all.
	MaxHistory int
	// CachePath overrides the node head cache with a bbolt file of its own.
	CachePath string
	Access    access.Controller
}

func DefaultOptions() Options {
	return Options{
		Replicate:  true,
		MaxHistory: -1,
	}
}

type database interface {
	Address() string
	OnEvent(fn func(store.Event)) func()
	Close() error
}

type Node struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	databases map[string]database
	caches    map[string]*storage.Storage
	closed    bool
}

func New(cfg Config) (*Node, error) {
	if cfg.Blocks == nil {
		return nil, fmt.Errorf("block store is required")
	}
	if cfg.Identity == "" {
		cfg.Identity = uuid.NewString()
	}
	if cfg.Access == nil {
		cfg.Access = access.AllowAll()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Logger = logger

	return &Node{
		config:    cfg,
		logger:    logger.With("identity", cfg.Identity),
		databases: make(map[string]database),
		caches:    make(map[string]*storage.Storage),
	}, nil
}

func (n *Node) Identity() string {
	return n.config.Identity
}

// KeyValue opens, or returns the already open, key-value database name.
func (n *Node) KeyValue(ctx context.Context, name string, opts Options) (*store.KeyValueStore, error) {
	db, err := n.open(ctx, TypeKeyValue, name, opts, func(ctx context.Context, cfg store.Config) (database, error) {
		return store.OpenKeyValue(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	kv, ok := db.(*store.KeyValueStore)
	if !ok {
		return nil, fmt.Errorf("database %s is not a key-value store", db.Address())
	}
	return kv, nil
}

// EventLog opens, or returns the already open, event log name.
func (n *Node) EventLog(ctx context.Context, name string, opts Options) (*store.EventLogStore, error) {
	db, err := n.open(ctx, TypeEventLog, name, opts, func(ctx context.Context, cfg store.Config) (database, error) {
		return store.OpenEventLog(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	log, ok := db.(*store.EventLogStore)
	if !ok {
		return nil, fmt.Errorf("database %s is not an event log", db.Address())
	}
	return log, nil
}

type openFunc func(ctx context.Context, cfg store.Config) (database, error)

func (n *Node) open(ctx context.Context, dbType, name string, opts Options, openDB openFunc) (database, error) {
	if name == "" {
		return nil, fmt.Errorf("database name is required")
	}
	address := Address(dbType, name)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, fmt.Errorf("node is closed")
	}
	if db, ok := n.databases[address]; ok {
		return db, nil
	}

	cache := n.config.Cache
	if opts.CachePath != "" {
		c, err := storage.New(opts.CachePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open head cache: %w", err)
		}
		cache = c
	}

	ac := opts.Access
	if ac == nil {
		ac = n.config.Access
	}

	cfg := store.Config{
		Address:     address,
		Identity:    n.config.Identity,
		Blocks:      n.config.Blocks,
		Transport:   n.config.Transport,
		Access:      ac,
		Cache:       cache,
		Replication: n.config.Replication,
		Replicate:   opts.Replicate,
		MaxHistory:  opts.MaxHistory,
		Logger:      n.config.Logger,
		Metrics:     n.config.Metrics,
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		if opts.CachePath != "" {
			cache.Close()
		}
		return nil, fmt.Errorf("failed to open %s: %w", address, err)
	}

	n.databases[address] = db
	if opts.CachePath != "" {
		n.caches[address] = cache
	}

	db.OnEvent(n.handleEvent)

	n.logger.Info("Opened database", "address", address, "replicate", opts.Replicate)
	return db, nil
}

func (n *Node) handleEvent(ev store.Event) {
	if ev.Type != store.EventError {
		return
	}

	n.logger.Error("Replication failed", "address", ev.Address, "error", ev.Err)

	if !n.config.Alerts.Enabled() {
		return
	}

	var (
		hash     string
		attempts int
	)
	if fe := replication.AsFetchError(ev.Err); fe != nil {
		hash, attempts = fe.Hash, fe.Attempts
	}
	if err := n.config.Alerts.SendReplicationFailureAlert(ev.Address, hash, attempts, ev.Err.Error()); err != nil {
		n.logger.Warn("Failed to send alert", "error", err)
	}
}

// WaitForPeers blocks until at least count other peers subscribe to the
// database address.
func (n *Node) WaitForPeers(ctx context.Context, address string, count int) ([]string, error) {
	if n.config.Transport == nil {
		return nil, fmt.Errorf("no transport configured")
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		peers, err := n.config.Transport.Peers(address)
		if err != nil {
			return nil, fmt.Errorf("failed to list peers: %w", err)
		}
		if len(peers) >= count {
			return peers, nil
		}

		select {
		case <-ctx.Done():
			return peers, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drop closes the database if it is open and forgets its cached heads. The
// blocks stay in the block store, so syncing a known head recovers it.
func (n *Node) Drop(dbType, name string) error {
	address := Address(dbType, name)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return fmt.Errorf("node is closed")
	}

	cache := n.config.Cache
	if db, ok := n.databases[address]; ok {
		if err := db.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", address, err)
		}
		delete(n.databases, address)
	}
	if c, ok := n.caches[address]; ok {
		cache = c
		delete(n.caches, address)
		defer c.Close()
	}

	if cache != nil {
		if err := cache.DeleteHeads(address); err != nil {
			return fmt.Errorf("failed to delete cached heads of %s: %w", address, err)
		}
	}

	n.logger.Info("Dropped database", "address", address)
	return nil
}

// Close closes every open database.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	var firstErr error
	for address, db := range n.databases {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s: %w", address, err)
		}
		if c, ok := n.caches[address]; ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to close head cache of %s: %w", address, err)
			}
		}
	}
	n.databases = make(map[string]database)
	n.caches = make(map[string]*storage.Storage)

	n.logger.Info("Node closed")
	return firstErr
}
