// Package replication converges replicas of a log: it announces local heads
// on the database's pub/sub topic and, for announced heads it does not
// have, fetches the missing causal closure from the block store and merges
// it into the local store.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/driftdb/driftdb/internal/blockstore"
	"github.com/driftdb/driftdb/internal/entry"
	"github.com/driftdb/driftdb/internal/metrics"
	"github.com/driftdb/driftdb/internal/oplog"
	"github.com/driftdb/driftdb/internal/pubsub"
)

// Message is the head announcement published on a database topic.
type Message struct {
	Address string   `json:"address"`
	Heads   []string `json:"heads"`
}

// Target is the store being replicated.
type Target interface {
	Address() string
	Has(hash string) bool
	Heads() []string
	// ApplyRemote merges a causally complete batch. Calls are serialized
	// with local writes by the target.
	ApplyRemote(ctx context.Context, entries []*entry.Entry) (oplog.JoinResult, error)
	// ReportError surfaces an unrecoverable replication failure.
	ReportError(err error)
}

type Config struct {
	MaxAttempts      int
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	FetchConcurrency int
	// PeerCheckInterval is how often the subscriber list is polled. Heads
	// are announced again whenever a peer joins.
	PeerCheckInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialInterval:   100 * time.Millisecond,
		MaxInterval:       5 * time.Second,
		FetchConcurrency:  8,
		PeerCheckInterval: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = d.FetchConcurrency
	}
	if c.PeerCheckInterval <= 0 {
		c.PeerCheckInterval = d.PeerCheckInterval
	}
	return c
}

type Replicator struct {
	target    Target
	blocks    blockstore.Store
	transport pubsub.Transport
	config    Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	subscribed  bool
	incoming    map[string]struct{}
	pending     map[string]struct{}
	knownHeads  map[string]struct{}
	peers       map[string]struct{}
	unsubscribe func()
	cancel      context.CancelFunc
	wake        chan struct{}
	wg          sync.WaitGroup
}

// New creates a replicator. transport may be nil for a store that only
// syncs on demand.
func New(target Target, blocks blockstore.Store, transport pubsub.Transport, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Replicator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Replicator{
		target:     target,
		blocks:     blocks,
		transport:  transport,
		config:     cfg.withDefaults(),
		logger:     logger.With("address", target.Address()),
		metrics:    m,
		incoming:   make(map[string]struct{}),
		pending:    make(map[string]struct{}),
		knownHeads: make(map[string]struct{}),
		peers:      make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
	}
}

// Start subscribes to the database topic, starts the merge worker and
// announces the current heads so that peers can catch up.
func (r *Replicator) Start(ctx context.Context) error {
	if r.transport == nil {
		return fmt.Errorf("no transport configured for %s", r.target.Address())
	}

	r.mu.Lock()
	if r.subscribed {
		r.mu.Unlock()
		return fmt.Errorf("replicator already started")
	}

	unsubscribe, err := r.transport.Subscribe(r.target.Address(), r.handleMessage)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	r.unsubscribe = unsubscribe
	r.cancel = cancel
	r.subscribed = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.worker(workerCtx)

	r.logger.Info("Replication started", "peer", r.transport.ID())

	if len(r.target.Heads()) > 0 {
		if err := r.Announce(ctx); err != nil {
			r.logger.Warn("Initial head announcement failed", "error", err)
		}
	}
	return nil
}

// Stop unsubscribes and abandons any fetch in progress. Results of fetches
// that complete after Stop are discarded.
func (r *Replicator) Stop() {
	r.mu.Lock()
	if !r.subscribed {
		r.mu.Unlock()
		return
	}
	r.subscribed = false
	r.unsubscribe()
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Replication stopped")
}

func (r *Replicator) Subscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed
}

// KnownHeads returns the remote heads announced to this replica so far.
func (r *Replicator) KnownHeads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.knownHeads)
}

// Pending returns the heads queued for the worker or being fetched by it.
func (r *Replicator) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make(map[string]struct{}, len(r.incoming)+len(r.pending))
	for h := range r.incoming {
		all[h] = struct{}{}
	}
	for h := range r.pending {
		all[h] = struct{}{}
	}
	return sortedKeys(all)
}

// Enqueue hands heads to the merge worker as if a peer had announced them.
// It may be called before Start; the worker picks the heads up once it
// runs. It returns the number of heads queued.
func (r *Replicator) Enqueue(heads []string) int {
	r.mu.Lock()
	queued := r.queueLocked(heads)
	r.mu.Unlock()

	if queued > 0 {
		r.notify()
	}
	return queued
}

// Announce publishes the current heads of the target.
func (r *Replicator) Announce(ctx context.Context) error {
	if r.transport == nil {
		return nil
	}

	data, err := json.Marshal(Message{
		Address: r.target.Address(),
		Heads:   r.target.Heads(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal head announcement: %w", err)
	}

	if err := r.transport.Publish(ctx, r.target.Address(), data); err != nil {
		return fmt.Errorf("failed to publish heads: %w", err)
	}
	return nil
}

func (r *Replicator) handleMessage(from string, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Warn("Ignoring undecodable head announcement", "from", from, "error", err)
		return
	}
	if msg.Address != r.target.Address() {
		r.logger.Debug("Ignoring announcement for another address", "from", from, "other", msg.Address)
		return
	}

	r.mu.Lock()
	if !r.subscribed {
		r.mu.Unlock()
		return
	}
	for _, h := range msg.Heads {
		r.knownHeads[h] = struct{}{}
	}
	queued := r.queueLocked(msg.Heads)
	r.mu.Unlock()

	if queued == 0 {
		return
	}

	r.logger.Debug("Received head announcement", "from", from, "new_heads", queued)
	r.notify()
}

func (r *Replicator) queueLocked(heads []string) int {
	queued := 0
	for _, h := range heads {
		if _, ok := r.pending[h]; ok {
			continue
		}
		if _, ok := r.incoming[h]; ok {
			continue
		}
		if r.target.Has(h) {
			continue
		}
		r.incoming[h] = struct{}{}
		queued++
	}
	return queued
}

func (r *Replicator) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// checkPeers announces the local heads when a peer has joined the topic
// since the last check. Announcements are best effort, so a newcomer would
// otherwise wait for the next local write.
func (r *Replicator) checkPeers(ctx context.Context) {
	peers, err := r.transport.Peers(r.target.Address())
	if err != nil {
		r.logger.Debug("Failed to list peers", "error", err)
		return
	}

	current := make(map[string]struct{}, len(peers))
	joined := 0
	r.mu.Lock()
	for _, p := range peers {
		current[p] = struct{}{}
		if _, ok := r.peers[p]; !ok {
			joined++
		}
	}
	r.peers = current
	r.mu.Unlock()

	if joined == 0 || len(r.target.Heads()) == 0 {
		return
	}

	r.logger.Debug("Peers joined, announcing heads", "joined", joined)
	if err := r.Announce(ctx); err != nil {
		r.logger.Warn("Failed to announce heads", "error", err)
	}
}

// worker drains announced heads one batch at a time, so merges of the same
// store never interleave.
func (r *Replicator) worker(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PeerCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkPeers(ctx)
			continue
		case <-r.wake:
		}

		r.mu.Lock()
		heads := sortedKeys(r.incoming)
		r.incoming = make(map[string]struct{})
		for _, h := range heads {
			r.pending[h] = struct{}{}
		}
		r.mu.Unlock()

		if len(heads) == 0 {
			continue
		}

		_, err := r.Sync(ctx, heads)

		r.mu.Lock()
		for _, h := range heads {
			delete(r.pending, h)
		}
		r.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Replication failed", "heads", len(heads), "error", err)
			r.target.ReportError(err)
		}
	}
}

// Sync fetches the causal closure of heads and merges it into the target.
// Fetch failures are retried with exponential backoff; nothing is merged
// unless the whole closure was fetched.
func (r *Replicator) Sync(ctx context.Context, heads []string) (oplog.JoinResult, error) {
	started := time.Now()
	address := r.target.Address()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialInterval
	b.MaxInterval = r.config.MaxInterval

	attempts := 0
	entries, err := backoff.Retry(ctx, func() ([]*entry.Entry, error) {
		attempts++
		closure, err := FetchClosure(ctx, r.blocks, address, r.target.Has, heads, r.config.FetchConcurrency)
		if err != nil {
			r.metrics.FetchFailed(address)
			if errors.Is(err, entry.ErrMalformedEntry) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return closure, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.config.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("Fetch failed, retrying", "attempt", attempts, "wait", wait, "error", err)
		}),
	)
	if err != nil {
		fe := AsFetchError(err)
		if fe == nil {
			fe = &FetchError{Err: err}
			if len(heads) > 0 {
				fe.Hash = heads[0]
			}
		}
		fe.Address = address
		fe.Attempts = attempts
		return oplog.JoinResult{}, fe
	}

	if len(entries) == 0 {
		return oplog.JoinResult{Heads: r.target.Heads()}, nil
	}

	if err := ctx.Err(); err != nil {
		return oplog.JoinResult{}, err
	}

	result, err := r.target.ApplyRemote(ctx, entries)
	if err != nil {
		return oplog.JoinResult{}, fmt.Errorf("failed to merge fetched entries: %w", err)
	}

	r.metrics.Synced(address, time.Since(started))
	r.logger.Debug("Merged remote entries",
		"fetched", len(entries),
		"added", len(result.Added),
		"dropped", len(result.Unauthorized))
	return result, nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
