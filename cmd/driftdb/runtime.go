package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftdb/driftdb/internal/access"
	"github.com/driftdb/driftdb/internal/alert"
	"github.com/driftdb/driftdb/internal/blockstore"
	"github.com/driftdb/driftdb/internal/config"
	"github.com/driftdb/driftdb/internal/metrics"
	"github.com/driftdb/driftdb/internal/node"
	"github.com/driftdb/driftdb/internal/pubsub"
	"github.com/driftdb/driftdb/internal/replication"
	"github.com/driftdb/driftdb/internal/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const identityKey = "identity"

// runtime holds everything a command needs to open databases.
type runtime struct {
	cfg      *config.Config
	node     *node.Node
	blocks   blockstore.Store
	cache    *storage.Storage
	client   *pubsub.Client
	registry *prometheus.Registry
	alerts   *alert.Manager
	closers  []func() error
}

func setupLogger(cfg config.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func openBlocks(ctx context.Context, cfg config.BlocksConfig) (blockstore.Store, func() error, error) {
	var (
		store  blockstore.Store
		closer = func() error { return nil }
	)

	switch cfg.Backend {
	case config.BackendMemory:
		store = blockstore.NewMemory()
	case config.BackendBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create block directory: %w", err)
		}
		b, err := blockstore.NewBolt(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		store, closer = b, b.Close
	case config.BackendPostgres:
		p, err := blockstore.NewPostgres(ctx, cfg.Postgres.ConnectionString())
		if err != nil {
			return nil, nil, err
		}
		store, closer = p, p.Close
	default:
		return nil, nil, fmt.Errorf("unknown block backend: %s", cfg.Backend)
	}

	if cfg.CacheSize > 0 {
		cached, err := blockstore.NewCache(store, cfg.CacheSize)
		if err != nil {
			closer()
			return nil, nil, err
		}
		store = cached
	}
	return store, closer, nil
}

// resolveIdentity returns the configured identity, or the one generated on
// first use and kept in the head cache.
func resolveIdentity(cfg *config.Config, cache *storage.Storage) (string, error) {
	if cfg.Node.Identity != "" {
		return cfg.Node.Identity, nil
	}

	id, err := cache.GetMetadata(identityKey)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to read identity: %w", err)
	}

	id = uuid.NewString()
	if err := cache.SetMetadata(identityKey, id); err != nil {
		return "", fmt.Errorf("failed to save identity: %w", err)
	}
	return id, nil
}

func openRuntime(ctx context.Context, cfg *config.Config, connect bool) (*runtime, error) {
	rt := &runtime{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		alerts:   alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook),
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cache, err := storage.New(filepath.Join(cfg.Node.DataDir, "heads.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open head cache: %w", err)
	}
	rt.cache = cache
	rt.closers = append(rt.closers, cache.Close)

	identity, err := resolveIdentity(cfg, cache)
	if err != nil {
		rt.Close()
		return nil, err
	}

	blocks, closeBlocks, err := openBlocks(ctx, cfg.Blocks)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to open block store: %w", err)
	}
	rt.blocks = blocks
	rt.closers = append(rt.closers, closeBlocks)

	var transport pubsub.Transport
	if connect && cfg.PubSub.RelayURL != "" {
		client, err := pubsub.Dial(ctx, cfg.PubSub.RelayURL, identity, slog.Default())
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to connect to relay: %w", err)
		}
		rt.client = client
		rt.closers = append(rt.closers, client.Close)
		transport = client
	}

	rt.registry.MustRegister(collectors.NewGoCollector())

	// Heads cached across runs would point at blocks a memory store no
	// longer has.
	headCache := cache
	if cfg.Blocks.Backend == config.BackendMemory {
		headCache = nil
	}

	n, err := node.New(node.Config{
		Identity:  identity,
		Blocks:    blocks,
		Transport: transport,
		Cache:     headCache,
		Access:    access.FromConfig(cfg.Access.Writers),
		Replication: replication.Config{
			MaxAttempts:       cfg.Replication.MaxAttempts,
			InitialInterval:   cfg.Replication.InitialInterval,
			MaxInterval:       cfg.Replication.MaxInterval,
			FetchConcurrency:  cfg.Replication.FetchConcurrency,
			PeerCheckInterval: cfg.Replication.PeerCheckInterval,
		},
		Logger:  slog.Default(),
		Metrics: metrics.New(rt.registry),
		Alerts:  rt.alerts,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.node = n
	rt.closers = append(rt.closers, n.Close)

	return rt, nil
}

func (rt *runtime) options() node.Options {
	opts := node.DefaultOptions()
	opts.Replicate = rt.client != nil
	opts.MaxHistory = *rt.cfg.Replication.MaxHistory
	return opts
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			slog.Warn("Failed to close resource", "error", err)
		}
	}
	rt.closers = nil
}

// serveMetrics starts the metrics endpoint when enabled and returns its
// server, or nil.
func serveMetrics(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	if !cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	slog.Info("Serving metrics", "addr", cfg.ListenAddr, "path", cfg.Path)
	return srv
}

func shutdown(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("Failed to shut down server", "error", err)
	}
}

// parseDatabase splits "keyvalue/name" or "eventlog/name".
func parseDatabase(ref string) (string, string, error) {
	dbType, name, ok := strings.Cut(ref, "/")
	if !ok || name == "" {
		return "", "", fmt.Errorf("database must be <type>/<name>, got %q", ref)
	}
	switch dbType {
	case node.TypeKeyValue, node.TypeEventLog:
		return dbType, name, nil
	}
	return "", "", fmt.Errorf("unknown database type %q (valid options: keyvalue, eventlog)", dbType)
}
