package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftdb/driftdb/internal/blockstore"
	"github.com/driftdb/driftdb/internal/config"
	"github.com/driftdb/driftdb/internal/node"
	"github.com/driftdb/driftdb/internal/pubsub"
	"github.com/driftdb/driftdb/internal/store"
	"github.com/driftdb/driftdb/internal/verify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "driftdb",
	Short: "driftdb - peer-to-peer eventually consistent database",
	Long:  `A replicated key-value store and event log built on a Merkle-DAG operation log`,
}

var (
	listLimit   int
	listReverse bool
	listGT      string
	listLT      string
	verifyLogs  []string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "driftdb.yaml", "config file path")

	listCmd.Flags().IntVar(&listLimit, "limit", -1, "number of entries, -1 for all")
	listCmd.Flags().BoolVar(&listReverse, "reverse", false, "newest first")
	listCmd.Flags().StringVar(&listGT, "gt", "", "only entries after this hash")
	listCmd.Flags().StringVar(&listLT, "lt", "", "only entries before this hash")
	verifyCmd.Flags().StringSliceVar(&verifyLogs, "log", nil, "also replay the cached heads of <type>/<name>")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(replicateCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(headsCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(verifyCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogger(cfg.Logging)
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("driftdb v0.1.0-alpha")
		fmt.Println("Peer-to-peer eventually consistent database")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the local data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rt, err := openRuntime(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		fmt.Printf("Initialized driftdb node: %s\n", rt.node.Identity())
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Block store: %s\n", cfg.Blocks.Backend)
		return nil
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the pub/sub relay that replicas connect to",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		relay := pubsub.NewRelay(slog.Default())

		reg := prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "driftdb",
			Name:      "relay_connections",
			Help:      "Connected replicas.",
		}, func() float64 { return float64(relay.Connections()) }))

		mux := http.NewServeMux()
		mux.Handle("/ws", relay)
		if cfg.Metrics.Enabled {
			mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		}

		srv := &http.Server{
			Addr:              cfg.PubSub.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()
		slog.Info("Relay listening", "addr", cfg.PubSub.ListenAddr)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("relay failed: %w", err)
			}
		case <-ctx.Done():
		}

		fmt.Println("\nShutting down...")
		shutdown(srv)
		return nil
	},
}

var replicateCmd = &cobra.Command{
	Use:   "replicate <type>/<name>...",
	Short: "Open databases and keep them replicated until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.PubSub.RelayURL == "" {
			return fmt.Errorf("pubsub.relay_url is required to replicate")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := openRuntime(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer rt.Close()

		type replicated interface {
			Address() string
			Heads() []string
			KnownHeads() []string
			Pending() []string
			OnEvent(func(store.Event)) func()
		}
		var dbs []replicated

		for _, ref := range args {
			dbType, name, err := parseDatabase(ref)
			if err != nil {
				return err
			}

			var db replicated
			switch dbType {
			case node.TypeKeyValue:
				db, err = rt.node.KeyValue(ctx, name, rt.options())
			case node.TypeEventLog:
				db, err = rt.node.EventLog(ctx, name, rt.options())
			}
			if err != nil {
				return err
			}

			db.OnEvent(func(ev store.Event) {
				switch ev.Type {
				case store.EventWrite:
					slog.Info("Local write", "address", ev.Address, "hash", ev.Hash)
				case store.EventSynced:
					slog.Info("Replicated", "address", ev.Address, "heads", len(ev.Heads))
				}
			})
			fmt.Printf("Replicating %s (%d heads)\n", db.Address(), len(db.Heads()))
			dbs = append(dbs, db)
		}

		srv := serveMetrics(cfg.Metrics, rt.registry)
		defer shutdown(srv)

		if cfg.Blocks.VerifyInterval > 0 {
			if w, ok := rt.blocks.(blockstore.Walker); ok {
				v := verify.NewVerifier(w, rt.alerts, slog.Default())
				v.Start(ctx, cfg.Blocks.VerifyInterval)
				defer v.Stop()
			}
		}

		fmt.Println("driftdb is replicating. Press Ctrl+C to stop.")

		var lost bool
		select {
		case <-ctx.Done():
		case <-rt.client.Done():
			lost = true
		}

		for _, db := range dbs {
			slog.Info("Replication status",
				"address", db.Address(),
				"heads", len(db.Heads()),
				"known_heads", len(db.KnownHeads()),
				"pending", len(db.Pending()))
		}

		if lost {
			if err := rt.alerts.SendSystemAlert("Relay connection lost",
				fmt.Sprintf("Node %s lost its connection to %s", rt.node.Identity(), cfg.PubSub.RelayURL),
				"danger"); err != nil {
				slog.Warn("Failed to send alert", "error", err)
			}
			return fmt.Errorf("lost connection to relay %s", cfg.PubSub.RelayURL)
		}

		fmt.Println("\nShutting down...")
		return nil
	},
}

// parseValue treats valid JSON as JSON and anything else as a string.
func parseValue(s string) interface{} {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

func withKeyValue(cmd *cobra.Command, name string, fn func(ctx context.Context, kv *store.KeyValueStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	kv, err := rt.node.KeyValue(ctx, name, rt.options())
	if err != nil {
		return err
	}
	return fn(ctx, kv)
}

func withEventLog(cmd *cobra.Command, name string, fn func(ctx context.Context, log *store.EventLogStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	log, err := rt.node.EventLog(ctx, name, rt.options())
	if err != nil {
		return err
	}
	return fn(ctx, log)
}

var putCmd = &cobra.Command{
	Use:   "put <db> <key> <value>",
	Short: "Set a key in a key-value database",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyValue(cmd, args[0], func(ctx context.Context, kv *store.KeyValueStore) error {
			h, err := kv.Put(ctx, args[1], parseValue(args[2]))
			if err != nil {
				return err
			}
			fmt.Println(h)
			return nil
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set <db> <key> <value>",
	Short: "Alias for put",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyValue(cmd, args[0], func(ctx context.Context, kv *store.KeyValueStore) error {
			h, err := kv.Set(ctx, args[1], parseValue(args[2]))
			if err != nil {
				return err
			}
			fmt.Println(h)
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <db> <key>",
	Short: "Print the value of a key as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyValue(cmd, args[0], func(ctx context.Context, kv *store.KeyValueStore) error {
			raw, ok, err := kv.GetRaw(args[1])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("null")
				return nil
			}
			fmt.Println(string(raw))
			return nil
		})
	},
}

var delCmd = &cobra.Command{
	Use:   "del <db> <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyValue(cmd, args[0], func(ctx context.Context, kv *store.KeyValueStore) error {
			h, err := kv.Del(ctx, args[1])
			if err != nil {
				return err
			}
			fmt.Println(h)
			return nil
		})
	},
}

var addCmd = &cobra.Command{
	Use:   "add <log> <value>",
	Short: "Append a value to an event log",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEventLog(cmd, args[0], func(ctx context.Context, log *store.EventLogStore) error {
			h, err := log.Add(ctx, parseValue(args[1]))
			if err != nil {
				return err
			}
			fmt.Println(h)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list <log>",
	Short: "Print entries of an event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEventLog(cmd, args[0], func(ctx context.Context, log *store.EventLogStore) error {
			entries, err := log.Iterator(ctx, store.IteratorOptions{
				Limit:   listLimit,
				GT:      listGT,
				LT:      listLT,
				Reverse: listReverse,
			}).Collect()
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s  %d  %s  %s\n", e.Hash[:16], e.Clock.Time, e.Identity, e.Payload.Value)
			}
			return nil
		})
	},
}

var headsCmd = &cobra.Command{
	Use:   "heads [<type>/<name>]",
	Short: "Display cached heads",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rt, err := openRuntime(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		addresses, err := rt.cache.Addresses()
		if err != nil {
			return err
		}
		if len(args) > 0 {
			dbType, name, err := parseDatabase(args[0])
			if err != nil {
				return err
			}
			addresses = []string{node.Address(dbType, name)}
		}

		fmt.Printf("Node identity: %s\n", rt.node.Identity())
		for _, address := range addresses {
			record, err := rt.cache.GetHeads(address)
			if err != nil {
				fmt.Printf("  - %s: no heads cached\n", address)
				continue
			}
			fmt.Printf("  - %s\n", address)
			fmt.Printf("    Root: %s\n", record.Root)
			fmt.Printf("    Updated: %s\n", record.UpdatedAt.Format(time.RFC3339))
			for _, h := range record.Heads {
				fmt.Printf("    Head: %s\n", h)
			}
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <type>/<name> <hash>...",
	Short: "Fetch and merge the history of the given heads",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbType, name, err := parseDatabase(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := openRuntime(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		var db interface {
			Sync(context.Context, ...string) (string, error)
			Len() int
		}
		switch dbType {
		case node.TypeKeyValue:
			db, err = rt.node.KeyValue(cmd.Context(), name, rt.options())
		case node.TypeEventLog:
			db, err = rt.node.EventLog(cmd.Context(), name, rt.options())
		}
		if err != nil {
			return err
		}

		root, err := db.Sync(cmd.Context(), args[1:]...)
		if err != nil {
			return err
		}
		fmt.Printf("Root: %s (%d entries)\n", root, db.Len())
		return nil
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop <type>/<name>",
	Short: "Forget the cached heads of a database",
	Long:  `Forget the cached heads of a database. Blocks are kept, so "sync" with a known head recovers it.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbType, name, err := parseDatabase(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := openRuntime(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.node.Drop(dbType, name); err != nil {
			return err
		}
		fmt.Printf("Dropped %s\n", node.Address(dbType, name))
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify block store integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rt, err := openRuntime(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer rt.Close()

		w, ok := rt.blocks.(blockstore.Walker)
		if !ok {
			return fmt.Errorf("block store %s cannot be enumerated", cfg.Blocks.Backend)
		}

		report, err := verify.NewVerifier(w, rt.alerts, slog.Default()).VerifyBlocks(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Verified %d blocks (%d entries)\n", report.Blocks, report.Entries)
		fmt.Printf("Merkle root: %s\n", report.Root)
		for _, ie := range report.Corrupted {
			fmt.Printf("  ❌ %s: %s\n", ie.Hash, ie.Reason)
		}

		for _, ref := range verifyLogs {
			dbType, name, err := parseDatabase(ref)
			if err != nil {
				return err
			}
			address := node.Address(dbType, name)
			record, err := rt.cache.GetHeads(address)
			if err != nil {
				fmt.Printf("  ❌ %s: no cached heads\n", address)
				continue
			}
			n, err := verify.VerifyLog(cmd.Context(), rt.blocks, address, record.Heads)
			if err != nil {
				fmt.Printf("  ❌ %s: %v\n", address, err)
				continue
			}
			fmt.Printf("  ✅ %s: %d entries intact\n", address, n)
		}

		if !report.OK() {
			return fmt.Errorf("%d corrupted blocks", len(report.Corrupted))
		}
		fmt.Println("  ✅ OK: all blocks intact")
		return nil
	},
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
