// Package verify checks stored blocks and logs for corruption.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftdb/driftdb/internal/alert"
	"github.com/driftdb/driftdb/internal/blockstore"
	"github.com/driftdb/driftdb/internal/entry"
	"github.com/driftdb/driftdb/internal/hash"
	"github.com/driftdb/driftdb/internal/oplog"
	"github.com/driftdb/driftdb/internal/replication"
)

const (
	ReasonContentMismatch = "content mismatch"
	ReasonUndecodable     = "undecodable entry"
)

// Report summarizes one pass over a block store.
type Report struct {
	Blocks    int
	Entries   int
	Root      string
	Corrupted []*IntegrityError
	CheckedAt time.Time
}

func (r *Report) OK() bool {
	return len(r.Corrupted) == 0
}

type Verifier struct {
	blocks blockstore.Walker
	alerts *alert.Manager
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewVerifier(blocks blockstore.Walker, alerts *alert.Manager, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		blocks: blocks,
		alerts: alerts,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// VerifyBlocks rehashes every block and checks that it decodes as an entry.
// Report.Root is the Merkle root over the addresses of intact blocks.
func (v *Verifier) VerifyBlocks(ctx context.Context) (*Report, error) {
	report := &Report{CheckedAt: time.Now()}
	tree := hash.NewMerkleTree()

	err := v.blocks.ForEach(ctx, func(h string, data []byte) error {
		report.Blocks++

		if actual := hash.Sum(data); actual != h {
			report.Corrupted = append(report.Corrupted, NewIntegrityError(h, ReasonContentMismatch,
				fmt.Sprintf("content hashes to %s", actual)))
			return nil
		}
		if _, err := entry.Decode(h, data); err != nil {
			report.Corrupted = append(report.Corrupted, NewIntegrityError(h, ReasonUndecodable, err.Error()))
			return nil
		}

		report.Entries++
		tree.AddLeafHash(h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk blocks: %w", err)
	}

	report.Root = tree.GetRoot()

	for _, ie := range report.Corrupted {
		v.logger.Error("Corrupted block", "hash", ie.Hash, "reason", ie.Reason, "error", ie.Message)
		if err := v.alerts.SendIntegrityAlert(ie.Hash, ie.Reason+": "+ie.Message); err != nil {
			v.logger.Warn("Failed to send alert", "error", err)
		}
	}

	return report, nil
}

// VerifyLog loads the full causal past of heads from blocks and replays it
// into an empty log, which checks hashes, parent links and clocks. It
// returns the number of entries.
func VerifyLog(ctx context.Context, blocks blockstore.Store, address string, heads []string) (int, error) {
	entries, err := replication.FetchClosure(ctx, blocks, address, func(string) bool { return false }, heads, 8)
	if err != nil {
		if fe := replication.AsFetchError(err); fe != nil && errors.Is(err, entry.ErrMalformedEntry) {
			return 0, NewIntegrityError(fe.Hash, ReasonUndecodable, fe.Err.Error())
		}
		return 0, fmt.Errorf("failed to load log %s: %w", address, err)
	}

	log := oplog.New(address)
	if _, err := log.Join(entries); err != nil {
		return 0, fmt.Errorf("log %s is inconsistent: %w", address, err)
	}
	return log.Len(), nil
}

// Start verifies the block store every interval until ctx is done or Stop
// is called.
func (v *Verifier) Start(ctx context.Context, interval time.Duration) {
	go v.verifyLoop(ctx, interval)
}

func (v *Verifier) Stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
}

func (v *Verifier) verifyLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-v.stopCh:
			return
		case <-ticker.C:
			report, err := v.VerifyBlocks(ctx)
			if err != nil {
				v.logger.Error("Block verification failed", "error", err)
				continue
			}
			v.logger.Info("Block verification finished",
				"blocks", report.Blocks,
				"corrupted", len(report.Corrupted),
				"root", report.Root)
		}
	}
}
