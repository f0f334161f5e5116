package verify

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/driftdb/driftdb/internal/blockstore"
	"github.com/driftdb/driftdb/internal/entry"
	"github.com/driftdb/driftdb/internal/hash"
	"github.com/driftdb/driftdb/internal/oplog"
	bolt "go.etcd.io/bbolt"
)

func writeLog(t *testing.T, blocks blockstore.Store, address string, values ...string) *oplog.Log {
	t.Helper()
	l := oplog.New(address)
	for _, v := range values {
		p, err := entry.Add(v)
		if err != nil {
			t.Fatalf("Add payload failed: %v", err)
		}
		e, err := l.Append("alice", p)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := blockstore.PutEntry(context.Background(), blocks, e); err != nil {
			t.Fatalf("PutEntry failed: %v", err)
		}
	}
	return l
}

func TestVerifyBlocksIntact(t *testing.T) {
	blocks := blockstore.NewMemory()
	l := writeLog(t, blocks, "db", "a", "b", "c")

	report, err := NewVerifier(blocks, nil, nil).VerifyBlocks(context.Background())
	if err != nil {
		t.Fatalf("VerifyBlocks failed: %v", err)
	}
	if !report.OK() {
		t.Errorf("Expected intact store, got %v", report.Corrupted)
	}
	if report.Blocks != 3 || report.Entries != 3 {
		t.Errorf("Expected 3 blocks and entries, got %d and %d", report.Blocks, report.Entries)
	}
	if report.Root == "" {
		t.Error("Expected a merkle root")
	}

	n, err := VerifyLog(context.Background(), blocks, "db", l.Heads())
	if err != nil {
		t.Fatalf("VerifyLog failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 entries, got %d", n)
	}
}

func TestVerifyBlocksDetectsTampering(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "driftdb-verify-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	defer os.Remove(tmpfile.Name())

	blocks, err := blockstore.NewBolt(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create block store: %v", err)
	}
	l := writeLog(t, blocks, "db", "a", "b")
	target := l.Heads()[0]
	if err := blocks.Close(); err != nil {
		t.Fatal(err)
	}

	db, err := bolt.Open(tmpfile.Name(), 0600, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blockstore.BlocksBucket).Put([]byte(target), []byte(`{"v":1,"tampered":true}`))
	})
	db.Close()
	if err != nil {
		t.Fatalf("Failed to tamper: %v", err)
	}

	blocks, err = blockstore.NewBolt(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to reopen block store: %v", err)
	}
	defer blocks.Close()

	report, err := NewVerifier(blocks, nil, nil).VerifyBlocks(context.Background())
	if err != nil {
		t.Fatalf("VerifyBlocks failed: %v", err)
	}
	if report.OK() || len(report.Corrupted) != 1 {
		t.Fatalf("Expected one corrupted block, got %v", report.Corrupted)
	}
	if report.Corrupted[0].Hash != target || report.Corrupted[0].Reason != ReasonContentMismatch {
		t.Errorf("Unexpected corruption %+v", report.Corrupted[0])
	}

	if _, err := VerifyLog(context.Background(), blocks, "db", l.Heads()); err == nil {
		t.Error("Expected VerifyLog to fail on a tampered head")
	} else if !errors.Is(err, entry.ErrMalformedEntry) && !IsIntegrityError(err) {
		t.Errorf("Expected integrity failure, got %v", err)
	}
}

func TestVerifyBlocksUndecodable(t *testing.T) {
	ctx := context.Background()
	blocks := blockstore.NewMemory()
	h, err := blocks.Put(ctx, []byte("not an entry"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	report, err := NewVerifier(blocks, nil, nil).VerifyBlocks(ctx)
	if err != nil {
		t.Fatalf("VerifyBlocks failed: %v", err)
	}
	if len(report.Corrupted) != 1 || report.Corrupted[0].Reason != ReasonUndecodable {
		t.Errorf("Expected undecodable block, got %v", report.Corrupted)
	}
	if report.Root != "" {
		t.Errorf("Expected empty root without intact blocks, got %s", report.Root)
	}

	_, err = VerifyLog(ctx, blocks, "db", []string{h})
	ie := AsIntegrityError(err)
	if ie == nil || ie.Hash != h {
		t.Errorf("Expected IntegrityError for %s, got %v", h, err)
	}
}

func TestVerifyLogMissingBlock(t *testing.T) {
	_, err := VerifyLog(context.Background(), blockstore.NewMemory(), "db", []string{hash.Sum([]byte("x"))})
	if err == nil || IsIntegrityError(err) {
		t.Errorf("Expected a plain fetch error, got %v", err)
	}
	if !blockstore.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestIntegrityError(t *testing.T) {
	err := NewIntegrityError("abc", ReasonContentMismatch, "content hashes to def")
	if !IsIntegrityError(err) {
		t.Error("Expected IsIntegrityError to be true")
	}
	if AsIntegrityError(errors.New("other")) != nil {
		t.Error("Expected nil for unrelated error")
	}
	wrapped := errors.Join(errors.New("context"), err)
	if got := AsIntegrityError(wrapped); got == nil || got.Hash != "abc" {
		t.Errorf("Expected wrapped IntegrityError, got %v", got)
	}
}
