package storage

import (
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/driftdb/driftdb/internal/hash"
)

func TestStorage(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "driftdb-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	defer os.Remove(tmpfile.Name())

	storage, err := New(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer storage.Close()

	h1, h2 := hash.Sum([]byte("a")), hash.Sum([]byte("b"))

	t.Run("SaveAndGetHeads", func(t *testing.T) {
		if err := storage.SaveHeads("/driftdb/kv/test", []string{h2, h1}); err != nil {
			t.Fatalf("SaveHeads failed: %v", err)
		}

		record, err := storage.GetHeads("/driftdb/kv/test")
		if err != nil {
			t.Fatalf("GetHeads failed: %v", err)
		}

		if !reflect.DeepEqual(record.Heads, []string{h1, h2}) && !reflect.DeepEqual(record.Heads, []string{h2, h1}) {
			t.Errorf("Unexpected heads %v", record.Heads)
		}
		if record.Heads[0] > record.Heads[1] {
			t.Error("Heads should be stored sorted")
		}
		if record.Root != hash.Root([]string{h1, h2}) {
			t.Errorf("Expected root %s, got %s", hash.Root([]string{h1, h2}), record.Root)
		}
	})

	t.Run("OverwriteHeads", func(t *testing.T) {
		if err := storage.SaveHeads("/driftdb/kv/test", []string{h1}); err != nil {
			t.Fatalf("SaveHeads failed: %v", err)
		}

		record, err := storage.GetHeads("/driftdb/kv/test")
		if err != nil {
			t.Fatalf("GetHeads failed: %v", err)
		}
		if !reflect.DeepEqual(record.Heads, []string{h1}) {
			t.Errorf("Expected [%s], got %v", h1, record.Heads)
		}
	})

	t.Run("MissingHeads", func(t *testing.T) {
		_, err := storage.GetHeads("/driftdb/kv/missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Addresses", func(t *testing.T) {
		if err := storage.SaveHeads("/driftdb/eventlog/other", []string{h2}); err != nil {
			t.Fatalf("SaveHeads failed: %v", err)
		}

		addresses, err := storage.Addresses()
		if err != nil {
			t.Fatalf("Addresses failed: %v", err)
		}
		if len(addresses) != 2 {
			t.Errorf("Expected 2 addresses, got %v", addresses)
		}

		if err := storage.DeleteHeads("/driftdb/eventlog/other"); err != nil {
			t.Fatalf("DeleteHeads failed: %v", err)
		}
		addresses, _ = storage.Addresses()
		if len(addresses) != 1 {
			t.Errorf("Expected 1 address after delete, got %v", addresses)
		}
	})

	t.Run("SetAndGetMetadata", func(t *testing.T) {
		key := "identity"
		value := "peer-a"

		if err := storage.SetMetadata(key, value); err != nil {
			t.Fatalf("SetMetadata failed: %v", err)
		}

		retrieved, err := storage.GetMetadata(key)
		if err != nil {
			t.Fatalf("GetMetadata failed: %v", err)
		}

		if retrieved != value {
			t.Errorf("Expected value %s, got %s", value, retrieved)
		}

		if _, err := storage.GetMetadata("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}
