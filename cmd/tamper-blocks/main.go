package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/driftdb/driftdb/internal/blockstore"
	bolt "go.etcd.io/bbolt"
)

// wireEntry is the subset of a stored entry this tool rewrites.
type wireEntry map[string]json.RawMessage

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <blocks-db-path> <log-address>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool corrupts the first stored entry of the specified log\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	address := os.Args[2]

	fmt.Printf("Opening block store: %s\n", dbPath)
	fmt.Printf("Target log: %s\n", address)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open block store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	var targetKey []byte
	var target wireEntry

	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blockstore.BlocksBucket)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", blockstore.BlocksBucket)
		}

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var e wireEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}

			var id string
			if err := json.Unmarshal(e["id"], &id); err != nil || id != address {
				continue
			}

			targetKey = make([]byte, len(k))
			copy(targetKey, k)
			target = e
			fmt.Printf("Found entry %s\n", string(k)[:32]+"...")
			fmt.Printf("  Original payload: %s\n", e["payload"])
			break
		}

		if len(targetKey) == 0 {
			return fmt.Errorf("no entries found for log: %s", address)
		}
		return nil
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	target["payload"] = json.RawMessage(`{"op":"ADD","value":"tampered"}`)
	fmt.Printf("Corrupted payload: %s\n", target["payload"])

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blockstore.BlocksBucket)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", blockstore.BlocksBucket)
		}

		// The key stays the original address, so the block no longer
		// matches its content.
		corrupted, err := json.Marshal(target)
		if err != nil {
			return fmt.Errorf("failed to marshal corrupted entry: %w", err)
		}

		if err := bucket.Put(targetKey, corrupted); err != nil {
			return fmt.Errorf("failed to save corrupted entry: %w", err)
		}

		fmt.Println("✓ Successfully corrupted block")
		return nil
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Block store tampering completed")
}
