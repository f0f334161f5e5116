// Package storage is the local cache of per-database state that lets a
// restarted process resume from its last known heads.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/driftdb/driftdb/internal/hash"
	bolt "go.etcd.io/bbolt"
)

var (
	HeadsBucket    = []byte("heads")
	MetadataBucket = []byte("metadata")
)

var ErrNotFound = errors.New("not found")

type Storage struct {
	db *bolt.DB
}

// HeadRecord is the persisted head set of one database address.
type HeadRecord struct {
	Address   string    `json:"address"`
	Heads     []string  `json:"heads"`
	Root      string    `json:"root"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{HeadsBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveHeads(address string, heads []string) error {
	sorted := append([]string(nil), heads...)
	sort.Strings(sorted)

	record := &HeadRecord{
		Address:   address,
		Heads:     sorted,
		Root:      hash.Root(sorted),
		UpdatedAt: time.Now(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal head record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(HeadsBucket).Put([]byte(address), data)
	})
}

func (s *Storage) GetHeads(address string) (*HeadRecord, error) {
	var record HeadRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(HeadsBucket).Get([]byte(address))
		if data == nil {
			return fmt.Errorf("%w: heads for %s", ErrNotFound, address)
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// Addresses lists every database with cached heads.
func (s *Storage) Addresses() ([]string, error) {
	var addresses []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(HeadsBucket).ForEach(func(k, _ []byte) error {
			addresses = append(addresses, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return addresses, nil
}

func (s *Storage) DeleteHeads(address string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(HeadsBucket).Delete([]byte(address))
	})
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: metadata key %s", ErrNotFound, key)
		}
		value = string(data)
		return nil
	})

	return value, err
}
