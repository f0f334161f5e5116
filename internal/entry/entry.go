// Package entry defines the immutable, content-addressed records of the
// operation log and their canonical encoding.
package entry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/driftdb/driftdb/internal/hash"
)

const formatVersion = 1

var ErrMalformedEntry = errors.New("malformed entry")

// Entry is one operation in a log. Hash is derived from the other fields
// and is never read from the wire.
type Entry struct {
	Hash     string
	ID       string
	Identity string
	Payload  Payload
	Clock    Clock
	Parents  []string

	data []byte
}

type wireEntry struct {
	V        int      `json:"v"`
	ID       string   `json:"id"`
	Identity string   `json:"identity"`
	Payload  Payload  `json:"payload"`
	Clock    Clock    `json:"clock"`
	Parents  []string `json:"parents"`
}

// New builds an entry and computes its hash. Parents are treated as a set.
func New(id, identity string, payload Payload, clock Clock, parents []string) (*Entry, error) {
	e := &Entry{
		ID:       id,
		Identity: identity,
		Payload:  payload,
		Clock:    clock,
		Parents:  normalizeParents(parents),
	}

	if err := e.validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(wireEntry{
		V:        formatVersion,
		ID:       e.ID,
		Identity: e.Identity,
		Payload:  e.Payload,
		Clock:    e.Clock,
		Parents:  e.Parents,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}

	e.data = data
	e.Hash = hash.Sum(data)
	return e, nil
}

// Decode parses a block fetched under address h. The block must be the
// canonical encoding of a valid entry whose hash is h.
func Decode(h string, data []byte) (*Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEntry, h, err)
	}
	if w.V != formatVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrMalformedEntry, h, w.V)
	}

	e, err := New(w.ID, w.Identity, w.Payload, w.Clock, w.Parents)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEntry, h, err)
	}
	if e.Hash != h {
		return nil, fmt.Errorf("%w: hash mismatch: claimed %s, computed %s", ErrMalformedEntry, h, e.Hash)
	}

	return e, nil
}

// Bytes returns the canonical encoding stored in the block store.
func (e *Entry) Bytes() []byte {
	return e.data
}

func (e *Entry) validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty log id", ErrMalformedEntry)
	}
	if e.Identity == "" {
		return fmt.Errorf("%w: empty identity", ErrMalformedEntry)
	}
	if e.Clock.ID != e.Identity {
		return fmt.Errorf("%w: clock id %q does not match identity %q", ErrMalformedEntry, e.Clock.ID, e.Identity)
	}
	if e.Clock.Time == 0 {
		return fmt.Errorf("%w: clock time must be positive", ErrMalformedEntry)
	}
	for _, p := range e.Parents {
		if !hash.Valid(p) {
			return fmt.Errorf("%w: invalid parent hash %q", ErrMalformedEntry, p)
		}
	}
	if err := e.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	return nil
}

// Compare implements the canonical total order: clock time, then writer
// identity, then hash.
func Compare(a, b *Entry) int {
	if c := a.Clock.Compare(b.Clock); c != 0 {
		return c
	}
	return strings.Compare(a.Hash, b.Hash)
}

func Less(a, b *Entry) bool {
	return Compare(a, b) < 0
}

func normalizeParents(parents []string) []string {
	out := make([]string, 0, len(parents))
	seen := make(map[string]struct{}, len(parents))
	for _, p := range parents {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
