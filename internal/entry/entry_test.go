package entry

import (
	"bytes"
	"errors"
	"testing"

	"github.com/driftdb/driftdb/internal/hash"
)

func mustPut(t *testing.T, key string, value interface{}) Payload {
	t.Helper()
	p, err := Put(key, value)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return p
}

func TestNewIsDeterministic(t *testing.T) {
	p1, p2 := hash.Sum([]byte("p1")), hash.Sum([]byte("p2"))
	payload := mustPut(t, "key1", "hello")

	e1, err := New("db", "peer-a", payload, Clock{ID: "peer-a", Time: 2}, []string{p1, p2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	e2, err := New("db", "peer-a", payload, Clock{ID: "peer-a", Time: 2}, []string{p2, p1, p2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if e1.Hash != e2.Hash {
		t.Errorf("Same content should produce same hash: %s != %s", e1.Hash, e2.Hash)
	}
	if len(e2.Parents) != 2 || e2.Parents[0] > e2.Parents[1] {
		t.Errorf("Parents should be a sorted set, got %v", e2.Parents)
	}
	if hash.Sum(e1.Bytes()) != e1.Hash {
		t.Error("Hash should be the content address of the encoding")
	}

	e3, _ := New("db", "peer-a", mustPut(t, "key1", "hello!"), Clock{ID: "peer-a", Time: 2}, []string{p1, p2})
	if e3.Hash == e1.Hash {
		t.Error("Different payloads should produce different hashes")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	values := []interface{}{
		"hello",
		123,
		map[string]interface{}{"one": "first", "two": 2},
		[]int{1, 2, 3, 4, 5},
		nil,
	}

	for _, v := range values {
		payload := mustPut(t, "key", v)
		e, err := New("db", "peer-a", payload, Clock{ID: "peer-a", Time: 1}, nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		decoded, err := Decode(e.Hash, e.Bytes())
		if err != nil {
			t.Fatalf("Decode failed for %v: %v", v, err)
		}

		if decoded.Hash != e.Hash {
			t.Errorf("Expected hash %s, got %s", e.Hash, decoded.Hash)
		}
		if !bytes.Equal(decoded.Payload.Value, e.Payload.Value) {
			t.Errorf("Value did not round-trip: %s != %s", decoded.Payload.Value, e.Payload.Value)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	e, err := New("db", "peer-a", mustPut(t, "key", "hello"), Clock{ID: "peer-a", Time: 1}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tampered := bytes.Replace(e.Bytes(), []byte(`"hello"`), []byte(`"HELLO"`), 1)

	tests := []struct {
		name string
		hash string
		data []byte
	}{
		{name: "not json", hash: e.Hash, data: []byte("garbage")},
		{name: "tampered content", hash: e.Hash, data: tampered},
		{name: "wrong claimed hash", hash: hash.Sum([]byte("other")), data: e.Bytes()},
		{name: "bad version", hash: e.Hash, data: bytes.Replace(e.Bytes(), []byte(`"v":1`), []byte(`"v":9`), 1)},
		{name: "invalid payload", hash: e.Hash, data: bytes.Replace(e.Bytes(), []byte(`"op":"PUT"`), []byte(`"op":"NOP"`), 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.hash, tt.data)
			if !errors.Is(err, ErrMalformedEntry) {
				t.Errorf("Expected ErrMalformedEntry, got %v", err)
			}
		})
	}
}

func TestNewValidates(t *testing.T) {
	payload := mustPut(t, "key", "value")

	tests := []struct {
		name     string
		id       string
		identity string
		clock    Clock
		parents  []string
	}{
		{name: "empty id", id: "", identity: "a", clock: Clock{ID: "a", Time: 1}},
		{name: "empty identity", id: "db", identity: "", clock: Clock{ID: "", Time: 1}},
		{name: "clock owner mismatch", id: "db", identity: "a", clock: Clock{ID: "b", Time: 1}},
		{name: "zero time", id: "db", identity: "a", clock: Clock{ID: "a", Time: 0}},
		{name: "bad parent", id: "db", identity: "a", clock: Clock{ID: "a", Time: 2}, parents: []string{"nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.id, tt.identity, payload, tt.clock, tt.parents); !errors.Is(err, ErrMalformedEntry) {
				t.Errorf("Expected ErrMalformedEntry, got %v", err)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	mk := func(id string, time uint64, value string) *Entry {
		e, err := New("db", id, mustPut(t, "k", value), Clock{ID: id, Time: time}, nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		return e
	}

	a1 := mk("a", 1, "x")
	b1 := mk("b", 1, "x")
	a2 := mk("a", 2, "x")

	if !Less(a1, b1) {
		t.Error("Equal times should be ordered by identity")
	}
	if !Less(b1, a2) {
		t.Error("Lower time should sort first regardless of identity")
	}
	if Compare(a1, a1) != 0 {
		t.Error("An entry should compare equal to itself")
	}

	x, y := mk("a", 1, "x"), mk("a", 1, "y")
	if (Compare(x, y) < 0) != (x.Hash < y.Hash) {
		t.Error("Identical clocks should be ordered by hash")
	}
}

func TestTick(t *testing.T) {
	if c := Tick("a"); c.Time != 1 || c.ID != "a" {
		t.Errorf("First tick should be 1, got %+v", c)
	}

	c := Tick("a", Clock{ID: "b", Time: 4}, Clock{ID: "c", Time: 7})
	if c.Time != 8 {
		t.Errorf("Expected time 8, got %d", c.Time)
	}
}

func TestPayload(t *testing.T) {
	add, err := Add("hello")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	var s string
	if err := add.Decode(&s); err != nil || s != "hello" {
		t.Errorf("Expected hello, got %q (%v)", s, err)
	}

	if err := Del("key").Decode(&s); err == nil {
		t.Error("Decoding a DEL payload should fail")
	}

	invalid := []Payload{
		{Op: OpPut, Value: []byte(`1`)},
		{Op: OpPut, Key: "k"},
		{Op: OpDel},
		{Op: OpDel, Key: "k", Value: []byte(`1`)},
		{Op: OpAdd, Key: "k", Value: []byte(`1`)},
		{Op: "NOP"},
	}
	for _, p := range invalid {
		if err := p.Validate(); err == nil {
			t.Errorf("Expected %+v to be invalid", p)
		}
	}
}
