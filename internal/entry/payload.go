package entry

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Op tags the kind of operation an entry carries.
type Op string

const (
	OpPut Op = "PUT"
	OpDel Op = "DEL"
	OpAdd Op = "ADD"
)

// Payload is the operation recorded by an entry. Key is set for PUT and DEL,
// Value for PUT and ADD. Value holds compact JSON and is never re-encoded, so
// it round-trips byte for byte.
type Payload struct {
	Op    Op              `json:"op"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

func Put(key string, value interface{}) (Payload, error) {
	raw, err := encodeValue(value)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Op: OpPut, Key: key, Value: raw}, nil
}

func Del(key string) Payload {
	return Payload{Op: OpDel, Key: key}
}

func Add(value interface{}) (Payload, error) {
	raw, err := encodeValue(value)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Op: OpAdd, Value: raw}, nil
}

// Decode unmarshals the payload value into v.
func (p Payload) Decode(v interface{}) error {
	if len(p.Value) == 0 {
		return fmt.Errorf("payload %s has no value", p.Op)
	}
	if err := json.Unmarshal(p.Value, v); err != nil {
		return fmt.Errorf("failed to decode payload value: %w", err)
	}
	return nil
}

func (p Payload) Validate() error {
	switch p.Op {
	case OpPut:
		if p.Key == "" {
			return fmt.Errorf("PUT requires a key")
		}
		if len(p.Value) == 0 {
			return fmt.Errorf("PUT requires a value")
		}
	case OpDel:
		if p.Key == "" {
			return fmt.Errorf("DEL requires a key")
		}
		if len(p.Value) != 0 {
			return fmt.Errorf("DEL must not carry a value")
		}
	case OpAdd:
		if p.Key != "" {
			return fmt.Errorf("ADD must not carry a key")
		}
		if len(p.Value) == 0 {
			return fmt.Errorf("ADD requires a value")
		}
	default:
		return fmt.Errorf("unknown op %q", p.Op)
	}
	return nil
}

func encodeValue(value interface{}) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("invalid raw value: %w", err)
		}
		return buf.Bytes(), nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return data, nil
}
