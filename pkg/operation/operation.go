package operation

import (
	"encoding/json"
	"fmt"

	"raftmap/pkg/dberrors"
)

// Kind is the stable wire identity of an operation.
type Kind string

const (
	KindPut      Kind = "put"
	KindClear    Kind = "clear"
	KindGet      Kind = "get"
	KindSize     Kind = "size"
	KindSnapshot Kind = "snapshot"
)

// CompactionMode tells the snapshot coordinator how an applied command
// relates to earlier log entries.
type CompactionMode uint8

const (
	// CompactionDefault entries are released by the regular snapshot policy.
	CompactionDefault CompactionMode = iota
	// CompactionTombstone entries supersede every earlier mutation, so the
	// log prefix before them can be dropped as soon as they are applied.
	CompactionTombstone
)

func (k Kind) Valid() bool {
	switch k {
	case KindPut, KindClear, KindGet, KindSize, KindSnapshot:
		return true
	}
	return false
}

// Mutating reports whether operations of this kind must go through the log.
func (k Kind) Mutating() bool {
	return k == KindPut || k == KindClear
}

func (k Kind) ReadOnly() bool {
	return k.Valid() && !k.Mutating()
}

// Operation is a command (Put, Clear) or a query (Get, Size, Snapshot)
// against the replicated map. It is plain data: applying it needs nothing
// but the current state.
type Operation struct {
	Kind  Kind
	Key   string
	Value []byte
}

// wireOperation carries the key as bytes: keys are arbitrary byte strings
// and a JSON string would replace invalid UTF-8.
type wireOperation struct {
	Kind  Kind   `json:"kind"`
	Key   []byte `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	w := wireOperation{Kind: op.Kind, Value: op.Value}
	if op.Key != "" {
		w.Key = []byte(op.Key)
	}
	return json.Marshal(w)
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*op = Operation{Kind: w.Kind, Key: string(w.Key), Value: w.Value}
	return nil
}

func Put(key string, value []byte) Operation {
	return Operation{Kind: KindPut, Key: key, Value: value}
}

func Clear() Operation {
	return Operation{Kind: KindClear}
}

func Get(key string) Operation {
	return Operation{Kind: KindGet, Key: key}
}

func Size() Operation {
	return Operation{Kind: KindSize}
}

func Snapshot() Operation {
	return Operation{Kind: KindSnapshot}
}

func (op Operation) Mutating() bool {
	return op.Kind.Mutating()
}

func (op Operation) Compaction() CompactionMode {
	if op.Kind == KindClear {
		return CompactionTombstone
	}
	return CompactionDefault
}

// Validate rejects operations that must never reach a state machine.
// Keys and values are opaque, so only the shape is checked.
func (op Operation) Validate() error {
	switch op.Kind {
	case KindPut, KindGet:
		if op.Kind == KindGet && op.Value != nil {
			return fmt.Errorf("%w: get carries a value", dberrors.ErrMalformedOperation)
		}
		return nil
	case KindClear, KindSize, KindSnapshot:
		if op.Key != "" || op.Value != nil {
			return fmt.Errorf("%w: %s takes no arguments", dberrors.ErrMalformedOperation, op.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", dberrors.ErrMalformedOperation, op.Kind)
	}
}

func (op Operation) String() string {
	switch op.Kind {
	case KindPut:
		return fmt.Sprintf("put(%q, %d bytes)", op.Key, len(op.Value))
	case KindGet:
		return fmt.Sprintf("get(%q)", op.Key)
	default:
		return string(op.Kind) + "()"
	}
}

// Decode parses and validates an operation received from the network or
// the log.
func Decode(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("%w: %v", dberrors.ErrMalformedOperation, err)
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func Encode(op Operation) ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(op)
}
