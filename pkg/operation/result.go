package operation

import (
	"encoding/json"
	"sort"
)

// Result is the outcome of applying an operation.
//
// Found distinguishes an absent key from a key holding an empty value, and
// survives the JSON round trip: absent is {"found":false}, an empty value is
// {"found":true}.
type Result struct {
	Found   bool
	Value   []byte
	Size    int
	Entries map[string][]byte
}

type wireEntry struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// wireResult sends entries as a key-ordered list of byte pairs, so keys that
// are not valid UTF-8 survive the trip.
type wireResult struct {
	Found   bool        `json:"found"`
	Value   []byte      `json:"value,omitempty"`
	Size    int         `json:"size,omitempty"`
	Entries []wireEntry `json:"entries,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	w := wireResult{Found: r.Found, Value: r.Value, Size: r.Size}
	if len(r.Entries) > 0 {
		keys := make([]string, 0, len(r.Entries))
		for k := range r.Entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Entries = make([]wireEntry, 0, len(keys))
		for _, k := range keys {
			w.Entries = append(w.Entries, wireEntry{Key: []byte(k), Value: r.Entries[k]})
		}
	}
	return json.Marshal(w)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Result{Found: w.Found, Value: w.Value, Size: w.Size}
	if w.Entries != nil {
		r.Entries = make(map[string][]byte, len(w.Entries))
		for _, e := range w.Entries {
			r.Entries[string(e.Key)] = e.Value
		}
	}
	return nil
}

// Absent is the result of Get on a missing key and of Put on a new key.
func Absent() Result {
	return Result{}
}

func Present(value []byte) Result {
	return Result{Found: true, Value: value}
}

// Unit is the result of Clear.
func Unit() Result {
	return Result{}
}

func SizeOf(n int) Result {
	return Result{Found: true, Size: n}
}

func EntriesOf(m map[string][]byte) Result {
	return Result{Found: true, Size: len(m), Entries: m}
}
