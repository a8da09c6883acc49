package tuple

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// RowVersion is bumped whenever the row layout changes.
const RowVersion = 1

// ErrStaleRow means a cached row was written with a different layout or
// sort spec than the reader expects. Readers treat it as a miss.
var ErrStaleRow = errors.New("stale query row")

// Entry is a cached tuple plus the time it was last written, in unix
// nanoseconds. The timestamp lets pruning skip entries rewritten after
// the prune decision was made.
type Entry struct {
	Tuple   Tuple `json:"t"`
	Written int64 `json:"ts"`
}

type row struct {
	Version int     `json:"v"`
	Width   int     `json:"w"`
	Items   []Entry `json:"items"`
}

// EncodeRow serialises entries for spec.
func EncodeRow(spec Spec, entries []Entry) ([]byte, error) {
	width := spec.Width()
	for _, e := range entries {
		if 1+len(e.Tuple.Values) != width {
			return nil, fmt.Errorf("tuple %s has width %d, want %d", e.Tuple.ID, 1+len(e.Tuple.Values), width)
		}
	}
	if entries == nil {
		entries = []Entry{}
	}
	return json.Marshal(row{Version: RowVersion, Width: width, Items: entries})
}

// DecodeRow parses a row written by EncodeRow. A version or width mismatch
// yields ErrStaleRow.
func DecodeRow(spec Spec, data []byte) ([]Entry, error) {
	var r row
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleRow, err)
	}
	if r.Version != RowVersion {
		return nil, fmt.Errorf("%w: version %d", ErrStaleRow, r.Version)
	}
	width := spec.Width()
	if r.Width != width {
		return nil, fmt.Errorf("%w: width %d, want %d", ErrStaleRow, r.Width, width)
	}
	for _, e := range r.Items {
		if 1+len(e.Tuple.Values) != width {
			return nil, fmt.Errorf("%w: tuple %s width %d", ErrStaleRow, e.Tuple.ID, 1+len(e.Tuple.Values))
		}
	}
	return r.Items, nil
}

// Tuples strips the write timestamps.
func Tuples(entries []Entry) []Tuple {
	out := make([]Tuple, len(entries))
	for i, e := range entries {
		out[i] = e.Tuple
	}
	return out
}

// SortEntries orders entries by their tuples.
func SortEntries(spec Spec, entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int { return Compare(spec, a.Tuple, b.Tuple) })
}
