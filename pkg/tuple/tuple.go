// Package tuple converts listing items into the minimal sortable payload
// stored in the query cache: a fullname followed by the attributes the
// listing is ordered by.
package tuple

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/afterdarksys/querycached/pkg/thing"
)

// SortColumn orders by one attribute.
type SortColumn struct {
	Attr string
	Desc bool
}

// Asc orders by attr ascending.
func Asc(attr string) SortColumn { return SortColumn{Attr: attr} }

// Desc orders by attr descending.
func Desc(attr string) SortColumn { return SortColumn{Attr: attr, Desc: true} }

// Spec is the total order of a listing. The first column decides, later
// columns break ties.
type Spec []SortColumn

// Width is the number of elements in a tuple for this spec.
func (s Spec) Width() int { return 1 + len(s) }

// Equal reports whether both specs order identically.
func (s Spec) Equal(o Spec) bool { return slices.Equal(s, o) }

// String renders the spec as "-hot,-date".
func (s Spec) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		if c.Desc {
			parts[i] = "-" + c.Attr
		} else {
			parts[i] = c.Attr
		}
	}
	return strings.Join(parts, ",")
}

// ParseSpec is the inverse of Spec.String.
func ParseSpec(str string) (Spec, error) {
	if str == "" {
		return nil, fmt.Errorf("empty sort spec")
	}
	var s Spec
	for _, part := range strings.Split(str, ",") {
		part = strings.TrimSpace(part)
		if attr, ok := strings.CutPrefix(part, "-"); ok {
			s = append(s, Desc(attr))
		} else {
			s = append(s, Asc(part))
		}
	}
	return s, nil
}

// Tuple is (id, value_1 .. value_n). Values are float64 or string.
type Tuple struct {
	ID     string
	Values []any
}

// MarshalJSON encodes the tuple as a flat array.
func (t Tuple) MarshalJSON() ([]byte, error) {
	arr := make([]any, 0, 1+len(t.Values))
	arr = append(arr, t.ID)
	arr = append(arr, t.Values...)
	return json.Marshal(arr)
}

// UnmarshalJSON decodes a flat array written by MarshalJSON.
func (t *Tuple) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) == 0 {
		return fmt.Errorf("empty tuple")
	}
	id, ok := arr[0].(string)
	if !ok {
		return fmt.Errorf("tuple id is %T, want string", arr[0])
	}
	t.ID = id
	t.Values = arr[1:]
	for i, v := range t.Values {
		switch v.(type) {
		case float64, string:
		default:
			return fmt.Errorf("tuple value %d has unsupported type %T", i, v)
		}
	}
	return nil
}

// Normalize converts an attribute into its stored form. Dates become
// integral epoch seconds.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return float64(1), nil
		}
		return float64(0), nil
	case string:
		return x, nil
	case time.Time:
		return float64(x.Unix()), nil
	case *time.Time:
		if x == nil {
			return nil, fmt.Errorf("nil time")
		}
		return float64(x.Unix()), nil
	}
	return nil, fmt.Errorf("unsupported sort value type %T", v)
}

// Encode builds the tuple for item. The identifier comes from filter(item)
// while the sort values are read off the original item.
func Encode(spec Spec, filter thing.Filter, item thing.Entity) (Tuple, error) {
	if filter == nil {
		filter = thing.Identity
	}
	t := Tuple{
		ID:     filter(item).ID(),
		Values: make([]any, len(spec)),
	}
	for i, col := range spec {
		raw, ok := item.Attr(col.Attr)
		if !ok {
			return Tuple{}, fmt.Errorf("%s has no attribute %q", item.ID(), col.Attr)
		}
		v, err := Normalize(raw)
		if err != nil {
			return Tuple{}, fmt.Errorf("%s.%s: %w", item.ID(), col.Attr, err)
		}
		t.Values[i] = v
	}
	return t, nil
}

// EncodeAll encodes every item, stopping at the first error.
func EncodeAll(spec Spec, filter thing.Filter, items []thing.Entity) ([]Tuple, error) {
	out := make([]Tuple, 0, len(items))
	for _, item := range items {
		t, err := Encode(spec, filter, item)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Compare orders a before b (negative) when a ranks higher under spec.
func Compare(spec Spec, a, b Tuple) int {
	for i, col := range spec {
		c := compareValues(valueAt(a, i), valueAt(b, i))
		if c == 0 {
			continue
		}
		if col.Desc {
			return -c
		}
		return c
	}
	return 0
}

func valueAt(t Tuple, i int) any {
	if i < len(t.Values) {
		return t.Values[i]
	}
	return nil
}

// compareValues orders nil < numbers < strings.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case float64:
		return cmp.Compare(x, b.(float64))
	case string:
		return cmp.Compare(x, b.(string))
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	}
	return 3
}

// Sort orders tuples by spec, keeping the input order of equal tuples.
func Sort(spec Spec, ts []Tuple) {
	slices.SortStableFunc(ts, func(a, b Tuple) int { return Compare(spec, a, b) })
}

// Dedupe drops every tuple whose id already appeared earlier.
func Dedupe(ts []Tuple) []Tuple {
	seen := make(map[string]struct{}, len(ts))
	out := make([]Tuple, 0, len(ts))
	for _, t := range ts {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out
}

// IDs returns the identifiers of ts in order.
func IDs(ts []Tuple) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}
