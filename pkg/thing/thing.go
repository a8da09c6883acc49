package thing

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Entity is anything that can appear in a cached listing. Implementations
// expose a stable identifier and named attributes used for ordering.
type Entity interface {
	ID() string
	Attr(name string) (any, bool)
}

// Relation is an Entity that links two other entities, such as a vote
// (account -> link) or a saved item (account -> link).
type Relation interface {
	Entity
	Thing1() Entity
	Thing2() Entity
}

// Filter maps a queried item to the entity whose identifier is stored.
type Filter func(Entity) Entity

// Identity stores the queried item itself.
func Identity(e Entity) Entity { return e }

// SecondSide stores the object of a relationship instead of the relationship.
func SecondSide(e Entity) Entity {
	if rel, ok := e.(Relation); ok {
		return rel.Thing2()
	}
	return e
}

// Type prefixes for fullnames.
const (
	PrefixComment = "t1"
	PrefixAccount = "t2"
	PrefixLink    = "t3"
	PrefixMessage = "t4"
	PrefixSR      = "t5"
)

// To36 renders an id in base 36, the form used in fullnames and query keys.
func To36(id int64) string {
	return strconv.FormatInt(id, 36)
}

// From36 parses a base 36 id.
func From36(s string) (int64, error) {
	return strconv.ParseInt(s, 36, 64)
}

// Fullname joins a type prefix and an id.
func Fullname(prefix string, id int64) string {
	return prefix + "_" + To36(id)
}

// ParseFullname splits a fullname into its prefix and numeric id.
func ParseFullname(name string) (string, int64, error) {
	prefix, id36, ok := strings.Cut(name, "_")
	if !ok {
		return "", 0, fmt.Errorf("invalid fullname: %s", name)
	}
	id, err := From36(id36)
	if err != nil {
		return "", 0, fmt.Errorf("invalid fullname %s: %w", name, err)
	}
	return prefix, id, nil
}

const hotEpoch = 1134028003

// Score is the net vote count.
func Score(ups, downs int) int {
	return ups - downs
}

// Hot ranks by log-scaled score with a linear bonus for recency.
func Hot(ups, downs int, date time.Time) float64 {
	s := Score(ups, downs)
	order := math.Log10(math.Max(math.Abs(float64(s)), 1))
	var sign float64
	switch {
	case s > 0:
		sign = 1
	case s < 0:
		sign = -1
	}
	seconds := float64(date.UnixNano())/1e9 - hotEpoch
	return round7(order + sign*seconds/45000)
}

// Controversy favours items with many votes and a small net score.
func Controversy(ups, downs int) float64 {
	return float64(ups+downs) / math.Max(math.Abs(float64(Score(ups, downs))), 1)
}

func round7(f float64) float64 {
	return math.Round(f*1e7) / 1e7
}
