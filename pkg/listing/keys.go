package listing

import (
	"fmt"
	"strings"
	"time"

	"github.com/afterdarksys/querycached/pkg/precompute"
	"github.com/afterdarksys/querycached/pkg/querycache"
	"github.com/afterdarksys/querycached/pkg/thing"
)

// FromKey rebuilds the query a cache key was made from.
func (l *Listings) FromKey(k string) (*querycache.Query, error) {
	parts := strings.Split(k, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid listing key: %q", k)
	}
	family, args := parts[0], parts[2:]
	id, err := thing.From36(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid listing key %q: %w", k, err)
	}

	switch family {
	case "links", "submitted", "comments":
		if len(args) != 2 {
			return nil, fmt.Errorf("invalid listing key: %q", k)
		}
		sort, window, err := parseSortWindow(args[0], args[1])
		if err != nil {
			return nil, fmt.Errorf("invalid listing key %q: %w", k, err)
		}
		switch family {
		case "links":
			return l.Links(id, sort, window), nil
		case "submitted":
			return l.Submitted(id, sort, window), nil
		default:
			return l.Comments(id, sort, window), nil
		}

	case "links_today":
		if len(args) != 2 {
			return nil, fmt.Errorf("invalid listing key: %q", k)
		}
		sort, err := ParseSort(args[0])
		if err != nil {
			return nil, fmt.Errorf("invalid listing key %q: %w", k, err)
		}
		day, err := time.Parse(dayLayout, args[1])
		if err != nil {
			return nil, fmt.Errorf("invalid listing key %q: %w", k, err)
		}
		return l.OnDay(id, sort, day), nil
	}

	if len(args) != 0 {
		return nil, fmt.Errorf("invalid listing key: %q", k)
	}
	build, ok := map[string]func(int64) *querycache.Query{
		"sr_comments":    l.SRComments,
		"spam_links":     l.SpamLinks,
		"deleted_links":  l.DeletedLinks,
		"sent":           l.Sent,
		"saved":          l.Saved,
		"hidden":         l.Hidden,
		"liked":          l.Liked,
		"disliked":       l.Disliked,
		"inbox_messages": l.InboxMessages,
		"inbox_comments": l.InboxComments,
	}[family]
	if !ok {
		return nil, fmt.Errorf("unknown listing: %q", family)
	}
	return build(id), nil
}

func parseSortWindow(s, w string) (Sort, Window, error) {
	sort, err := ParseSort(s)
	if err != nil {
		return "", "", err
	}
	window, err := ParseWindow(w)
	if err != nil {
		return "", "", err
	}
	if window != All && !sort.Windowed() {
		return "", "", fmt.Errorf("sort %s takes no time window", sort)
	}
	return sort, window, nil
}

// PrecomputedJobs returns the batch jobs of a subject: the windowed top
// and controversial listings of a subreddit (t5) or an account (t2).
func (l *Listings) PrecomputedJobs(subject string) ([]precompute.Job, error) {
	prefix, id, err := thing.ParseFullname(subject)
	if err != nil {
		return nil, err
	}

	var families []string
	switch prefix {
	case thing.PrefixSR:
		families = []string{"links"}
	case thing.PrefixAccount:
		families = []string{"submitted", "comments"}
	default:
		return nil, fmt.Errorf("no precomputed listings for %s", subject)
	}

	var jobs []precompute.Job
	for _, family := range families {
		for _, sort := range []Sort{Top, Controversial} {
			for _, window := range Windows {
				var q *querycache.Query
				switch family {
				case "links":
					q = l.Links(id, sort, window)
				case "submitted":
					q = l.Submitted(id, sort, window)
				case "comments":
					q = l.Comments(id, sort, window)
				}
				jobs = append(jobs, precompute.Job{
					Scope:    subject,
					Identity: family + "." + string(sort) + "." + string(window),
					Query:    q,
				})
			}
		}
	}
	return jobs, nil
}
