// Package listing names the cached listings of the site: subreddit link
// listings, per-user submissions, comments, votes, saves and inboxes. It
// builds their cache keys and store criteria and routes write-path events
// to the listings they affect.
package listing

import (
	"fmt"
	"time"

	"github.com/afterdarksys/querycached/pkg/querycache"
	"github.com/afterdarksys/querycached/pkg/store"
	"github.com/afterdarksys/querycached/pkg/thing"
	"github.com/afterdarksys/querycached/pkg/tuple"
)

// Sort is a listing order.
type Sort string

const (
	Hot           Sort = "hot"
	New           Sort = "new"
	Top           Sort = "top"
	Controversial Sort = "controversial"
)

// Sorts lists every order.
var Sorts = []Sort{Hot, New, Top, Controversial}

// Spec returns the tuple order of s.
func (s Sort) Spec() tuple.Spec {
	switch s {
	case Hot:
		return tuple.Spec{tuple.Desc("hot"), tuple.Desc("date")}
	case Top:
		return tuple.Spec{tuple.Desc("score"), tuple.Desc("date")}
	case Controversial:
		return tuple.Spec{tuple.Desc("controversy"), tuple.Desc("date")}
	default:
		return tuple.Spec{tuple.Desc("date")}
	}
}

// Windowed reports whether s accepts a time window other than All.
func (s Sort) Windowed() bool { return s == Top || s == Controversial }

func ParseSort(s string) (Sort, error) {
	for _, sort := range Sorts {
		if string(sort) == s {
			return sort, nil
		}
	}
	return "", fmt.Errorf("unknown sort: %q", s)
}

// Window restricts a listing to recent items.
type Window string

const (
	Hour  Window = "hour"
	Day   Window = "day"
	Week  Window = "week"
	Month Window = "month"
	Year  Window = "year"
	All   Window = "all"
)

// Windows lists the bounded windows, shortest first.
var Windows = []Window{Hour, Day, Week, Month, Year}

// Duration returns the length of w, zero for All.
func (w Window) Duration() time.Duration {
	switch w {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	case Week:
		return 7 * 24 * time.Hour
	case Month:
		return 30 * 24 * time.Hour
	case Year:
		return 365 * 24 * time.Hour
	}
	return 0
}

func ParseWindow(s string) (Window, error) {
	if s == string(All) {
		return All, nil
	}
	for _, w := range Windows {
		if string(w) == s {
			return w, nil
		}
	}
	return "", fmt.Errorf("unknown time window: %q", s)
}

// Relation names in the primary store.
const (
	RelVote         = "vote"
	RelSave         = "save"
	RelHide         = "hide"
	RelInboxMessage = "inbox_message"
	RelInboxComment = "inbox_comment"
)

// Listings builds queries against one engine. Builders are cheap and
// return unfetched queries.
type Listings struct {
	eng *querycache.Engine
	now func() time.Time
}

func NewListings(eng *querycache.Engine) *Listings {
	return &Listings{eng: eng, now: time.Now}
}

// SetClock replaces the clock that decides the current day.
func (l *Listings) SetClock(now func() time.Time) { l.now = now }

func (l *Listings) Engine() *querycache.Engine { return l.eng }

func key(family string, id int64, args ...string) string {
	k := family + "." + thing.To36(id)
	for _, a := range args {
		k += "." + a
	}
	return k
}

// checkWindow rejects windows on sorts that do not take one.
func checkWindow(sort Sort, window Window) Window {
	if window == "" || !sort.Windowed() {
		return All
	}
	return window
}

func (l *Listings) votable(k, kind string, sort Sort, window Window, equals map[string]any) *querycache.Query {
	return l.eng.Query(querycache.Def{
		Key:  k,
		Sort: sort.Spec(),
		Criteria: store.Criteria{
			Kind:   kind,
			Equals: equals,
			Window: window.Duration(),
		},
		Precomputed: window != All,
	})
}

// Links is the link listing of a subreddit. Windowed top and
// controversial listings are precomputed.
func (l *Listings) Links(sr int64, sort Sort, window Window) *querycache.Query {
	window = checkWindow(sort, window)
	return l.votable(key("links", sr, string(sort), string(window)), store.KindLink, sort, window,
		map[string]any{"sr_id": sr, "spam": false, "deleted": false})
}

// Submitted lists the links an account posted.
func (l *Listings) Submitted(account int64, sort Sort, window Window) *querycache.Query {
	window = checkWindow(sort, window)
	return l.votable(key("submitted", account, string(sort), string(window)), store.KindLink, sort, window,
		map[string]any{"author_id": account, "deleted": false})
}

// Comments lists the comments an account wrote.
func (l *Listings) Comments(account int64, sort Sort, window Window) *querycache.Query {
	window = checkWindow(sort, window)
	return l.votable(key("comments", account, string(sort), string(window)), store.KindComment, sort, window,
		map[string]any{"author_id": account, "deleted": false})
}

// SRComments lists the newest comments of a subreddit.
func (l *Listings) SRComments(sr int64) *querycache.Query {
	return l.votable(key("sr_comments", sr), store.KindComment, New, All,
		map[string]any{"sr_id": sr, "spam": false, "deleted": false})
}

// SpamLinks lists the links of a subreddit marked as spam.
func (l *Listings) SpamLinks(sr int64) *querycache.Query {
	return l.votable(key("spam_links", sr), store.KindLink, New, All,
		map[string]any{"sr_id": sr, "spam": true})
}

// DeletedLinks lists the links an account deleted.
func (l *Listings) DeletedLinks(account int64) *querycache.Query {
	return l.votable(key("deleted_links", account), store.KindLink, New, All,
		map[string]any{"author_id": account, "deleted": true})
}

// Sent lists the messages an account sent.
func (l *Listings) Sent(account int64) *querycache.Query {
	return l.votable(key("sent", account), store.KindMessage, New, All,
		map[string]any{"author_id": account})
}

// relation lists the second side of an account's relations, newest first.
func (l *Listings) relation(family string, account int64, rel string, equals map[string]any) *querycache.Query {
	if equals == nil {
		equals = make(map[string]any, 1)
	}
	equals["thing1_id"] = thing.Fullname(thing.PrefixAccount, account)
	return l.eng.Query(querycache.Def{
		Key:    key(family, account),
		Sort:   New.Spec(),
		Filter: thing.SecondSide,
		Criteria: store.Criteria{
			Kind:   store.RelKind(rel),
			Equals: equals,
		},
	})
}

func (l *Listings) Saved(account int64) *querycache.Query {
	return l.relation("saved", account, RelSave, nil)
}

func (l *Listings) Hidden(account int64) *querycache.Query {
	return l.relation("hidden", account, RelHide, nil)
}

// Liked lists what an account upvoted.
func (l *Listings) Liked(account int64) *querycache.Query {
	return l.relation("liked", account, RelVote, map[string]any{"direction": 1})
}

// Disliked lists what an account downvoted.
func (l *Listings) Disliked(account int64) *querycache.Query {
	return l.relation("disliked", account, RelVote, map[string]any{"direction": -1})
}

func (l *Listings) InboxMessages(account int64) *querycache.Query {
	return l.relation("inbox_messages", account, RelInboxMessage, nil)
}

func (l *Listings) InboxComments(account int64) *querycache.Query {
	return l.relation("inbox_comments", account, RelInboxComment, nil)
}

const dayLayout = "20060102"

// Today lists the links posted to a subreddit on the current UTC day.
func (l *Listings) Today(sr int64, sort Sort) *querycache.Query {
	return l.OnDay(sr, sort, l.now())
}

// OnDay lists the links posted to a subreddit on the UTC day of t. The
// bounds are absolute, so the listing stays insertable.
func (l *Listings) OnDay(sr int64, sort Sort, t time.Time) *querycache.Query {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return l.eng.Query(querycache.Def{
		Key:  key("links_today", sr, string(sort), start.Format(dayLayout)),
		Sort: sort.Spec(),
		Criteria: store.Criteria{
			Kind:   store.KindLink,
			Equals: map[string]any{"sr_id": sr, "spam": false, "deleted": false},
			Since:  start,
			Until:  start.AddDate(0, 0, 1),
		},
	})
}

// TopMerged reads a precomputed windowed listing together with today's
// links, which the batch job has not seen yet.
func (l *Listings) TopMerged(sr int64, sort Sort, window Window) *querycache.Merged {
	return querycache.NewMerged(l.eng, l.Links(sr, sort, window), l.Today(sr, sort))
}

// Overview merges an account's links and comments.
func (l *Listings) Overview(account int64, sort Sort) *querycache.Merged {
	return querycache.NewMerged(l.eng, l.Submitted(account, sort, All), l.Comments(account, sort, All))
}

// Inbox merges an account's message and comment replies.
func (l *Listings) Inbox(account int64) *querycache.Merged {
	return querycache.NewMerged(l.eng, l.InboxMessages(account), l.InboxComments(account))
}
