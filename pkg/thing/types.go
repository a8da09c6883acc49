package thing

import (
	"fmt"
	"time"
)

// Account is a user. Only its identity participates in listings.
type Account struct {
	AccountID int64
	Name      string
}

func (a *Account) ID() string { return Fullname(PrefixAccount, a.AccountID) }

func (a *Account) Attr(name string) (any, bool) {
	switch name {
	case "id":
		return a.AccountID, true
	case "name":
		return a.Name, true
	}
	return nil, false
}

// Link is a submission to a subreddit.
type Link struct {
	LinkID      int64
	SubredditID int64
	AuthorID    int64
	URL         string
	Date        time.Time
	Ups         int
	Downs       int
	Spam        bool
	Deleted     bool
}

func (l *Link) ID() string { return Fullname(PrefixLink, l.LinkID) }

func (l *Link) Attr(name string) (any, bool) {
	return votableAttr(name, l.LinkID, l.SubredditID, l.AuthorID, l.Date, l.Ups, l.Downs, l.Spam, l.Deleted)
}

// Comment is a reply on a link.
type Comment struct {
	CommentID   int64
	LinkID      int64
	SubredditID int64
	AuthorID    int64
	Date        time.Time
	Ups         int
	Downs       int
	Spam        bool
	Deleted     bool
}

func (c *Comment) ID() string { return Fullname(PrefixComment, c.CommentID) }

func (c *Comment) Attr(name string) (any, bool) {
	if name == "link_id" {
		return c.LinkID, true
	}
	return votableAttr(name, c.CommentID, c.SubredditID, c.AuthorID, c.Date, c.Ups, c.Downs, c.Spam, c.Deleted)
}

func votableAttr(name string, id, srID, authorID int64, date time.Time, ups, downs int, spam, deleted bool) (any, bool) {
	switch name {
	case "id":
		return id, true
	case "sr_id":
		return srID, true
	case "author_id":
		return authorID, true
	case "date":
		return date, true
	case "ups":
		return ups, true
	case "downs":
		return downs, true
	case "score":
		return Score(ups, downs), true
	case "hot":
		return Hot(ups, downs, date), true
	case "controversy":
		return Controversy(ups, downs), true
	case "spam":
		return spam, true
	case "deleted":
		return deleted, true
	}
	return nil, false
}

// Message is a private message.
type Message struct {
	MessageID int64
	AuthorID  int64
	Date      time.Time
}

func (m *Message) ID() string { return Fullname(PrefixMessage, m.MessageID) }

func (m *Message) Attr(name string) (any, bool) {
	switch name {
	case "id":
		return m.MessageID, true
	case "author_id":
		return m.AuthorID, true
	case "date":
		return m.Date, true
	}
	return nil, false
}

// Rel is a named relationship between two entities: "save", "hide",
// "inbox", or a vote ("vote" with Direction 1, -1 or 0).
type Rel struct {
	Name      string
	From      Entity
	To        Entity
	Direction int
	Date      time.Time
}

func (r *Rel) ID() string {
	return fmt.Sprintf("r_%s_%s_%s", r.Name, r.From.ID(), r.To.ID())
}

func (r *Rel) Thing1() Entity { return r.From }
func (r *Rel) Thing2() Entity { return r.To }

func (r *Rel) Attr(name string) (any, bool) {
	switch name {
	case "date":
		return r.Date, true
	case "name":
		return r.Name, true
	case "direction":
		return r.Direction, true
	case "thing1_id":
		return r.From.ID(), true
	case "thing2_id":
		return r.To.ID(), true
	}
	return nil, false
}

// Record is a generic entity materialised from a store row.
type Record struct {
	Name  string
	Attrs map[string]any
}

func (r *Record) ID() string { return r.Name }

func (r *Record) Attr(name string) (any, bool) {
	v, ok := r.Attrs[name]
	return v, ok
}

// Ref is an entity known only by its fullname, used as the second side of
// relations loaded from a store.
type Ref string

func (r Ref) ID() string { return string(r) }

func (r Ref) Attr(string) (any, bool) { return nil, false }

// RecordRel is a Record that also knows both sides of a relationship.
type RecordRel struct {
	Record
	From Entity
	To   Entity
}

func (r *RecordRel) Thing1() Entity { return r.From }
func (r *RecordRel) Thing2() Entity { return r.To }
