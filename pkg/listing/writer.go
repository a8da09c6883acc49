package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/afterdarksys/querycached/pkg/querycache"
	"github.com/afterdarksys/querycached/pkg/store"
	"github.com/afterdarksys/querycached/pkg/thing"
)

// ErrInvalidEvent reports an event the listings cannot apply.
var ErrInvalidEvent = errors.New("invalid listing event")

func errNotAccount(e thing.Entity) error {
	return fmt.Errorf("%w: %s is not an account", ErrInvalidEvent, e.ID())
}

func errUnknownRel(name string) error {
	return fmt.Errorf("%w: unknown relation %q", ErrInvalidEvent, name)
}

// Writer records site events in the primary store and applies them to the
// cached listings they change. Listing updates never fail the caller; a
// dropped update is repaired by the next recompute.
type Writer struct {
	l        *Listings
	hooks    *querycache.Hooks
	store    store.Writer
	subjects store.SubjectSource
	logger   *zap.Logger
}

// NewWriter creates a Writer. st and subjects may be nil when the primary
// store is written elsewhere.
func NewWriter(l *Listings, hooks *querycache.Hooks, st store.Writer, subjects store.SubjectSource, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{l: l, hooks: hooks, store: st, subjects: subjects, logger: logger}
}

func (w *Writer) put(ctx context.Context, kind string, e thing.Entity) error {
	if w.store == nil {
		return nil
	}
	return w.store.Put(ctx, kind, e)
}

func (w *Writer) remove(ctx context.Context, kind string, e thing.Entity) error {
	if w.store == nil {
		return nil
	}
	return w.store.Remove(ctx, kind, e.ID())
}

// touch marks subjects as active so the next sweep refreshes their
// precomputed listings.
func (w *Writer) touch(ctx context.Context, at time.Time, subjects ...string) {
	if w.subjects == nil {
		return
	}
	for _, s := range subjects {
		if err := w.subjects.Touch(ctx, s, at); err != nil {
			w.logger.Warn("Failed to record activity", zap.String("subject", s), zap.Error(err))
		}
	}
}

func srName(id int64) string      { return thing.Fullname(thing.PrefixSR, id) }
func accountName(id int64) string { return thing.Fullname(thing.PrefixAccount, id) }

// NewLink adds a freshly submitted link to the listings that show new
// links. Spam only reaches the spam listing and its author.
func (w *Writer) NewLink(ctx context.Context, link *thing.Link) error {
	if err := w.put(ctx, store.KindLink, link); err != nil {
		return err
	}

	queries := []*querycache.Query{
		w.l.Submitted(link.AuthorID, New, All),
		w.l.Submitted(link.AuthorID, Hot, All),
		w.l.Submitted(link.AuthorID, Top, All),
		w.l.Submitted(link.AuthorID, Controversial, All),
	}
	if link.Spam {
		queries = append(queries, w.l.SpamLinks(link.SubredditID))
	} else {
		queries = append(queries,
			w.l.Links(link.SubredditID, New, All),
			w.l.Links(link.SubredditID, Hot, All),
			w.l.Links(link.SubredditID, Top, All),
			w.l.Links(link.SubredditID, Controversial, All),
			w.l.OnDay(link.SubredditID, Top, link.Date),
			w.l.OnDay(link.SubredditID, Controversial, link.Date),
		)
	}
	w.hooks.OnEntityCreated(ctx, queries, link)
	w.touch(ctx, link.Date, srName(link.SubredditID), accountName(link.AuthorID))
	return nil
}

// NewComment adds a comment to its author's and subreddit's listings.
// A non-nil replyTo also receives it in their inbox.
func (w *Writer) NewComment(ctx context.Context, c *thing.Comment, replyTo *thing.Account) error {
	if err := w.put(ctx, store.KindComment, c); err != nil {
		return err
	}

	queries := make([]*querycache.Query, 0, len(Sorts)+1)
	for _, sort := range Sorts {
		queries = append(queries, w.l.Comments(c.AuthorID, sort, All))
	}
	if !c.Spam {
		queries = append(queries, w.l.SRComments(c.SubredditID))
	}
	w.hooks.OnEntityCreated(ctx, queries, c)
	w.touch(ctx, c.Date, accountName(c.AuthorID))

	if replyTo == nil || c.Spam {
		return nil
	}
	rel := &thing.Rel{Name: RelInboxComment, From: replyTo, To: c, Date: c.Date}
	if err := w.put(ctx, store.RelKind(RelInboxComment), rel); err != nil {
		return err
	}
	w.hooks.OnRelationshipCreated(ctx, []*querycache.Query{w.l.InboxComments(replyTo.AccountID)}, rel)
	return nil
}

// NewMessage delivers a private message.
func (w *Writer) NewMessage(ctx context.Context, m *thing.Message, to *thing.Account) error {
	if err := w.put(ctx, store.KindMessage, m); err != nil {
		return err
	}
	w.hooks.OnEntityCreated(ctx, []*querycache.Query{w.l.Sent(m.AuthorID)}, m)

	rel := &thing.Rel{Name: RelInboxMessage, From: to, To: m, Date: m.Date}
	if err := w.put(ctx, store.RelKind(RelInboxMessage), rel); err != nil {
		return err
	}
	w.hooks.OnRelationshipCreated(ctx, []*querycache.Query{w.l.InboxMessages(to.AccountID)}, rel)
	return nil
}

// NewVote records a vote and re-ranks the voted item. vote.To must carry
// the item's updated vote counts. Direction 0 clears a vote.
func (w *Writer) NewVote(ctx context.Context, vote *thing.Rel) error {
	voter, ok := vote.From.(*thing.Account)
	if !ok {
		return errNotAccount(vote.From)
	}
	if err := w.put(ctx, store.RelKind(RelVote), vote); err != nil {
		return err
	}

	liked, disliked := w.l.Liked(voter.AccountID), w.l.Disliked(voter.AccountID)
	switch {
	case vote.Direction > 0:
		w.hooks.OnRelationshipCreated(ctx, []*querycache.Query{liked}, vote)
		w.hooks.OnRelationshipDeleted(ctx, []*querycache.Query{disliked}, vote)
	case vote.Direction < 0:
		w.hooks.OnRelationshipCreated(ctx, []*querycache.Query{disliked}, vote)
		w.hooks.OnRelationshipDeleted(ctx, []*querycache.Query{liked}, vote)
	default:
		w.hooks.OnRelationshipDeleted(ctx, []*querycache.Query{liked, disliked}, vote)
	}

	// the item carries the new score; listings recompute from the store
	switch vote.To.(type) {
	case *thing.Link:
		if err := w.put(ctx, store.KindLink, vote.To); err != nil {
			return err
		}
	case *thing.Comment:
		if err := w.put(ctx, store.KindComment, vote.To); err != nil {
			return err
		}
	}

	var queries []*querycache.Query
	switch item := vote.To.(type) {
	case *thing.Link:
		if item.Spam || item.Deleted {
			break
		}
		for _, sort := range []Sort{Hot, Top, Controversial} {
			queries = append(queries,
				w.l.Links(item.SubredditID, sort, All),
				w.l.Submitted(item.AuthorID, sort, All))
		}
		queries = append(queries,
			w.l.OnDay(item.SubredditID, Top, item.Date),
			w.l.OnDay(item.SubredditID, Controversial, item.Date))
		w.touch(ctx, vote.Date, srName(item.SubredditID), accountName(item.AuthorID))
	case *thing.Comment:
		if item.Spam || item.Deleted {
			break
		}
		for _, sort := range []Sort{Hot, Top, Controversial} {
			queries = append(queries, w.l.Comments(item.AuthorID, sort, All))
		}
		w.touch(ctx, vote.Date, accountName(item.AuthorID))
	}
	w.hooks.OnEntityCreated(ctx, queries, vote.To)
	return nil
}

// NewSaveHide records or clears a save or hide relation.
func (w *Writer) NewSaveHide(ctx context.Context, rel *thing.Rel, created bool) error {
	account, ok := rel.From.(*thing.Account)
	if !ok {
		return errNotAccount(rel.From)
	}

	var q *querycache.Query
	switch rel.Name {
	case RelSave:
		q = w.l.Saved(account.AccountID)
	case RelHide:
		q = w.l.Hidden(account.AccountID)
	default:
		return errUnknownRel(rel.Name)
	}

	if created {
		if err := w.put(ctx, store.RelKind(rel.Name), rel); err != nil {
			return err
		}
		w.hooks.OnRelationshipCreated(ctx, []*querycache.Query{q}, rel)
		return nil
	}
	if err := w.remove(ctx, store.RelKind(rel.Name), rel); err != nil {
		return err
	}
	w.hooks.OnRelationshipDeleted(ctx, []*querycache.Query{q}, rel)
	return nil
}

// DeleteThings removes deleted links and comments from every listing that
// may show them, including precomputed ones, and files deleted links
// under their author. Items are stored with their deleted flag set.
func (w *Writer) DeleteThings(ctx context.Context, items ...thing.Entity) error {
	for _, item := range items {
		switch it := item.(type) {
		case *thing.Link:
			it.Deleted = true
			if err := w.put(ctx, store.KindLink, it); err != nil {
				return err
			}
			w.hooks.OnEntityDeleted(ctx, w.linkListings(it), it)
			w.hooks.OnEntityCreated(ctx, []*querycache.Query{w.l.DeletedLinks(it.AuthorID)}, it)
		case *thing.Comment:
			it.Deleted = true
			if err := w.put(ctx, store.KindComment, it); err != nil {
				return err
			}
			queries := []*querycache.Query{w.l.SRComments(it.SubredditID)}
			for _, sort := range Sorts {
				queries = append(queries, w.windows(sort, func(window Window) *querycache.Query {
					return w.l.Comments(it.AuthorID, sort, window)
				})...)
			}
			w.hooks.OnEntityDeleted(ctx, queries, it)
		default:
			w.logger.Warn("Ignoring delete of unlisted item", zap.String("id", item.ID()))
		}
	}
	return nil
}

func (w *Writer) linkListings(link *thing.Link) []*querycache.Query {
	queries := []*querycache.Query{
		w.l.SpamLinks(link.SubredditID),
		w.l.OnDay(link.SubredditID, Top, link.Date),
		w.l.OnDay(link.SubredditID, Controversial, link.Date),
	}
	for _, sort := range Sorts {
		queries = append(queries, w.windows(sort, func(window Window) *querycache.Query {
			return w.l.Links(link.SubredditID, sort, window)
		})...)
		queries = append(queries, w.windows(sort, func(window Window) *querycache.Query {
			return w.l.Submitted(link.AuthorID, sort, window)
		})...)
	}
	return queries
}

// windows builds the All listing of sort plus every bounded window it
// takes.
func (w *Writer) windows(sort Sort, build func(Window) *querycache.Query) []*querycache.Query {
	out := []*querycache.Query{build(All)}
	if !sort.Windowed() {
		return out
	}
	for _, window := range Windows {
		out = append(out, build(window))
	}
	return out
}
