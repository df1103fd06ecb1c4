package commentstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/usethreadkit/threadkit-go/commenttree"
	"github.com/usethreadkit/threadkit-go/model"
	"github.com/usethreadkit/threadkit-go/events"
	"github.com/usethreadkit/threadkit-go/tokenstorage"
	"github.com/usethreadkit/threadkit-go/transport"
)

// State is the CommentStore's fetch lifecycle. See spec.md §4.5.
type State string

const (
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Snapshot is the payload of every "stateChange" event: the full
// current view of the store. See spec.md §4.5 "Emits".
type Snapshot struct {
	State     State
	Comments  []*model.Comment
	Total     int
	Pinned    []string
	Pageviews int
	SortKey   commenttree.SortKey
	ErrorKind transport.Kind
}

// VoteBroadcaster mirrors a finalized vote count to other same-origin
// tabs. Implemented by crosstabbus.Bus; left optional here so
// commentstore does not import a component that sits above it in the
// dependency order. See spec.md §4.5, §4.8.
type VoteBroadcaster interface {
	BroadcastVote(pageID, commentID string, upvotes, downvotes int, userVote *model.VoteDirection)
}

// Store is the authoritative in-memory model for one (projectId,
// pageUrl) pair. See spec.md §4.5.
type Store struct {
	transport *transport.Transport
	tokens    tokenstorage.Store
	tree      *commenttree.Tree
	broadcast VoteBroadcaster

	pageID    string
	pageURL   string
	total     int
	pinned    []string
	pageviews int
	state     State
	errorKind transport.Kind

	emitter *events.Emitter[Snapshot]
}

// New constructs a Store for pageURL, with an empty tree sorted by the
// persisted sort order (or SortTop if none is persisted).
func New(t *transport.Transport, tokens tokenstorage.Store, pageURL string) *Store {
	sortKey := commenttree.SortTop
	if saved, ok := tokenstorage.LoadSort(tokens); ok {
		sortKey = commenttree.SortKey(saved)
	}
	return &Store{
		transport: t,
		tokens:    tokens,
		tree:      commenttree.New(sortKey),
		pageURL:   pageURL,
		state:     StateLoading,
		emitter:   events.New[Snapshot](),
	}
}

// SetVoteBroadcaster installs the CrossTabBus hook that mirrors
// finalized vote counts to sibling tabs. Optional; a nil broadcaster
// means vote() never mirrors anywhere.
func (s *Store) SetVoteBroadcaster(b VoteBroadcaster) {
	s.broadcast = b
}

// On subscribes to "stateChange" events, mirroring spec.md §4.5's
// "Emits" contract. Returns an unsubscribe function.
func (s *Store) On(event string, fn func(Snapshot)) func() {
	return s.emitter.On(event, fn)
}

func (s *Store) emit() {
	s.emitter.Emit("stateChange", s.Snapshot())
}

// Snapshot returns the store's current state without triggering a
// mutation or event.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		State:     s.state,
		Comments:  s.tree.Snapshot(),
		Total:     s.total,
		Pinned:    s.pinned,
		Pageviews: s.pageviews,
		SortKey:   s.tree.SortKey(),
		ErrorKind: s.errorKind,
	}
}

// Fetch performs GET /comments, inflates the compact tree, and swaps
// it in atomically. Emits "loading", then "ready" or "error". See
// spec.md §4.5.
func (s *Store) Fetch(ctx context.Context) error {
	s.state = StateLoading
	s.emit()

	var resp fetchResponse
	query := map[string]string{
		"page_url": s.pageURL,
		"sort":     string(s.tree.SortKey()),
	}
	if err := s.transport.Get(ctx, "/comments", query, &resp); err != nil {
		s.state = StateError
		s.errorKind = kindOf(err)
		s.emit()
		return err
	}

	s.pageID = resp.PageID
	s.total = resp.Total
	s.pinned = resp.Pinned
	s.pageviews = resp.Pageviews

	next := commenttree.New(s.tree.SortKey())
	for _, root := range resp.Tree {
		inflated := inflate(root, s.pageID, s.pageURL, 0)
		for _, c := range flattenInflated(inflated) {
			next.Insert(c)
		}
	}
	for _, id := range s.pinned {
		if c, ok := next.Find(id); ok {
			c.Pinned = true
		}
	}
	// re-sort: the pinned flags above were set directly rather than
	// through Update, so the tree hasn't re-partitioned for them yet.
	next.SetSortKey(s.tree.SortKey())
	s.tree = next

	s.state = StateReady
	s.errorKind = ""
	s.emit()
	return nil
}

func kindOf(err error) transport.Kind {
	if te, ok := err.(*transport.Error); ok {
		return te.Kind
	}
	return transport.KindUnknown
}

// Post optimistically inserts a pending comment under a temporary id,
// issues the write, and on success replaces the temp node with the
// server-returned node (preserving its position unless the active sort
// dictates otherwise). On failure the temp node is fully detached and
// the error is returned. See spec.md §4.5.
func (s *Store) Post(ctx context.Context, text string, parentID *string) (*model.Comment, error) {
	tempID := "temp-" + uuid.NewString()
	now := nowMillis()
	pending := &model.Comment{
		ID:        tempID,
		PageID:    s.pageID,
		PageURL:   s.pageURL,
		ParentID:  parentID,
		Text:      text,
		TextHTML:  text,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    model.StatusPending,
		Pending:   true,
	}
	s.tree.Insert(pending)
	s.emit()

	var server wireComment
	body := createCommentRequest{Text: text, ParentID: parentID}
	if err := s.transport.Post(ctx, "/comments", body, &server); err != nil {
		s.tree.Detach(tempID, false)
		s.emit()
		return nil, err
	}

	final := inflate(server, s.pageID, s.pageURL, pending.Depth)
	s.tree.Detach(tempID, false)
	s.tree.Insert(final)
	s.total++
	s.emit()
	return final, nil
}

// Edit optimistically replaces id's text, reverting on failure. See
// spec.md §4.5.
func (s *Store) Edit(ctx context.Context, id, text string) error {
	prior, ok := s.tree.Find(id)
	if !ok {
		return fmt.Errorf("commentstore: unknown comment %q", id)
	}
	priorText, priorHTML, priorUpdated := prior.Text, prior.TextHTML, prior.UpdatedAt

	now := nowMillis()
	s.tree.Update(id, func(c *model.Comment) {
		c.Text = text
		c.TextHTML = text
		c.UpdatedAt = now
	})
	s.emit()

	var resp wireComment
	if err := s.transport.Put(ctx, "/comments/"+id, updateCommentRequest{Text: text}, &resp); err != nil {
		s.tree.Update(id, func(c *model.Comment) {
			c.Text = priorText
			c.TextHTML = priorHTML
			c.UpdatedAt = priorUpdated
		})
		s.emit()
		return err
	}

	s.tree.Update(id, func(c *model.Comment) {
		c.Text = resp.T
		c.TextHTML = resp.H
		c.UpdatedAt = resp.M
	})
	s.emit()
	return nil
}

// Delete optimistically soft-deletes id, reverting on failure. See
// spec.md §4.5.
func (s *Store) Delete(ctx context.Context, id string) error {
	prior, ok := s.tree.Find(id)
	if !ok {
		return fmt.Errorf("commentstore: unknown comment %q", id)
	}
	priorStatus, priorText, priorHTML := prior.Status, prior.Text, prior.TextHTML

	s.tree.Remove(id)
	s.emit()

	if err := s.transport.Delete(ctx, "/comments/"+id, nil); err != nil {
		s.tree.Update(id, func(c *model.Comment) {
			c.Status = priorStatus
			c.Text = priorText
			c.TextHTML = priorHTML
		})
		s.emit()
		return err
	}
	return nil
}

// Vote applies the three-way toggle described in spec.md §4.5:
// no vote → set; same vote → clear (toggle off); different vote →
// flip. Optimistic; the server's response overwrites the local
// prediction, and a broadcast mirrors the final counts to other tabs.
func (s *Store) Vote(ctx context.Context, id string, direction model.VoteDirection) error {
	c, ok := s.tree.Find(id)
	if !ok {
		return fmt.Errorf("commentstore: unknown comment %q", id)
	}
	priorUp, priorDown, priorVote := c.Upvotes, c.Downvotes, c.UserVote

	s.tree.Update(id, func(c *model.Comment) { applyVote(c, direction) })
	s.emit()

	var resp voteResponse
	if err := s.transport.Post(ctx, "/comments/"+id+"/vote", voteRequest{Direction: direction}, &resp); err != nil {
		s.tree.Update(id, func(c *model.Comment) {
			c.Upvotes, c.Downvotes, c.UserVote = priorUp, priorDown, priorVote
		})
		s.emit()
		return err
	}

	s.tree.Update(id, func(c *model.Comment) {
		c.Upvotes, c.Downvotes, c.UserVote = resp.Upvotes, resp.Downvotes, resp.UserVote
	})
	s.emit()

	if s.broadcast != nil {
		s.broadcast.BroadcastVote(s.pageID, id, resp.Upvotes, resp.Downvotes, resp.UserVote)
	}
	return nil
}

// applyVote mutates c's counters/userVote per the three-way toggle for
// Vote's optimistic local prediction. Cross-tab and socket mirrors go
// through ApplyInboundVote, which sets the counts directly instead.
func applyVote(c *model.Comment, direction model.VoteDirection) {
	switch {
	case c.UserVote == nil:
		bump(c, direction, 1)
		v := direction
		c.UserVote = &v
	case *c.UserVote == direction:
		bump(c, direction, -1)
		c.UserVote = nil
	default:
		bump(c, *c.UserVote, -1)
		bump(c, direction, 1)
		v := direction
		c.UserVote = &v
	}
}

func bump(c *model.Comment, direction model.VoteDirection, delta int) {
	if direction == model.VoteUp {
		c.Upvotes += delta
	} else {
		c.Downvotes += delta
	}
}

// Pin toggles id's pinned state. Moderator-only; path is the list of
// ancestor ids from root to id, supplied by the caller for the
// server's O(depth) lookup. See spec.md §4.5.
func (s *Store) Pin(ctx context.Context, id string, path []string) error {
	c, ok := s.tree.Find(id)
	if !ok {
		return fmt.Errorf("commentstore: unknown comment %q", id)
	}
	priorPinned, priorPinnedAt := c.Pinned, c.PinnedAt

	s.tree.Update(id, func(c *model.Comment) { c.Pinned = !c.Pinned })
	s.emit()

	var resp pinResponse
	body := pinRequest{PageURL: s.pageURL, Path: path}
	if err := s.transport.Post(ctx, "/comments/"+id+"/pin", body, &resp); err != nil {
		s.tree.Update(id, func(c *model.Comment) {
			c.Pinned = priorPinned
			c.PinnedAt = priorPinnedAt
		})
		s.emit()
		return err
	}

	s.tree.Update(id, func(c *model.Comment) {
		c.Pinned = resp.Pinned
		c.PinnedAt = resp.PinnedAt
	})
	s.emit()
	return nil
}

// SetSortBy re-sorts the tree in place and persists the choice via
// TokenStorage. See spec.md §4.5.
func (s *Store) SetSortBy(key commenttree.SortKey) {
	s.tree.SetSortKey(key)
	tokenstorage.SaveSort(s.tokens, string(key))
	s.emit()
}

// ApplyInboundComment inserts a server-pushed comment that did not
// originate from this client (the Reconciler calls this after
// confirming the id is not in the echo-suppression set). See
// spec.md §4.7.
func (s *Store) ApplyInboundComment(c *model.Comment) {
	s.tree.Insert(c)
	s.total++
	s.emit()
}

// ApplyInboundEdit mirrors a remotely-edited comment's text.
func (s *Store) ApplyInboundEdit(id, text, textHTML string) {
	s.tree.Update(id, func(c *model.Comment) {
		c.Text = text
		c.TextHTML = textHTML
		c.UpdatedAt = nowMillis()
	})
	s.emit()
}

// ApplyInboundDelete mirrors a remote soft-delete.
func (s *Store) ApplyInboundDelete(id string) {
	s.tree.Remove(id)
	s.emit()
}

// ApplyInboundVote mirrors a remote vote count update (from the socket
// or a CrossTabBus broadcast), without touching UserVote — that field
// reflects only this viewer's own vote.
func (s *Store) ApplyInboundVote(id string, upvotes, downvotes int) {
	s.tree.Update(id, func(c *model.Comment) {
		c.Upvotes = upvotes
		c.Downvotes = downvotes
	})
	s.emit()
}

// ApplyInboundPin mirrors a remote pin/unpin.
func (s *Store) ApplyInboundPin(id string, pinned bool, pinnedAt *int64) {
	s.tree.Update(id, func(c *model.Comment) {
		c.Pinned = pinned
		c.PinnedAt = pinnedAt
	})
	s.emit()
}

// Find returns the comment with id, if present.
func (s *Store) Find(id string) (*model.Comment, bool) {
	return s.tree.Find(id)
}

// PageID returns the page id learned from the last successful fetch.
func (s *Store) PageID() string {
	return s.pageID
}
