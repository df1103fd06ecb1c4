// Package reconciler is the policy layer binding SocketClient events to
// CommentStore updates: echo suppression for locally-initiated writes,
// and — depending on mode — either immediate application or pending-
// buffer queueing of inbound additions. See spec.md §4.7.
//
// Grounded on the teacher's cli/pkg/service/comments.go (the one place
// the teacher's CLI itself reconciles a locally-issued write against a
// subsequent server response) and cli/pkg/websocket/client.go's
// listener-dispatch shape, recombined into the event-routing role
// spec.md §4.7 assigns a standalone component.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/usethreadkit/threadkit-go/commentstore"
	"github.com/usethreadkit/threadkit-go/events"
	"github.com/usethreadkit/threadkit-go/model"
	"github.com/usethreadkit/threadkit-go/socketclient"
)

// Mode selects how inbound additions are surfaced. See spec.md §4.7.
type Mode string

const (
	// ModeAuto applies every inbound addition immediately, and
	// additionally surfaces chat-mode replies as a top-level reference
	// node alongside the threaded copy.
	ModeAuto Mode = "auto"

	// ModeBanner buffers inbound additions per parent bucket until the
	// caller explicitly drains them via LoadPending.
	ModeBanner Mode = "banner"
)

// echoTTLDefault is the lifetime of a locally-issued id in the echo
// suppression set. See spec.md §4.7, §8.
const echoTTLDefault = 30 * time.Second

// PendingChangedEvent is emitted whenever a banner-mode pending bucket
// changes size.
type PendingChangedEvent struct {
	ParentID *string
	Count    int
}

// Config configures a Reconciler. Zero value is a ready-to-use ModeAuto
// configuration with the spec's default 30s echo TTL.
type Config struct {
	Mode    Mode
	EchoTTL time.Duration
}

// Reconciler binds one Client to one Store for one page.
type Reconciler struct {
	socket *socketclient.Client
	store  *commentstore.Store

	mode    Mode
	echoTTL time.Duration

	mu      sync.Mutex
	echoSet map[string]time.Time
	pending map[string][]*model.Comment // "" = root bucket, else parentID

	emitter *events.Emitter[any]
	unsubs  []func()
}

// New wires reconciliation for store, subscribing to socket's inbound
// comment/vote/pin events. Call Close to unsubscribe.
func New(socket *socketclient.Client, store *commentstore.Store, cfg Config) *Reconciler {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.EchoTTL == 0 {
		cfg.EchoTTL = echoTTLDefault
	}
	r := &Reconciler{
		socket:  socket,
		store:   store,
		mode:    cfg.Mode,
		echoTTL: cfg.EchoTTL,
		echoSet: make(map[string]time.Time),
		pending: make(map[string][]*model.Comment),
		emitter: events.New[any](),
	}

	r.unsubs = append(r.unsubs,
		socket.On(socketclient.EventCommentAdded, func(p any) { r.onCommentAdded(p.(socketclient.CommentAddedEvent)) }),
		socket.On(socketclient.EventCommentEdited, func(p any) { r.onCommentEdited(p.(socketclient.CommentEditedEvent)) }),
		socket.On(socketclient.EventCommentDeleted, func(p any) { r.onCommentDeleted(p.(socketclient.CommentDeletedEvent)) }),
		socket.On(socketclient.EventVoteUpdated, func(p any) { r.onVoteUpdated(p.(socketclient.VoteUpdatedEvent)) }),
		socket.On(socketclient.EventPinUpdated, func(p any) { r.onPinUpdated(p.(socketclient.PinUpdatedEvent)) }),
	)
	return r
}

// Close unsubscribes from every socket event this Reconciler registered.
func (r *Reconciler) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

// On subscribes to reconciler-level events (currently just
// "pendingChanged"), returning an unsubscribe function.
func (r *Reconciler) On(event string, fn func(any)) func() {
	return r.emitter.On(event, fn)
}

// Post issues a comment through the Store and records its final id in
// the echo-suppression set, so the socket's own echo of this write is
// dropped instead of double-applied. Callers that want reconciliation
// must post through the Reconciler rather than the Store directly.
func (r *Reconciler) Post(ctx context.Context, text string, parentID *string) (*model.Comment, error) {
	c, err := r.store.Post(ctx, text, parentID)
	if err != nil {
		return nil, err
	}
	r.markEcho(c.ID)
	return c, nil
}

func (r *Reconciler) markEcho(id string) {
	r.mu.Lock()
	r.echoSet[id] = time.Now().Add(r.echoTTL)
	r.mu.Unlock()

	time.AfterFunc(r.echoTTL, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if exp, ok := r.echoSet[id]; ok && !exp.After(time.Now()) {
			delete(r.echoSet, id)
		}
	})
}

// consumeEcho reports whether id was locally issued and still within
// its suppression window, removing it from the set either way once
// observed (an echo is consumed at most once).
func (r *Reconciler) consumeEcho(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.echoSet[id]
	if !ok {
		return false
	}
	delete(r.echoSet, id)
	return exp.After(time.Now())
}

func (r *Reconciler) onCommentAdded(ev socketclient.CommentAddedEvent) {
	if ev.PageID != r.store.PageID() {
		return
	}

	depth := 0
	var parentID *string
	// A first pass decode at depth 0 recovers parentId so the parent's
	// actual depth can be looked up; depth is not itself a wire field.
	probe, err := commentstore.DecodeWireComment(ev.Comment, ev.PageID, "", 0)
	if err != nil {
		log.Debug("reconciler: dropping malformed comment frame", "error", err)
		return
	}
	parentID = probe.ParentID
	if parentID != nil {
		if parent, ok := r.store.Find(*parentID); ok {
			depth = parent.Depth + 1
		}
	}

	// The server echo of a local write may race the HTTP response that
	// would otherwise mark it for suppression (spec.md §5). If the id
	// has not been marked yet, this arrives as a genuine remote event;
	// the subsequent HTTP response's id-based apply is what
	// de-duplicates it, not this check.
	if r.consumeEcho(probe.ID) {
		return
	}

	c, err := commentstore.DecodeWireComment(ev.Comment, ev.PageID, r.store.PageID(), depth)
	if err != nil {
		return
	}

	if r.mode == ModeBanner {
		r.enqueuePending(c)
		return
	}
	r.applyAdd(c)
}

// applyAdd applies c to the store and, in auto mode, additionally
// surfaces a reply as a top-level reference node so a chat-style
// chronological stream stays unbroken. See spec.md §4.7.
func (r *Reconciler) applyAdd(c *model.Comment) {
	r.store.ApplyInboundComment(c)
	if r.mode != ModeAuto || c.ParentID == nil {
		return
	}
	ref := c.Clone()
	ref.ID = c.ID + ":ref"
	ref.ParentID = nil
	ref.Depth = 0
	ref.Children = nil
	origID := c.ID
	ref.ReplyReferenceID = &origID
	r.store.ApplyInboundComment(ref)
}

func (r *Reconciler) enqueuePending(c *model.Comment) {
	key := ""
	if c.ParentID != nil {
		key = *c.ParentID
	}

	r.mu.Lock()
	r.pending[key] = append(r.pending[key], c)
	count := len(r.pending[key])
	r.mu.Unlock()

	var parentID *string
	if key != "" {
		parentID = &key
	}
	r.emitter.Emit("pendingChanged", PendingChangedEvent{ParentID: parentID, Count: count})
}

// PendingCount returns the number of buffered additions for parentID
// (nil for the root bucket).
func (r *Reconciler) PendingCount(parentID *string) int {
	key := ""
	if parentID != nil {
		key = *parentID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[key])
}

// LoadPending drains and applies every buffered addition for parentID
// (nil for the root bucket) in arrival order, independent of any other
// bucket's pending state.
func (r *Reconciler) LoadPending(parentID *string) []*model.Comment {
	key := ""
	if parentID != nil {
		key = *parentID
	}

	r.mu.Lock()
	batch := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()

	for _, c := range batch {
		r.applyAdd(c)
	}

	r.emitter.Emit("pendingChanged", PendingChangedEvent{ParentID: parentID, Count: 0})
	return batch
}

func (r *Reconciler) onCommentEdited(ev socketclient.CommentEditedEvent) {
	if ev.PageID != r.store.PageID() {
		return
	}
	r.store.ApplyInboundEdit(ev.ID, ev.Text, ev.TextHTML)
}

func (r *Reconciler) onCommentDeleted(ev socketclient.CommentDeletedEvent) {
	if ev.PageID != r.store.PageID() {
		return
	}
	r.store.ApplyInboundDelete(ev.ID)
}

func (r *Reconciler) onVoteUpdated(ev socketclient.VoteUpdatedEvent) {
	if ev.PageID != r.store.PageID() {
		return
	}
	r.store.ApplyInboundVote(ev.ID, ev.Upvotes, ev.Downvotes)
}

func (r *Reconciler) onPinUpdated(ev socketclient.PinUpdatedEvent) {
	if ev.PageID != r.store.PageID() {
		return
	}
	r.store.ApplyInboundPin(ev.ID, ev.Pinned, ev.PinnedAt)
}
