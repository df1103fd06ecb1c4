// Package crosstabbus mirrors vote deltas and auth changes across
// same-origin browsing contexts open on the same page. See spec.md §4.8.
//
// A real browser's BroadcastChannel is outside Go's reach; Bus is the
// interface a host embeds a real implementation behind (backed by
// BroadcastChannel, a SharedWorker, or similar), paired here with an
// in-process reference implementation for same-process multi-store
// scenarios and tests. Grounded on the non-blocking, drop-on-full fan-out
// in other_examples' nugget-thane-ai-agent events.Bus, adapted from
// operational-observability events to the vote/auth payloads this spec
// names.
package crosstabbus

import (
	"sync"

	"github.com/usethreadkit/threadkit-go/model"
)

// Kind distinguishes the two message shapes CrossTabBus carries.
type Kind string

const (
	KindVote Kind = "vote"
	KindAuth Kind = "auth"
)

// VotePayload mirrors a finalized vote count to sibling tabs. See
// spec.md §4.8 "vote { commentId, voteType, upvotes, downvotes }".
type VotePayload struct {
	CommentID string
	VoteType  *model.VoteDirection
	Upvotes   int
	Downvotes int
}

// AuthPayload mirrors a login or logout to sibling tabs. Session is nil
// on logout, and on login whenever the broadcasting tab chose not to
// include the full session (never the case for this implementation, but
// kept optional to mirror the wire shape a real BroadcastChannel host
// might trim for size).
type AuthPayload struct {
	AuthKind string // "login" | "logout"
	Session  *model.Session
}

// Event is one message published on the bus.
type Event struct {
	Kind   Kind
	PageID string
	Vote   *VotePayload
	Auth   *AuthPayload
}

// Bus is a named broadcast channel scoped to one page. Subscribers
// receive events on buffered channels; a slow subscriber misses events
// rather than blocking the publisher, matching spec.md §4.8's
// "best-effort; unsupported environments silently no-op."
type Bus struct {
	pageID string

	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// New creates a Bus scoped to pageID (the page URL CrossTabBus is named
// after). A nil *Bus is safe to call Publish/BroadcastVote/BroadcastAuth
// on; they become no-ops, matching "unsupported environments silently
// no-op."
func New(pageID string) *Bus {
	return &Bus{
		pageID:     pageID,
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// PageID returns the page this bus is scoped to.
func (b *Bus) PageID() string {
	if b == nil {
		return ""
	}
	return b.pageID
}

// Publish sends e to every subscriber. Non-blocking: a full subscriber
// channel drops the event rather than stalling the publisher.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events published to this bus. The
// caller must eventually call Unsubscribe to release it.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. A no-op if ch was
// already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// BroadcastVote implements commentstore.VoteBroadcaster.
func (b *Bus) BroadcastVote(pageID, commentID string, upvotes, downvotes int, userVote *model.VoteDirection) {
	b.Publish(Event{
		Kind:   KindVote,
		PageID: pageID,
		Vote: &VotePayload{
			CommentID: commentID,
			VoteType:  userVote,
			Upvotes:   upvotes,
			Downvotes: downvotes,
		},
	})
}

// BroadcastAuth implements authmanager.AuthBroadcaster.
func (b *Bus) BroadcastAuth(kind string, session *model.Session) {
	b.Publish(Event{
		Kind:   KindAuth,
		PageID: b.PageID(),
		Auth: &AuthPayload{
			AuthKind: kind,
			Session:  session,
		},
	})
}

// VoteSink receives a reconciled vote mirrored from a sibling tab.
// Implemented by *commentstore.Store.
type VoteSink interface {
	ApplyInboundVote(id string, upvotes, downvotes int)
	PageID() string
}

// AuthSink receives a reconciled login/logout mirrored from a sibling
// tab. Implemented by *authmanager.Manager.
type AuthSink interface {
	ApplyInboundAuth(kind string, session *model.Session)
}

// Listen subscribes to b and routes every event to store and manager
// until stop is called or b is closed. Events for a page other than
// store's are ignored (one Bus may in principle be shared across pages
// by a host that chooses to, even though the normal case is one Bus per
// page). Either sink may be nil, in which case events of that kind are
// dropped.
func Listen(b *Bus, store VoteSink, manager AuthSink) (stop func()) {
	if b == nil {
		return func() {}
	}
	ch := b.Subscribe(32)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				switch e.Kind {
				case KindVote:
					if store != nil && e.Vote != nil && e.PageID == store.PageID() {
						store.ApplyInboundVote(e.Vote.CommentID, e.Vote.Upvotes, e.Vote.Downvotes)
					}
				case KindAuth:
					if manager != nil && e.Auth != nil {
						manager.ApplyInboundAuth(e.Auth.AuthKind, e.Auth.Session)
					}
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			b.Unsubscribe(ch)
		})
	}
}
