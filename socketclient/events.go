package socketclient

import "github.com/usethreadkit/threadkit-go/model"

// Event names emitted by Client.On. See spec.md §4.6.
const (
	EventConnected     = "connected"
	EventPresence      = "presence"
	EventUserJoined    = "userJoined"
	EventUserLeft      = "userLeft"
	EventTyping        = "typing"
	EventCommentAdded  = "commentAdded"
	EventCommentEdited = "commentEdited"
	EventCommentDeleted = "commentDeleted"
	EventVoteUpdated   = "voteUpdated"
	EventPinUpdated    = "pinUpdated"
	EventNotification  = "notification"
	EventError         = "error"
	EventStateChange   = "stateChange"
)

// ConnectedEvent is the payload of EventConnected.
type ConnectedEvent struct {
	UserID string
}

// PresenceEvent is the payload of EventPresence.
type PresenceEvent struct {
	PageID string
	Users  []model.PresenceUser
}

// UserPresenceDeltaEvent is the payload of EventUserJoined/EventUserLeft.
type UserPresenceDeltaEvent struct {
	PageID string
	User   model.PresenceUser
}

// TypingEvent is the payload of EventTyping: the full current list of
// active typists on PageID, after inserting a fresh sighting or
// sweeping expired ones.
type TypingEvent struct {
	PageID string
	Users  []model.TypingUser
}

// CommentAddedEvent is the payload of EventCommentAdded. Comment is
// left in its compact wire shape; the Reconciler inflates it via
// commentstore.DecodeWireComment.
type CommentAddedEvent struct {
	PageID  string
	Comment []byte
}

// CommentEditedEvent is the payload of EventCommentEdited.
type CommentEditedEvent struct {
	PageID, ID, Text, TextHTML string
}

// CommentDeletedEvent is the payload of EventCommentDeleted.
type CommentDeletedEvent struct {
	PageID, ID string
}

// VoteUpdatedEvent is the payload of EventVoteUpdated.
type VoteUpdatedEvent struct {
	PageID, ID         string
	Upvotes, Downvotes int
}

// PinUpdatedEvent is the payload of EventPinUpdated.
type PinUpdatedEvent struct {
	PageID, ID string
	Pinned     bool
	PinnedAt   *int64
}

// NotificationEvent is the payload of EventNotification, left as raw
// JSON since its shape is defined by the server's notification types,
// out of this engine's scope.
type NotificationEvent struct {
	Payload []byte
}

// ErrorEvent is the payload of EventError. See spec.md §4.6 for the
// specific codes (rate_limit, subscription_limit, invalid_json,
// invalid_method).
type ErrorEvent struct {
	Code    string
	Message string
}

// StateChangeEvent is the payload of EventStateChange.
type StateChangeEvent struct {
	State State
}
