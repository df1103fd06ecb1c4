package socketclient

import (
	"encoding/json"

	"github.com/usethreadkit/threadkit-go/model"
)

// Frame is the wire shape of every socket message: a notification-only
// JSON-RPC envelope, no request/response correlation. See spec.md §4.6/§6.
type Frame struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

const jsonrpcVersion = "2.0"

// Outbound method names. See spec.md §4.6.
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodTyping      = "typing"
	MethodPing        = "ping"
)

// Inbound method names. See spec.md §4.6. MethodTyping doubles as both
// the outbound and inbound method name (client announces typing,
// server relays it), each with its own params shape.
const (
	MethodConnected     = "connected"
	MethodPresence      = "presence"
	MethodUserJoined    = "user_joined"
	MethodUserLeft      = "user_left"
	MethodNewComment    = "new_comment"
	MethodEditComment   = "edit_comment"
	MethodDeleteComment = "delete_comment"
	MethodVoteUpdate    = "vote_update"
	MethodPinUpdate     = "pin_update"
	MethodNotification  = "notification"
	MethodPong          = "pong"
	MethodErrorFrame    = "error"
)

func newFrame(method string, params any) (Frame, error) {
	f := Frame{Jsonrpc: jsonrpcVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Frame{}, err
		}
		f.Params = raw
	}
	return f, nil
}

// Outbound param shapes.

type subscribeParams struct {
	PageID string `json:"pageId"`
}

type typingParams struct {
	PageID  string  `json:"pageId"`
	ReplyTo *string `json:"replyTo,omitempty"`
}

// Inbound param shapes.

type connectedParams struct {
	UserID string `json:"userId"`
}

type presenceParams struct {
	PageID string               `json:"pageId"`
	Users  []model.PresenceUser `json:"users"`
}

type userPresenceDeltaParams struct {
	PageID string             `json:"pageId"`
	User   model.PresenceUser `json:"user"`
}

type typingInboundParams struct {
	PageID   string  `json:"pageId"`
	UserID   string  `json:"userId"`
	UserName string  `json:"userName"`
	ReplyTo  *string `json:"replyTo,omitempty"`
}

// newCommentParams carries the comment in its compact wire shape,
// opaque to socketclient; the Reconciler hands Comment to
// commentstore.DecodeWireComment for inflation.
type newCommentParams struct {
	PageID  string          `json:"pageId"`
	Comment json.RawMessage `json:"comment"`
}

type editCommentParams struct {
	PageID   string `json:"pageId"`
	ID       string `json:"id"`
	Text     string `json:"text"`
	TextHTML string `json:"textHtml"`
}

type deleteCommentParams struct {
	PageID string `json:"pageId"`
	ID     string `json:"id"`
}

type voteUpdateParams struct {
	PageID    string `json:"pageId"`
	ID        string `json:"id"`
	Upvotes   int    `json:"upvotes"`
	Downvotes int    `json:"downvotes"`
}

type pinUpdateParams struct {
	PageID   string `json:"pageId"`
	ID       string `json:"id"`
	Pinned   bool   `json:"pinned"`
	PinnedAt *int64 `json:"pinnedAt,omitempty"`
}

type errorFrameParams struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
