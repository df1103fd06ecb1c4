// Package model holds the entity types shared across the engine:
// comments, auth users, sessions, auth methods, typing indicators, and
// presence users. See spec.md §3 for the authoritative field-level
// contract.
package model

// Status is the moderation/lifecycle status of a Comment.
type Status string

const (
	StatusApproved Status = "approved"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
	StatusDeleted  Status = "deleted"
)

// VoteDirection is the viewer's current vote on a Comment, if any.
type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

// DeletedSentinel replaces Text when a Comment is soft-deleted.
const DeletedSentinel = "[deleted]"

// Comment is the principal entity of the engine. See spec.md §3.
type Comment struct {
	ID       string  `json:"id"`
	PageID   string  `json:"pageId"`
	PageURL  string  `json:"pageUrl"`
	ParentID *string `json:"parentId,omitempty"`

	AuthorID     string `json:"authorId"`
	AuthorName   string `json:"authorName"`
	AuthorAvatar string `json:"authorAvatar,omitempty"`

	Text     string `json:"text"`
	TextHTML string `json:"textHtml"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`

	Pinned    bool   `json:"pinned"`
	PinnedAt  *int64 `json:"pinnedAt,omitempty"`
	Upvotes   int    `json:"upvotes"`
	Downvotes int    `json:"downvotes"`

	// UserVote is nil when the viewer is anonymous or has not voted.
	UserVote *VoteDirection `json:"userVote,omitempty"`

	Status Status `json:"status"`
	Depth  int    `json:"depth"`

	// Children is owned: a given Comment appears in exactly one
	// parent's Children slice (or in the tree's root slice).
	Children []*Comment `json:"children"`

	// ReplyReferenceID links a chat-mode top-level echo back to the
	// threaded copy of the same reply. See spec.md §3, §4.7.
	ReplyReferenceID *string `json:"replyReferenceId,omitempty"`

	// Pending marks a locally-inserted comment that has not yet been
	// confirmed by the server (still carries a temporary ID).
	Pending bool `json:"-"`
}

// Edited reports whether the comment has been modified since creation.
func (c *Comment) Edited() bool {
	return c.UpdatedAt > c.CreatedAt
}

// Clone returns a deep copy of c and its subtree, suitable for handing
// out as part of an immutable snapshot.
func (c *Comment) Clone() *Comment {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ParentID != nil {
		pid := *c.ParentID
		cp.ParentID = &pid
	}
	if c.PinnedAt != nil {
		pa := *c.PinnedAt
		cp.PinnedAt = &pa
	}
	if c.UserVote != nil {
		uv := *c.UserVote
		cp.UserVote = &uv
	}
	if c.ReplyReferenceID != nil {
		rr := *c.ReplyReferenceID
		cp.ReplyReferenceID = &rr
	}
	if c.Children != nil {
		cp.Children = make([]*Comment, len(c.Children))
		for i, ch := range c.Children {
			cp.Children[i] = ch.Clone()
		}
	}
	return &cp
}

// Score is the "top" sort score: upvotes minus downvotes.
func (c *Comment) Score() int {
	return c.Upvotes - c.Downvotes
}

// Controversy is the "controversial" sort score.
func (c *Comment) Controversy() int {
	total := c.Upvotes + c.Downvotes
	minV := c.Upvotes
	if c.Downvotes < minV {
		minV = c.Downvotes
	}
	return minV * total
}
