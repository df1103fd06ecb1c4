// Package commentstore is the authoritative in-memory model for one
// (projectId, pageUrl) pair: fetch/post/edit/delete/vote/pin/setSortBy
// over a CommentTree, with optimistic mutation and rollback. See
// spec.md §4.5.
//
// Grounded on the teacher's cli/pkg/api/comments.go (request/response
// shapes, resty call patterns) and cli/pkg/service/comments.go
// (mutation orchestration), generalized from a prompt-driven CLI flow
// to direct method calls.
package commentstore

import (
	"encoding/json"

	"github.com/usethreadkit/threadkit-go/model"
)

// wireComment is the compact-key tree shape the server returns for
// bandwidth. See spec.md §6: i=id, a=authorId, n=name, p=avatar,
// k=karma (unused locally, kept for forward compatibility), t=text,
// h=textHtml, u=upvotes, d=downvotes, c=createdAt, m=updatedAt,
// r=children, s=status, pid=parentId.
type wireComment struct {
	I   string        `json:"i"`
	A   string        `json:"a"`
	N   string        `json:"n"`
	P   string        `json:"p,omitempty"`
	K   int           `json:"k,omitempty"`
	T   string        `json:"t"`
	H   string        `json:"h"`
	U   int           `json:"u"`
	D   int           `json:"d"`
	C   int64         `json:"c"`
	M   int64         `json:"m"`
	R   []wireComment `json:"r,omitempty"`
	S   string        `json:"s"`
	PID *string       `json:"pid,omitempty"`
}

// fetchResponse is the body of GET /comments. See spec.md §6.
type fetchResponse struct {
	PageID    string        `json:"page_id"`
	Tree      []wireComment `json:"tree"`
	Total     int           `json:"total"`
	Pinned    []string      `json:"pinned"`
	Pageviews int           `json:"pageviews"`
}

// inflate converts the compact wire shape into the canonical Comment
// shape, recursively, tracking depth from the given parent depth.
func inflate(w wireComment, pageID, pageURL string, depth int) *model.Comment {
	c := &model.Comment{
		ID:           w.I,
		PageID:       pageID,
		PageURL:      pageURL,
		ParentID:     w.PID,
		AuthorID:     w.A,
		AuthorName:   w.N,
		AuthorAvatar: w.P,
		Text:         w.T,
		TextHTML:     w.H,
		CreatedAt:    w.C,
		UpdatedAt:    w.M,
		Upvotes:      w.U,
		Downvotes:    w.D,
		Status:       model.Status(w.S),
		Depth:        depth,
	}
	if len(w.R) > 0 {
		c.Children = make([]*model.Comment, len(w.R))
		for i, child := range w.R {
			c.Children[i] = inflate(child, pageID, pageURL, depth+1)
		}
	}
	return c
}

// flattenInflated walks an inflated tree into a flat slice in document
// order, for feeding one-by-one into CommentTree.Insert so the tree's
// id index, child lists and sibling-sort invariants are established the
// normal way. Each node's Children is cleared (Insert rebuilds it), and
// a child whose wire form omitted pid is linked to its parent by ID.
func flattenInflated(c *model.Comment) []*model.Comment {
	out := []*model.Comment{c}
	children := c.Children
	c.Children = nil
	for _, child := range children {
		if child.ParentID == nil {
			pid := c.ID
			child.ParentID = &pid
		}
		out = append(out, flattenInflated(child)...)
	}
	return out
}

// DecodeWireComment inflates a single compact-key comment payload (as
// carried by a socket new_comment frame) into the canonical Comment
// shape. Unlike Fetch's tree, a socket-pushed comment arrives as one
// node, not a subtree, but the wire shape is identical.
func DecodeWireComment(data []byte, pageID, pageURL string, depth int) (*model.Comment, error) {
	var w wireComment
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return inflate(w, pageID, pageURL, depth), nil
}

type createCommentRequest struct {
	Text     string  `json:"text"`
	ParentID *string `json:"parentId,omitempty"`
}

type updateCommentRequest struct {
	Text string `json:"text"`
}

type voteRequest struct {
	Direction model.VoteDirection `json:"direction"`
}

type pinRequest struct {
	PageURL string   `json:"page_url"`
	Path    []string `json:"path"`
}

type voteResponse struct {
	Upvotes   int                  `json:"upvotes"`
	Downvotes int                  `json:"downvotes"`
	UserVote  *model.VoteDirection `json:"userVote,omitempty"`
}

type pinResponse struct {
	Pinned   bool   `json:"pinned"`
	PinnedAt *int64 `json:"pinnedAt,omitempty"`
}
