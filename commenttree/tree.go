// Package commenttree is the pure in-memory data structure behind
// CommentStore: an id-indexed, threaded, sorted tree of comments with
// insert/update/remove/find/snapshot semantics. See spec.md §4.4.
//
// No teacher file owns a structure this shape (the CLI only flattens
// one level of replies for display); this is built fresh against the
// domain shape of other_examples/turahe-go-restfull's comment entity
// (parent/children/soft-delete) and spec.md §3/§4.4's invariants.
package commenttree

import "github.com/usethreadkit/threadkit-go/model"

// Tree is NOT safe for concurrent use by multiple goroutines; callers
// (CommentStore) serialize access the way the rest of the engine's
// single-threaded cooperative model assumes. See spec.md §5.
type Tree struct {
	sortKey SortKey
	index   map[string]*model.Comment
	roots   []*model.Comment
}

// New returns an empty Tree sorted by key.
func New(key SortKey) *Tree {
	return &Tree{
		sortKey: key,
		index:   make(map[string]*model.Comment),
		roots:   nil,
	}
}

// Find returns the node with id, and whether it was present.
// O(1) via the maintained id→node index. See spec.md §4.4.
func (t *Tree) Find(id string) (*model.Comment, bool) {
	c, ok := t.index[id]
	return c, ok
}

// Len returns the number of comments in the tree.
func (t *Tree) Len() int {
	return len(t.index)
}

// Insert adds c to the tree. If c.ParentID names a known node, c is
// appended to that node's children; otherwise c is treated as a root
// (spec.md §4.4). Re-sorts the affected sibling list. Duplicate ids
// are rejected: a second Insert of the same id is a no-op and returns
// false.
func (t *Tree) Insert(c *model.Comment) bool {
	if _, exists := t.index[c.ID]; exists {
		return false
	}

	var parent *model.Comment
	if c.ParentID != nil {
		parent = t.index[*c.ParentID]
	}

	if parent != nil {
		c.Depth = parent.Depth + 1
		parent.Children = append(parent.Children, c)
		sortSiblings(t.sortKey, parent.Children)
	} else {
		c.Depth = 0
		t.roots = append(t.roots, c)
		sortRoots(t.sortKey, t.roots)
	}

	t.index[c.ID] = c
	return true
}

// Update applies mutate to the node with id in place, then re-sorts
// its containing sibling list if any sort-relevant field
// (CreatedAt, Upvotes, Downvotes, Pinned) changed. Returns false if id
// is not present.
func (t *Tree) Update(id string, mutate func(c *model.Comment)) bool {
	c, ok := t.index[id]
	if !ok {
		return false
	}

	before := sortFields(c)
	mutate(c)
	after := sortFields(c)

	if before != after {
		t.resortContaining(c)
	}
	return true
}

type sortSnapshot struct {
	createdAt int64
	upvotes   int
	downvotes int
	pinned    bool
}

func sortFields(c *model.Comment) sortSnapshot {
	return sortSnapshot{c.CreatedAt, c.Upvotes, c.Downvotes, c.Pinned}
}

func (t *Tree) resortContaining(c *model.Comment) {
	if c.ParentID != nil {
		if parent, ok := t.index[*c.ParentID]; ok {
			sortSiblings(t.sortKey, parent.Children)
			return
		}
	}
	sortRoots(t.sortKey, t.roots)
}

// Remove soft-deletes the node with id: status becomes "deleted", text
// is replaced with the sentinel, and children are preserved attached.
// This is the default per spec.md §4.4. Returns false if id is not
// present or already deleted.
func (t *Tree) Remove(id string) bool {
	c, ok := t.index[id]
	if !ok || c.Status == model.StatusDeleted {
		return false
	}
	c.Status = model.StatusDeleted
	c.Text = model.DeletedSentinel
	c.TextHTML = model.DeletedSentinel
	return true
}

// Detach hard-removes the node with id and, unless preserveOrphans is
// true, its entire descendant subtree. When preserveOrphans is true,
// the removed node's children are re-parented to its own parent (or
// promoted to root if it had none) instead of being dropped. This is
// the non-default branch of spec.md §4.4, used by CommentStore to roll
// back a failed optimistic post (the temp node must vanish entirely,
// not merely soft-delete).
func (t *Tree) Detach(id string, preserveOrphans bool) bool {
	c, ok := t.index[id]
	if !ok {
		return false
	}

	siblings, isRoot := t.siblingSliceFor(c)

	idx := indexOf(siblings, c)
	if idx < 0 {
		return false
	}

	if preserveOrphans {
		for _, child := range c.Children {
			child.ParentID = c.ParentID
			child.Depth = c.Depth
			t.reindexSubtreeDepths(child)
		}
		replacement := append(append([]*model.Comment{}, siblings[:idx]...), c.Children...)
		replacement = append(replacement, siblings[idx+1:]...)
		t.setSiblingSlice(c, replacement, isRoot)
		if isRoot {
			sortRoots(t.sortKey, t.roots)
		} else if parent, ok := t.index[*c.ParentID]; ok {
			sortSiblings(t.sortKey, parent.Children)
		}
	} else {
		t.deleteIndexRecursive(c)
		remaining := append(append([]*model.Comment{}, siblings[:idx]...), siblings[idx+1:]...)
		t.setSiblingSlice(c, remaining, isRoot)
	}

	delete(t.index, id)
	return true
}

func (t *Tree) siblingSliceFor(c *model.Comment) (siblings []*model.Comment, isRoot bool) {
	if c.ParentID != nil {
		if parent, ok := t.index[*c.ParentID]; ok {
			return parent.Children, false
		}
	}
	return t.roots, true
}

func (t *Tree) setSiblingSlice(c *model.Comment, slice []*model.Comment, isRoot bool) {
	if isRoot {
		t.roots = slice
		return
	}
	if parent, ok := t.index[*c.ParentID]; ok {
		parent.Children = slice
	}
}

func (t *Tree) deleteIndexRecursive(c *model.Comment) {
	for _, child := range c.Children {
		t.deleteIndexRecursive(child)
		delete(t.index, child.ID)
	}
}

func (t *Tree) reindexSubtreeDepths(c *model.Comment) {
	for _, child := range c.Children {
		child.Depth = c.Depth + 1
		t.reindexSubtreeDepths(child)
	}
}

func indexOf(s []*model.Comment, c *model.Comment) int {
	for i, v := range s {
		if v == c {
			return i
		}
	}
	return -1
}

// SetSortKey changes the active sort and re-sorts every sibling list
// in the tree (root list and every node's children), without losing
// any comment. See spec.md §4.4, §8 "setSortBy(k); setSortBy(k') re-
// sorts without losing any comment."
func (t *Tree) SetSortKey(key SortKey) {
	t.sortKey = key
	sortRoots(t.sortKey, t.roots)
	var walk func([]*model.Comment)
	walk = func(nodes []*model.Comment) {
		for _, n := range nodes {
			sortSiblings(t.sortKey, n.Children)
			walk(n.Children)
		}
	}
	walk(t.roots)
}

// SortKey returns the tree's active sort key.
func (t *Tree) SortKey() SortKey {
	return t.sortKey
}

// Snapshot returns an immutable deep copy of the root list, safe for a
// caller to hold onto indefinitely without affecting future mutations.
// See spec.md §4.4, §3 "Ownership".
func (t *Tree) Snapshot() []*model.Comment {
	out := make([]*model.Comment, len(t.roots))
	for i, r := range t.roots {
		out[i] = r.Clone()
	}
	return out
}
