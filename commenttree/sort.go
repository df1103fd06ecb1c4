package commenttree

import "github.com/usethreadkit/threadkit-go/model"

// SortKey selects the comparator used to order sibling lists.
// See spec.md §4.4.
type SortKey string

const (
	SortTop            SortKey = "top"
	SortNew            SortKey = "new"
	SortOld            SortKey = "old"
	SortControversial  SortKey = "controversial"
)

// less reports whether a should sort before b under key, ignoring the
// pinned partition (callers at the root level apply that separately).
func less(key SortKey, a, b *model.Comment) bool {
	switch key {
	case SortNew:
		return a.CreatedAt > b.CreatedAt
	case SortOld:
		return a.CreatedAt < b.CreatedAt
	case SortControversial:
		if a.Controversy() != b.Controversy() {
			return a.Controversy() > b.Controversy()
		}
		return a.CreatedAt > b.CreatedAt
	case SortTop:
		fallthrough
	default:
		if a.Score() != b.Score() {
			return a.Score() > b.Score()
		}
		return a.CreatedAt < b.CreatedAt
	}
}

// sortSiblings sorts a non-root sibling list in place by the active key.
func sortSiblings(key SortKey, siblings []*model.Comment) {
	insertionSort(siblings, func(a, b *model.Comment) bool { return less(key, a, b) })
}

// sortRoots sorts the root list in place: pinned comments first (each
// partition ordered by CreatedAt ascending among themselves is not
// required by spec — pinned order follows the same active sort key),
// then non-pinned by the active sort key. See spec.md §4.4
// "Pinned siblings always sort before non-pinned at the root level".
func sortRoots(key SortKey, roots []*model.Comment) {
	insertionSort(roots, func(a, b *model.Comment) bool {
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		return less(key, a, b)
	})
}

// insertionSort is a stable sort; used instead of sort.Slice so
// adjacent equal-key elements never swap, which matters for the
// tie-break determinism the spec's test scenarios rely on.
func insertionSort(s []*model.Comment, lessFn func(a, b *model.Comment) bool) {
	for i := 1; i < len(s); i++ {
		j := i
		for j > 0 && lessFn(s[j], s[j-1]) {
			s[j], s[j-1] = s[j-1], s[j]
			j--
		}
	}
}
