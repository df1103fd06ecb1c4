package socketclient

import (
	"time"

	"github.com/usethreadkit/threadkit-go/model"
)

// typingExpiry is the server-observed typing TTL. See spec.md §4.6.
const typingExpiry = 3000 * time.Millisecond

// typingRegistry tracks active typists per page, pruned by a periodic
// sweep rather than individual per-user timers.
type typingRegistry struct {
	byPage map[string]map[string]model.TypingUser
}

func newTypingRegistry() *typingRegistry {
	return &typingRegistry{byPage: make(map[string]map[string]model.TypingUser)}
}

// insert records or refreshes a typist on pageID, expiring at now+3000ms.
func (r *typingRegistry) insert(pageID string, u model.TypingUser, now time.Time) {
	users, ok := r.byPage[pageID]
	if !ok {
		users = make(map[string]model.TypingUser)
		r.byPage[pageID] = users
	}
	u.ExpiresAt = now.Add(typingExpiry).UnixMilli()
	users[u.UserID] = u
}

// list returns the current typists on pageID in no particular order.
func (r *typingRegistry) list(pageID string) []model.TypingUser {
	users := r.byPage[pageID]
	out := make([]model.TypingUser, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	return out
}

// sweep removes every typist whose expiry has passed as of now, and
// returns the set of pages whose list changed.
func (r *typingRegistry) sweep(now time.Time) []string {
	var changed []string
	nowMs := now.UnixMilli()
	for pageID, users := range r.byPage {
		before := len(users)
		for id, u := range users {
			if u.ExpiresAt <= nowMs {
				delete(users, id)
			}
		}
		if len(users) != before {
			changed = append(changed, pageID)
		}
	}
	return changed
}
