package tokenstorage

import (
	"encoding/json"

	"github.com/usethreadkit/threadkit-go/model"
)

// SaveSession persists the token, refresh token, and user snapshot of
// s into store under the threadkit_-prefixed keys.
func SaveSession(store Store, s model.Session) error {
	userJSON, err := json.Marshal(s.User)
	if err != nil {
		return err
	}
	store.Set(KeyToken, s.Token)
	if s.RefreshToken != "" {
		store.Set(KeyRefreshToken, s.RefreshToken)
	}
	store.Set(KeyUser, string(userJSON))
	return nil
}

// LoadSession reconstructs a Session from store. ok is false when no
// token is present (no prior session to rehydrate).
func LoadSession(store Store) (session model.Session, ok bool) {
	token, present := store.Get(KeyToken)
	if !present || token == "" {
		return model.Session{}, false
	}
	session.Token = token
	session.RefreshToken, _ = store.Get(KeyRefreshToken)

	if userJSON, present := store.Get(KeyUser); present {
		_ = json.Unmarshal([]byte(userJSON), &session.User)
	}
	return session, true
}

// ClearSession removes every persisted session key from store.
func ClearSession(store Store) {
	store.Remove(KeyToken)
	store.Remove(KeyRefreshToken)
	store.Remove(KeyUser)
}

// SaveSort persists the viewer's last-chosen sort order.
func SaveSort(store Store, sort string) {
	store.Set(KeySort, sort)
}

// LoadSort returns the persisted sort order, if any.
func LoadSort(store Store) (string, bool) {
	return store.Get(KeySort)
}
