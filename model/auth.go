package model

// AuthUser is the viewer identity returned by the server on login or
// session rehydration. See spec.md §3.
type AuthUser struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Email       string            `json:"email,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	AvatarURL   string            `json:"avatarUrl,omitempty"`
	SocialLinks map[string]string `json:"socialLinks,omitempty"`

	EmailVerified bool `json:"emailVerified"`
	PhoneVerified bool `json:"phoneVerified"`
	UsernameSet   bool `json:"usernameSet"`
}

// Session is the persisted result of a successful authentication.
// Tokens are treated as opaque bearer credentials; the engine never
// inspects or decodes them. See spec.md §3, §4.3.
type Session struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refreshToken,omitempty"`
	User         AuthUser `json:"user"`
}

// AuthMethod describes one enabled login method returned by the site's
// auth-methods endpoint. See spec.md §4.3.
type AuthMethod struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Type AuthMethodType `json:"type"`
}

// AuthMethodType enumerates the login method families.
type AuthMethodType string

const (
	AuthMethodOTP       AuthMethodType = "otp"
	AuthMethodOAuth     AuthMethodType = "oauth"
	AuthMethodWeb3      AuthMethodType = "web3"
	AuthMethodAnonymous AuthMethodType = "anonymous"
)

// TypingUser is an ephemeral socket-driven presence indicator.
// See spec.md §3, §4.6.
type TypingUser struct {
	UserID    string  `json:"userId"`
	UserName  string  `json:"userName"`
	ReplyTo   *string `json:"replyTo,omitempty"`
	ExpiresAt int64   `json:"expiresAt"`
}

// PresenceUser is a participant the socket reports as viewing a page.
type PresenceUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}
