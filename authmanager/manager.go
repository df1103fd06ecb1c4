// Package authmanager is the login/session state machine: enabled
// auth-method discovery, OTP/OAuth/Web3 flows, session persistence,
// and cross-tab reconciliation. See spec.md §4.3.
//
// Grounded on the teacher's cli/pkg/service/auth.go (login/logout/
// refresh orchestration, credential load-then-validate-then-save
// sequencing) and cli/pkg/api/auth.go (endpoint shapes), generalized
// from a single password-login flow to the multi-method state machine
// spec.md §4.3 requires.
package authmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/usethreadkit/threadkit-go/events"
	"github.com/usethreadkit/threadkit-go/model"
	"github.com/usethreadkit/threadkit-go/tokenstorage"
	"github.com/usethreadkit/threadkit-go/transport"
)

// State is a node in the login state machine. See spec.md §4.3's diagram.
type State string

const (
	StateIdle             State = "idle"
	StateLoading          State = "loading"
	StateMethods          State = "methods"
	StateOTPInput         State = "otp-input"
	StateOTPVerify        State = "otp-verify"
	StateOTPName          State = "otp-name"
	StateOAuthPending     State = "oauth-pending"
	StateWeb3Pending      State = "web3-pending"
	StateUsernameRequired State = "username-required"
	StateAuthenticated    State = "authenticated"
	StateLogout           State = "logout"
)

var ErrInvalidTransition = fmt.Errorf("authmanager: method not valid from the current state")

// OAuthBroker opens an OAuth provider's redirect flow and resolves once
// the popup reports a session back (by whichever of broadcast-channel
// or postMessage the host wired up) — both paths are the host's
// concern; this interface only sees the converged outcome. Returning
// an error with no session means the popup closed without completing.
type OAuthBroker interface {
	Open(ctx context.Context, provider string) (model.Session, error)
}

// Web3Signer is a host-supplied external signer (a wallet extension or
// similar) invoked during the web3-pending challenge/response handshake.
type Web3Signer interface {
	Sign(ctx context.Context, address, nonce string) (signature string, err error)
}

// AuthBroadcaster mirrors a login/logout to other same-origin tabs.
// Implemented by crosstabbus.Bus; left optional here so authmanager
// does not import a component above it in the dependency order. See
// spec.md §4.3, §4.8.
type AuthBroadcaster interface {
	BroadcastAuth(kind string, session *model.Session)
}

// Snapshot is the payload of every "stateChange" event.
type Snapshot struct {
	State        State
	Methods      []model.AuthMethod
	Selected     *model.AuthMethod
	User         *model.AuthUser
	ErrorMessage string
}

// Manager drives the login state machine for one site. Mutable fields
// are guarded by mu because, unlike CommentStore, OAuth and Web3 logins
// run their external round trip on a background goroutine; every other
// method runs however the host's single execution context calls it.
type Manager struct {
	transport *transport.Transport
	tokens    tokenstorage.Store
	oauth     OAuthBroker
	web3      Web3Signer
	broadcast AuthBroadcaster

	mu          sync.Mutex
	state       State
	methods     []model.AuthMethod
	selected    *model.AuthMethod
	otpTarget   string
	web3Address string
	web3Nonce   string
	token       string
	user        *model.AuthUser
	errMessage  string

	emitter *events.Emitter[Snapshot]
}

// New constructs a Manager, rehydrating a persisted session from tokens
// if one exists (entering StateAuthenticated immediately). See
// spec.md §4.3 "Persistence".
func New(t *transport.Transport, tokens tokenstorage.Store) *Manager {
	m := &Manager{
		transport: t,
		tokens:    tokens,
		state:     StateIdle,
		emitter:   events.New[Snapshot](),
	}
	if session, ok := tokenstorage.LoadSession(tokens); ok {
		u := session.User
		m.user = &u
		m.token = session.Token
		m.transport.SetToken(session.Token)
		m.state = StateAuthenticated
	}
	return m
}

// SetOAuthBroker installs the OAuth popup broker.
func (m *Manager) SetOAuthBroker(b OAuthBroker) { m.oauth = b }

// SetWeb3Signer installs the external wallet signer.
func (m *Manager) SetWeb3Signer(s Web3Signer) { m.web3 = s }

// SetAuthBroadcaster installs the cross-tab broadcaster.
func (m *Manager) SetAuthBroadcaster(b AuthBroadcaster) { m.broadcast = b }

// On subscribes to "stateChange", returning an unsubscribe function.
func (m *Manager) On(event string, fn func(Snapshot)) func() {
	return m.emitter.On(event, fn)
}

// Snapshot returns the manager's current view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		State:        m.state,
		Methods:      append([]model.AuthMethod{}, m.methods...),
		Selected:     m.selected,
		User:         m.user,
		ErrorMessage: m.errMessage,
	}
}

// emit fires stateChange with s. Never called while m.mu is held: the
// emitter invokes handlers synchronously, and a handler that calls back
// into the Manager (Snapshot, Cancel, ...) would deadlock against a
// held, non-reentrant mutex otherwise.
func (m *Manager) emit(s Snapshot) {
	m.emitter.Emit("stateChange", s)
}

func (m *Manager) fail(err error) {
	m.errMessage = err.Error()
	log.Debug("authmanager: operation failed", "state", m.state, "error", err)
}

// RefreshUser re-fetches the authenticated user's snapshot via
// GET /users/me. See spec.md §4.3 "Persistence".
func (m *Manager) RefreshUser(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateAuthenticated {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.mu.Unlock()

	var user model.AuthUser
	if err := m.transport.Get(ctx, "/users/me", nil, &user); err != nil {
		m.mu.Lock()
		m.fail(err)
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		return err
	}

	m.mu.Lock()
	m.user = &user
	m.errMessage = ""
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
	return nil
}

// StartLogin fetches the site's enabled auth methods. Valid from idle
// or logout. See spec.md §4.3.
func (m *Manager) StartLogin(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateLogout {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.state = StateLoading
	m.errMessage = ""
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	var methods []model.AuthMethod
	err := m.transport.Get(ctx, "/auth/methods", nil, &methods)

	m.mu.Lock()
	if err != nil {
		m.state = StateIdle
		m.fail(err)
		snap = m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		return err
	}
	m.methods = methods
	m.state = StateMethods
	snap = m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
	return nil
}

// Cancel always succeeds, returning to methods (if methods were already
// loaded) or idle. See spec.md §4.3 "there is always a cancel()".
func (m *Manager) Cancel() {
	m.mu.Lock()
	m.selected = nil
	m.otpTarget = ""
	m.web3Address = ""
	m.web3Nonce = ""
	m.errMessage = ""
	if len(m.methods) > 0 {
		m.state = StateMethods
	} else {
		m.state = StateIdle
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}

// SelectMethod chooses one of the methods returned by StartLogin and
// branches the state machine by its type. See spec.md §4.3.
func (m *Manager) SelectMethod(ctx context.Context, methodID string) error {
	m.mu.Lock()
	if m.state != StateMethods {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	var method *model.AuthMethod
	for i := range m.methods {
		if m.methods[i].ID == methodID {
			method = &m.methods[i]
			break
		}
	}
	if method == nil {
		m.mu.Unlock()
		return fmt.Errorf("authmanager: unknown method id %q", methodID)
	}
	m.selected = method
	methodType := method.Type
	m.mu.Unlock()

	switch methodType {
	case model.AuthMethodOTP:
		m.mu.Lock()
		m.state = StateOTPInput
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		return nil

	case model.AuthMethodOAuth:
		return m.startOAuth(ctx, method.ID)

	case model.AuthMethodWeb3:
		return m.startWeb3(ctx)

	default:
		m.mu.Lock()
		m.state = StateMethods
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		return fmt.Errorf("authmanager: unsupported method type %q", methodType)
	}
}

// SendOTP requests a one-time code be sent to target (an email or
// phone number, depending on the selected method). Valid from
// otp-input. See spec.md §4.3.
func (m *Manager) SendOTP(ctx context.Context, target string) error {
	m.mu.Lock()
	if m.state != StateOTPInput {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	methodID := ""
	if m.selected != nil {
		methodID = m.selected.ID
	}
	m.mu.Unlock()

	err := m.transport.Post(ctx, "/auth/login", otpSendRequest{MethodID: methodID, Target: target}, nil)

	m.mu.Lock()
	if err != nil {
		m.fail(err)
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		return err
	}
	m.otpTarget = target
	m.errMessage = ""
	m.state = StateOTPVerify
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
	return nil
}

// VerifyOTP submits the code the viewer received. name is supplied
// once the state has advanced to otp-name (a new account claiming a
// handle); whenever it is non-nil it is sent with the code, in either
// state. On success the manager completes
// the session directly, or — if the server reports no username is set
// yet — advances to username-required. See spec.md §4.3.
func (m *Manager) VerifyOTP(ctx context.Context, code string, name *string) error {
	m.mu.Lock()
	if m.state != StateOTPVerify && m.state != StateOTPName {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	target := m.otpTarget
	m.mu.Unlock()

	var session model.Session
	err := m.transport.Post(ctx, "/auth/verify", otpVerifyRequest{Target: target, Code: code, Name: name}, &session)

	if err != nil {
		m.mu.Lock()
		var te *transport.Error
		if errors.As(err, &te) && te.Kind == transport.KindValidation && name == nil {
			// Server needs a handle before it will issue a session
			// (new account created by this OTP claim).
			m.state = StateOTPName
			m.fail(err)
			snap := m.snapshotLocked()
			m.mu.Unlock()
			m.emit(snap)
			return err
		}
		m.fail(err)
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		return err
	}

	m.completeOrRequireUsername(session)
	return nil
}

// startOAuth opens the provider popup asynchronously; the state
// machine enters oauth-pending immediately and converges to
// authenticated or back to methods once the broker resolves.
func (m *Manager) startOAuth(ctx context.Context, provider string) error {
	if m.oauth == nil {
		m.mu.Lock()
		m.state = StateMethods
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		return fmt.Errorf("authmanager: no OAuthBroker configured")
	}

	m.mu.Lock()
	m.state = StateOAuthPending
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	go func() {
		session, err := m.oauth.Open(ctx, provider)

		m.mu.Lock()
		if m.state != StateOAuthPending {
			m.mu.Unlock()
			return // superseded by a Cancel or a second attempt
		}
		if err != nil {
			m.state = StateMethods
			m.fail(err)
			snap := m.snapshotLocked()
			m.mu.Unlock()
			m.emit(snap)
			return
		}
		m.mu.Unlock()
		m.completeOrRequireUsername(session)
	}()
	return nil
}

// startWeb3 fetches a nonce and invokes the external signer
// asynchronously, converging the same way startOAuth does.
func (m *Manager) startWeb3(ctx context.Context) error {
	if m.web3 == nil {
		m.mu.Lock()
		m.state = StateMethods
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		return fmt.Errorf("authmanager: no Web3Signer configured")
	}

	var nonceResp web3NonceResponse
	if err := m.transport.Get(ctx, "/auth/ethereum/nonce", nil, &nonceResp); err != nil {
		m.mu.Lock()
		m.state = StateMethods
		m.fail(err)
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		return err
	}

	m.mu.Lock()
	m.web3Nonce = nonceResp.Nonce
	m.web3Address = nonceResp.Address
	m.state = StateWeb3Pending
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	go func() {
		sig, err := m.web3.Sign(ctx, nonceResp.Address, nonceResp.Nonce)

		m.mu.Lock()
		if m.state != StateWeb3Pending {
			m.mu.Unlock()
			return
		}
		if err != nil {
			m.state = StateMethods
			m.fail(err)
			snap := m.snapshotLocked()
			m.mu.Unlock()
			m.emit(snap)
			return
		}
		m.mu.Unlock()

		var session model.Session
		verifyErr := m.transport.Post(ctx, "/auth/ethereum/verify", web3VerifyRequest{
			Address:   nonceResp.Address,
			Signature: sig,
		}, &session)

		m.mu.Lock()
		if m.state != StateWeb3Pending {
			m.mu.Unlock()
			return
		}
		if verifyErr != nil {
			m.state = StateMethods
			m.fail(verifyErr)
			snap := m.snapshotLocked()
			m.mu.Unlock()
			m.emit(snap)
			return
		}
		m.mu.Unlock()
		m.completeOrRequireUsername(session)
	}()
	return nil
}

// SetUsername claims a handle for a newly authenticated account that
// had none set. Valid from username-required. See spec.md §4.3.
func (m *Manager) SetUsername(ctx context.Context, name string) error {
	m.mu.Lock()
	if m.state != StateUsernameRequired {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.mu.Unlock()

	var user model.AuthUser
	err := m.transport.Post(ctx, "/auth/register", usernameRequest{Name: name}, &user)

	m.mu.Lock()
	if err != nil {
		m.fail(err)
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		return err
	}
	user.UsernameSet = true
	m.user = &user
	m.errMessage = ""
	m.state = StateAuthenticated
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
	m.persistAndBroadcast("login")
	return nil
}

// CheckUsernameAvailable is an availability query the host drives
// while the viewer types in username-required. Each call issues one
// request; it does no debouncing of its own. It does not transition
// state.
func (m *Manager) CheckUsernameAvailable(ctx context.Context, name string) (bool, error) {
	var resp usernameAvailabilityResponse
	if err := m.transport.Get(ctx, "/auth/username-available", map[string]string{"name": name}, &resp); err != nil {
		return false, err
	}
	return resp.Available, nil
}

// completeOrRequireUsername finishes a successful auth attempt: either
// straight to authenticated, or to username-required if the server
// reports no handle is set yet.
func (m *Manager) completeOrRequireUsername(session model.Session) {
	u := session.User

	m.mu.Lock()
	m.user = &u
	m.token = session.Token
	m.errMessage = ""
	m.transport.SetToken(session.Token)

	if !u.UsernameSet {
		m.state = StateUsernameRequired
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.emit(snap)
		// session is not persisted yet: a username is still required
		// before this is a complete, resumable session.
		return
	}
	m.state = StateAuthenticated
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
	m.persistAndBroadcast("login")
}

// persistAndBroadcast saves the current (token, user) pair on a
// "login" terminal transition and, if a broadcaster is installed,
// mirrors the event to other same-origin tabs.
func (m *Manager) persistAndBroadcast(kind string) {
	m.mu.Lock()
	var sessionPtr *model.Session
	if kind == "login" && m.user != nil {
		s := model.Session{Token: m.token, User: *m.user}
		if err := tokenstorage.SaveSession(m.tokens, s); err != nil {
			log.Debug("authmanager: failed to persist session", "error", err)
		}
		sessionPtr = &s
	}
	m.mu.Unlock()

	if m.broadcast != nil {
		m.broadcast.BroadcastAuth(kind, sessionPtr)
	}
}

// Logout clears the session, both locally and (best-effort) server
// side, and broadcasts the logout to other tabs. Valid only from
// authenticated.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateAuthenticated {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	m.mu.Unlock()

	if err := m.transport.Post(ctx, "/auth/logout", nil, nil); err != nil {
		log.Debug("authmanager: server-side logout failed, clearing local session anyway", "error", err)
	}

	m.mu.Lock()
	tokenstorage.ClearSession(m.tokens)
	m.transport.SetToken("")
	m.token = ""
	m.user = nil
	m.selected = nil
	m.methods = nil
	m.errMessage = ""
	m.state = StateLogout
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(snap)
	m.persistAndBroadcast("logout")
	return nil
}

// ApplyInboundAuth reconciles a login/logout reported by a sibling tab
// over CrossTabBus. See spec.md §4.3 "Cross-tab propagation", §4.8.
func (m *Manager) ApplyInboundAuth(kind string, session *model.Session) {
	m.mu.Lock()
	switch kind {
	case "login":
		if session == nil {
			m.mu.Unlock()
			return
		}
		u := session.User
		m.user = &u
		m.token = session.Token
		m.transport.SetToken(session.Token)
		m.state = StateAuthenticated
	case "logout":
		m.transport.SetToken("")
		m.token = ""
		m.user = nil
		m.state = StateLogout
	default:
		m.mu.Unlock()
		return
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}
