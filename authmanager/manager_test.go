package authmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usethreadkit/threadkit-go/model"
	"github.com/usethreadkit/threadkit-go/tokenstorage"
	"github.com/usethreadkit/threadkit-go/transport"
)

func newTestManager(t *testing.T, mux *http.ServeMux) (*Manager, tokenstorage.Store) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	tr := transport.New(transport.Config{BaseURL: srv.URL, APIKey: "key"})
	tokens := tokenstorage.NewMemStore()
	return New(tr, tokens), tokens
}

func TestNewRehydratesAuthenticatedSessionFromStorage(t *testing.T) {
	tokens := tokenstorage.NewMemStore()
	require.NoError(t, tokenstorage.SaveSession(tokens, model.Session{
		Token: "tok", User: model.AuthUser{ID: "u1", Name: "Ada", UsernameSet: true},
	}))
	tr := transport.New(transport.Config{BaseURL: "http://unused.invalid"})
	m := New(tr, tokens)

	assert.Equal(t, StateAuthenticated, m.Snapshot().State)
	require.NotNil(t, m.Snapshot().User)
	assert.Equal(t, "Ada", m.Snapshot().User.Name)
}

func TestNewWithNoSessionStartsIdle(t *testing.T) {
	tr := transport.New(transport.Config{BaseURL: "http://unused.invalid"})
	m := New(tr, tokenstorage.NewMemStore())
	assert.Equal(t, StateIdle, m.Snapshot().State)
}

func TestStartLoginTransitionsToMethodsOnSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/methods", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]model.AuthMethod{
			{ID: "otp-email", Name: "Email code", Type: model.AuthMethodOTP},
			{ID: "google", Name: "Google", Type: model.AuthMethodOAuth},
		})
	})
	m, _ := newTestManager(t, mux)

	var states []State
	m.On("stateChange", func(s Snapshot) { states = append(states, s.State) })

	require.NoError(t, m.StartLogin(context.Background()))
	assert.Equal(t, []State{StateLoading, StateMethods}, states)
	assert.Len(t, m.Snapshot().Methods, 2)
}

func TestStartLoginFailureReturnsToIdleWithError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/methods", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	m, _ := newTestManager(t, mux)

	err := m.StartLogin(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, m.Snapshot().State)
	assert.NotEmpty(t, m.Snapshot().ErrorMessage)
}

func TestStartLoginInvalidFromAuthenticatedState(t *testing.T) {
	tokens := tokenstorage.NewMemStore()
	require.NoError(t, tokenstorage.SaveSession(tokens, model.Session{Token: "t", User: model.AuthUser{UsernameSet: true}}))
	tr := transport.New(transport.Config{BaseURL: "http://unused.invalid"})
	m := New(tr, tokens)

	err := m.StartLogin(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func methodsHandler(methods []model.AuthMethod) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(methods)
	}
}

func TestSelectOTPMethodTransitionsToOTPInput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/methods", methodsHandler([]model.AuthMethod{{ID: "otp-email", Type: model.AuthMethodOTP}}))
	m, _ := newTestManager(t, mux)
	require.NoError(t, m.StartLogin(context.Background()))

	require.NoError(t, m.SelectMethod(context.Background(), "otp-email"))
	assert.Equal(t, StateOTPInput, m.Snapshot().State)
}

func TestFullOTPFlowCompletesWithUsernameAlreadySet(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/methods", methodsHandler([]model.AuthMethod{{ID: "otp-email", Type: model.AuthMethodOTP}}))
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.Session{Token: "tok-1", User: model.AuthUser{ID: "u1", Name: "Ada", UsernameSet: true}})
	})
	m, tokens := newTestManager(t, mux)
	require.NoError(t, m.StartLogin(context.Background()))
	require.NoError(t, m.SelectMethod(context.Background(), "otp-email"))
	require.NoError(t, m.SendOTP(context.Background(), "ada@example.com"))
	assert.Equal(t, StateOTPVerify, m.Snapshot().State)

	require.NoError(t, m.VerifyOTP(context.Background(), "123456", nil))
	assert.Equal(t, StateAuthenticated, m.Snapshot().State)

	session, ok := tokenstorage.LoadSession(tokens)
	require.True(t, ok)
	assert.Equal(t, "tok-1", session.Token)
}

func TestVerifyOTPWithoutUsernameRequiresUsername(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/methods", methodsHandler([]model.AuthMethod{{ID: "otp-email", Type: model.AuthMethodOTP}}))
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.Session{Token: "tok-2", User: model.AuthUser{ID: "u2", UsernameSet: false}})
	})
	mux.HandleFunc("/auth/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.AuthUser{ID: "u2", Name: "newname", UsernameSet: true})
	})
	m, tokens := newTestManager(t, mux)
	require.NoError(t, m.StartLogin(context.Background()))
	require.NoError(t, m.SelectMethod(context.Background(), "otp-email"))
	require.NoError(t, m.SendOTP(context.Background(), "new@example.com"))
	require.NoError(t, m.VerifyOTP(context.Background(), "000000", nil))

	assert.Equal(t, StateUsernameRequired, m.Snapshot().State)
	_, ok := tokenstorage.LoadSession(tokens)
	assert.False(t, ok, "a username-required session is not yet persisted")

	require.NoError(t, m.SetUsername(context.Background(), "newname"))
	assert.Equal(t, StateAuthenticated, m.Snapshot().State)
	assert.Equal(t, "newname", m.Snapshot().User.Name)
}

func TestCancelReturnsToMethodsWhenMethodsLoaded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/methods", methodsHandler([]model.AuthMethod{{ID: "otp-email", Type: model.AuthMethodOTP}}))
	m, _ := newTestManager(t, mux)
	require.NoError(t, m.StartLogin(context.Background()))
	require.NoError(t, m.SelectMethod(context.Background(), "otp-email"))

	m.Cancel()
	assert.Equal(t, StateMethods, m.Snapshot().State)
}

func TestCancelReturnsToIdleWhenNoMethodsLoaded(t *testing.T) {
	tr := transport.New(transport.Config{BaseURL: "http://unused.invalid"})
	m := New(tr, tokenstorage.NewMemStore())
	m.Cancel()
	assert.Equal(t, StateIdle, m.Snapshot().State)
}

type fakeOAuthBroker struct {
	session model.Session
	err     error
}

func (f *fakeOAuthBroker) Open(ctx context.Context, provider string) (model.Session, error) {
	return f.session, f.err
}

func TestOAuthFlowConvergesToAuthenticated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/methods", methodsHandler([]model.AuthMethod{{ID: "google", Type: model.AuthMethodOAuth}}))
	m, tokens := newTestManager(t, mux)
	m.SetOAuthBroker(&fakeOAuthBroker{session: model.Session{
		Token: "oauth-tok", User: model.AuthUser{ID: "u3", Name: "Grace", UsernameSet: true},
	}})

	require.NoError(t, m.StartLogin(context.Background()))
	require.NoError(t, m.SelectMethod(context.Background(), "google"))
	assert.Equal(t, StateOAuthPending, m.Snapshot().State)

	require.Eventually(t, func() bool {
		return m.Snapshot().State == StateAuthenticated
	}, time.Second, 5*time.Millisecond)

	session, ok := tokenstorage.LoadSession(tokens)
	require.True(t, ok)
	assert.Equal(t, "oauth-tok", session.Token)
}

func TestOAuthFlowPopupClosedWithoutMessageReturnsToMethods(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/methods", methodsHandler([]model.AuthMethod{{ID: "google", Type: model.AuthMethodOAuth}}))
	m, _ := newTestManager(t, mux)
	m.SetOAuthBroker(&fakeOAuthBroker{err: assertError("popup closed")})

	require.NoError(t, m.StartLogin(context.Background()))
	require.NoError(t, m.SelectMethod(context.Background(), "google"))

	require.Eventually(t, func() bool {
		return m.Snapshot().State == StateMethods
	}, time.Second, 5*time.Millisecond)
}

type assertError string

func (e assertError) Error() string { return string(e) }

type fakeWeb3Signer struct {
	sig string
	err error
}

func (f *fakeWeb3Signer) Sign(ctx context.Context, address, nonce string) (string, error) {
	return f.sig, f.err
}

func TestWeb3FlowConvergesToAuthenticated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/methods", methodsHandler([]model.AuthMethod{{ID: "eth", Type: model.AuthMethodWeb3}}))
	mux.HandleFunc("/auth/ethereum/nonce", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(web3NonceResponse{Address: "0xabc", Nonce: "n-1"})
	})
	mux.HandleFunc("/auth/ethereum/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.Session{Token: "web3-tok", User: model.AuthUser{ID: "u4", UsernameSet: true}})
	})
	m, tokens := newTestManager(t, mux)
	m.SetWeb3Signer(&fakeWeb3Signer{sig: "sig-1"})

	require.NoError(t, m.StartLogin(context.Background()))
	require.NoError(t, m.SelectMethod(context.Background(), "eth"))
	assert.Equal(t, StateWeb3Pending, m.Snapshot().State)

	require.Eventually(t, func() bool {
		return m.Snapshot().State == StateAuthenticated
	}, time.Second, 5*time.Millisecond)

	session, ok := tokenstorage.LoadSession(tokens)
	require.True(t, ok)
	assert.Equal(t, "web3-tok", session.Token)
}

type fakeBroadcaster struct {
	calls []string
}

func (f *fakeBroadcaster) BroadcastAuth(kind string, session *model.Session) {
	f.calls = append(f.calls, kind)
}

func TestLogoutClearsSessionAndBroadcasts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	tokens := tokenstorage.NewMemStore()
	require.NoError(t, tokenstorage.SaveSession(tokens, model.Session{Token: "tok", User: model.AuthUser{UsernameSet: true}}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	tr := transport.New(transport.Config{BaseURL: srv.URL})
	m := New(tr, tokens)

	bc := &fakeBroadcaster{}
	m.SetAuthBroadcaster(bc)

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, StateLogout, m.Snapshot().State)
	assert.Nil(t, m.Snapshot().User)
	_, ok := tokenstorage.LoadSession(tokens)
	assert.False(t, ok)
	assert.Equal(t, []string{"logout"}, bc.calls)
}

func TestApplyInboundAuthLoginReconcilesFromSiblingTab(t *testing.T) {
	tr := transport.New(transport.Config{BaseURL: "http://unused.invalid"})
	m := New(tr, tokenstorage.NewMemStore())

	m.ApplyInboundAuth("login", &model.Session{Token: "shared-tok", User: model.AuthUser{ID: "u5", Name: "Remote", UsernameSet: true}})
	assert.Equal(t, StateAuthenticated, m.Snapshot().State)
	assert.Equal(t, "Remote", m.Snapshot().User.Name)

	m.ApplyInboundAuth("logout", nil)
	assert.Equal(t, StateLogout, m.Snapshot().State)
	assert.Nil(t, m.Snapshot().User)
}
