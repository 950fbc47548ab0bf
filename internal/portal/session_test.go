package portal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jverhoef/schoolgate/internal/store"
)

// fakeFlow counts invocations and hands out whatever session the fake
// portal currently accepts.
type fakeFlow struct {
	mu      sync.Mutex
	calls   int
	session func() *CapturedSession
	err     error
}

func (f *fakeFlow) Login(_ context.Context, _ string, _ *Credentials) (*CapturedSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.session(), nil
}

func (f *fakeFlow) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testMasterKey() []byte {
	key := make([]byte, store.MasterKeyLen)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

type managerFixture struct {
	portal   *fakePortal
	srv      *httptest.Server
	flow     *fakeFlow
	sessions *store.SessionStore
	manager  *Manager
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	portal, srv := newFakePortal("unused")
	t.Cleanup(srv.Close)

	sealer, err := store.NewSealer(testMasterKey())
	require.NoError(t, err)
	sessions := store.NewSessionStore(store.NewMemoryBackend(), sealer, nil)

	flow := &fakeFlow{session: func() *CapturedSession {
		portal.mu.Lock()
		valid := portal.valid
		portal.mu.Unlock()
		cookies := []*http.Cookie{{Name: testSessionCookie, Value: valid}}
		return &CapturedSession{
			Cookies:         cookies,
			RawCookieHeader: rawCookieHeader(cookies),
			UserAgent:       "schoolgate-test",
		}
	}}

	manager := NewManager(ManagerConfig{
		BaseURL:       mustParseURL(t, srv.URL),
		ProbePath:     "/home",
		SessionMarker: testSessionCookie,
	}, flow, sessions, nil)

	return &managerFixture{portal: portal, srv: srv, flow: flow, sessions: sessions, manager: manager}
}

func (f *managerFixture) seedStoredSession(t *testing.T, email, cookieValue string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, f.sessions.Save(context.Background(), email, &store.StoredSession{
		Cookies:         []store.SessionCookie{{Name: testSessionCookie, Value: cookieValue}},
		RawCookieHeader: testSessionCookie + "=" + cookieValue,
		CreatedAt:       time.Now(),
		ExpiresAt:       expiresAt,
	}))
}

func TestEnsureAuthenticatedRehydratesWithoutLogin(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.seedStoredSession(t, "parent@example.com", "sess-1", time.Now().Add(time.Hour))

	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "parent@example.com", nil))
	assert.Equal(t, 0, f.flow.count(), "a probe-valid stored session must not trigger a login flow")
}

func TestEnsureAuthenticatedFastPathSkipsProbe(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.seedStoredSession(t, "parent@example.com", "sess-1", time.Now().Add(time.Hour))

	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "parent@example.com", nil))
	probes := f.portal.pages()
	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "parent@example.com", nil))
	assert.Equal(t, probes, f.portal.pages(), "second call must ride the in-memory session")
}

func TestEnsureAuthenticatedRunsFlowWhenStoredSessionRejected(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.seedStoredSession(t, "parent@example.com", "stale-cookie", time.Now().Add(time.Hour))

	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "parent@example.com", nil))
	assert.Equal(t, 1, f.flow.count(), "rejected stored session must trigger exactly one login flow")
}

func TestEnsureAuthenticatedRunsFlowWhenNothingStored(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "parent@example.com", nil))
	assert.Equal(t, 1, f.flow.count())

	// The fresh capture must be persisted for the next process.
	stored, err := f.sessions.Load(ctx, "parent@example.com")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestEnsureAuthenticatedPropagatesFlowFailure(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.flow.err = ErrLoginTimeout

	err := f.manager.EnsureAuthenticated(ctx, "parent@example.com", nil)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestEnsureAuthenticatedIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.seedStoredSession(t, "a@example.com", "sess-1", time.Now().Add(time.Hour))

	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "a@example.com", nil))
	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "b@example.com", nil))
	assert.Equal(t, 1, f.flow.count(), "only the user without a session logs in")
}

func TestAuthenticatedRequestTransparentRelogin(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "parent@example.com", nil))
	require.Equal(t, 1, f.flow.count())

	// The portal invalidates every session behind our back.
	f.portal.rotate()

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/home", nil)
	require.NoError(t, err)
	resp, err := f.manager.AuthenticatedRequest(ctx, "parent@example.com", req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, f.flow.count(), "bounce to login must trigger exactly one re-login")
}

func TestAuthenticatedRequestGivesUpAfterOneRelogin(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	// The flow always returns a cookie the portal no longer accepts.
	f.flow.session = func() *CapturedSession {
		cookies := []*http.Cookie{{Name: testSessionCookie, Value: "never-valid"}}
		return &CapturedSession{Cookies: cookies, RawCookieHeader: rawCookieHeader(cookies)}
	}

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/home", nil)
	require.NoError(t, err)
	_, err = f.manager.AuthenticatedRequest(ctx, "parent@example.com", req)
	require.Error(t, err)
	assert.LessOrEqual(t, f.flow.count(), 2, "no unbounded re-login loop")
}

func TestAuthenticatedRequestReplaysBodyOnRelogin(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "parent@example.com", nil))
	f.portal.rotate()

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/rsvp", strings.NewReader("slot=friday"))
	require.NoError(t, err)
	resp, err := f.manager.AuthenticatedRequest(ctx, "parent@example.com", req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, 2, f.flow.count())
	assert.Equal(t, "slot=friday", f.portal.lastRSVPBody(),
		"the retried request must carry the full body again")
}

func TestAuthenticatedRequestRefusesUnreplayableBody(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "parent@example.com", nil))
	f.portal.rotate()

	// Wrapping the reader hides its type, so NewRequest cannot set GetBody.
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/rsvp",
		struct{ io.Reader }{strings.NewReader("slot=friday")})
	require.NoError(t, err)
	require.Nil(t, req.GetBody)

	_, err = f.manager.AuthenticatedRequest(ctx, "parent@example.com", req)
	assert.ErrorIs(t, err, ErrSessionInvalid)
	assert.Equal(t, 1, f.flow.count(), "no re-login for a request that cannot be replayed")
}

func TestAuthenticatedRequestCrossDomainAttachesRawCookies(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.seedStoredSession(t, "parent@example.com", "sess-1", time.Now().Add(time.Hour))

	var gotCookie string
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		fmt.Fprint(w, "ok")
	}))
	defer other.Close()

	req, err := http.NewRequest(http.MethodGet, other.URL+"/export", nil)
	require.NoError(t, err)
	resp, err := f.manager.AuthenticatedRequest(ctx, "parent@example.com", req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, testSessionCookie+"=sess-1", gotCookie,
		"cross-domain requests carry the raw captured Cookie header")
}

func TestCheckAuthenticationNeverStartsLogin(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	status, err := f.manager.CheckAuthentication(ctx, "parent@example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusNotAuthenticated, status)
	assert.Equal(t, 0, f.flow.count())

	f.seedStoredSession(t, "parent@example.com", "stale-cookie", time.Now().Add(time.Hour))
	status, err = f.manager.CheckAuthentication(ctx, "parent@example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusSessionExpired, status)
	assert.Equal(t, 0, f.flow.count(), "status checks must never trigger interactive login")

	f.seedStoredSession(t, "parent@example.com", "sess-1", time.Now().Add(time.Hour))
	status, err = f.manager.CheckAuthentication(ctx, "parent@example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, status)
}

func TestCheckAuthenticationReportsAgedOutSession(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.seedStoredSession(t, "parent@example.com", "sess-1", time.Now().Add(-time.Hour))

	status, err := f.manager.CheckAuthentication(ctx, "parent@example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusSessionExpired, status)
}

func TestLogoutDropsMemoryButKeepsStoredSession(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "parent@example.com", nil))
	require.NoError(t, f.manager.Logout(ctx, "parent@example.com"))

	// The persisted capture survives: the next check rehydrates and probes
	// instead of answering from memory, and no second login flow runs.
	pagesBefore := f.portal.pages()
	status, err := f.manager.CheckAuthentication(ctx, "parent@example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, status)
	assert.Greater(t, f.portal.pages(), pagesBefore)
	assert.Equal(t, 1, f.flow.count())
}

func TestManagerLogsMaskCookieValues(t *testing.T) {
	ctx := context.Background()
	_, srv := newFakePortal("unused")
	t.Cleanup(srv.Close)

	sealer, err := store.NewSealer(testMasterKey())
	require.NoError(t, err)
	sessions := store.NewSessionStore(store.NewMemoryBackend(), sealer, nil)

	flow := &fakeFlow{session: func() *CapturedSession {
		cookies := []*http.Cookie{{Name: testSessionCookie, Value: "sess-1"}}
		return &CapturedSession{Cookies: cookies, RawCookieHeader: rawCookieHeader(cookies)}
	}}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	manager := NewManager(ManagerConfig{
		BaseURL:       mustParseURL(t, srv.URL),
		ProbePath:     "/home",
		SessionMarker: testSessionCookie,
	}, flow, sessions, logger)

	require.NoError(t, manager.EnsureAuthenticated(ctx, "parent@example.com", nil))

	out := buf.String()
	assert.Contains(t, out, "portal session established")
	assert.Contains(t, out, "[cookie:")
	assert.NotContains(t, out, "sess-1", "cookie values must never reach the logs")
}

func TestClearCredentialsRemovesStoredSession(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "parent@example.com", nil))
	require.NoError(t, f.manager.ClearCredentials(ctx, "parent@example.com"))

	status, err := f.manager.CheckAuthentication(ctx, "parent@example.com")
	require.NoError(t, err)
	assert.Equal(t, StatusNotAuthenticated, status)

	// The next authenticated call starts over with a fresh login.
	require.NoError(t, f.manager.EnsureAuthenticated(ctx, "parent@example.com", nil))
	assert.Equal(t, 2, f.flow.count())
}
