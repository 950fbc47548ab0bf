package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jverhoef/schoolgate/internal/identity"
	"github.com/jverhoef/schoolgate/internal/instrumentation"
	"github.com/jverhoef/schoolgate/internal/logging"
	"github.com/jverhoef/schoolgate/internal/store"
)

// AuthStatus is the non-interactive answer to "is this user signed in".
type AuthStatus string

const (
	// StatusAuthenticated means a live or rehydrated session passed the
	// validity probe.
	StatusAuthenticated AuthStatus = "authenticated"
	// StatusSessionExpired means a session exists but the portal no longer
	// accepts it.
	StatusSessionExpired AuthStatus = "session_expired"
	// StatusNotAuthenticated means no session is stored for the user.
	StatusNotAuthenticated AuthStatus = "not_authenticated"
)

// ManagerConfig carries the portal coordinates a Manager operates against.
type ManagerConfig struct {
	// BaseURL is the portal origin, e.g. https://portal.example.org.
	BaseURL *url.URL
	// ProbePath is an authenticated-only page used to validate sessions.
	ProbePath string
	// SessionMarker identifies the portal's session cookie by name substring.
	SessionMarker string
	// UserAgent is sent on programmatic requests when the captured session
	// did not record one.
	UserAgent string
	// SessionLifetime bounds how long a captured session is trusted.
	// Defaults to store.DefaultSessionLifetime.
	SessionLifetime time.Duration
	// RequestTimeout bounds individual portal requests.
	RequestTimeout time.Duration
}

// Manager owns the authenticated-session state machine for every user.
// All operations take the user's email explicitly; concurrent calls for
// different users proceed independently, while calls for the same user are
// serialized so one login flow runs at a time.
type Manager struct {
	cfg      ManagerConfig
	flow     LoginFlow
	sessions *store.SessionStore
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	now      func() time.Time

	mu    sync.Mutex
	users map[string]*userState
}

// userState is the in-memory half of one user's session: a live HTTP
// client whose jar carries the portal cookies, plus the raw header for
// cross-domain attachment.
type userState struct {
	mu        sync.Mutex
	client    *http.Client
	rawCookie string
	userAgent string
	expiresAt time.Time
}

// NewManager creates a Manager over the given login flow and session store.
func NewManager(cfg ManagerConfig, flow LoginFlow, sessions *store.SessionStore, logger *slog.Logger) *Manager {
	if cfg.ProbePath == "" {
		cfg.ProbePath = "/"
	}
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = store.DefaultSessionLifetime
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		flow:     flow,
		sessions: sessions,
		logger:   logging.WithComponent(logger, "session_manager"),
		now:      time.Now,
		users:    make(map[string]*userState),
	}
}

// SetMetrics attaches the metrics recorder. Call before serving traffic.
func (m *Manager) SetMetrics(metrics *instrumentation.Metrics) {
	m.metrics = metrics
}

// strategyName labels the login flow for metrics.
func (m *Manager) strategyName() string {
	switch m.flow.(type) {
	case *FormLoginFlow:
		return instrumentation.StrategyForm
	case *BrowserLoginFlow:
		return instrumentation.StrategyBrowser
	default:
		return "custom"
	}
}

// state returns the per-user slot, creating it on first use.
func (m *Manager) state(email string) *userState {
	handle := identity.Handle(email)
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[handle]
	if !ok {
		st = &userState{}
		m.users[handle] = st
	}
	return st
}

// EnsureAuthenticated makes sure the user holds a valid portal session,
// walking the recovery ladder: live in-memory session, then rehydration of
// the stored session with a validity probe, then a single login flow.
// creds may be nil; the flow decides whether it needs them.
func (m *Manager) EnsureAuthenticated(ctx context.Context, email string, creds *Credentials) error {
	st := m.state(email)
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.ensureLocked(ctx, email, st, creds)
}

func (m *Manager) ensureLocked(ctx context.Context, email string, st *userState, creds *Credentials) error {
	// Fast path: a session this process already validated.
	if st.client != nil && m.now().Before(st.expiresAt) {
		return nil
	}

	// Rehydrate the persisted session and probe it before trusting it.
	if stored, err := m.sessions.Load(ctx, email); err != nil {
		return err
	} else if stored != nil {
		m.hydrateLocked(ctx, st, stored)
		if err := m.probeLocked(ctx, st); err == nil {
			m.logger.Debug("rehydrated stored session", logging.UserHash(email),
				slog.String("cookie", logging.SanitizeCookie(stored.RawCookieHeader)))
			return nil
		}
		m.logger.Info("stored session rejected by portal, re-authenticating",
			logging.UserHash(email))
		m.dropLocked(ctx, st)
	}

	return m.loginLocked(ctx, email, st, creds)
}

// loginLocked runs the login flow once and persists the capture.
func (m *Manager) loginLocked(ctx context.Context, email string, st *userState, creds *Credentials) error {
	captured, err := m.flow.Login(ctx, email, creds)
	if err != nil {
		result := instrumentation.ResultFailure
		if errors.Is(err, ErrLoginTimeout) {
			result = instrumentation.ResultTimeout
		}
		m.metrics.RecordLoginFlow(ctx, m.strategyName(), result)
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	m.metrics.RecordLoginFlow(ctx, m.strategyName(), instrumentation.ResultSuccess)

	now := m.now()
	stored := storedFromCaptured(captured, now, now.Add(m.cfg.SessionLifetime))
	if err := m.sessions.Save(ctx, email, stored); err != nil {
		return err
	}
	m.hydrateLocked(ctx, st, stored)
	m.logger.Info("portal session established", logging.UserHash(email),
		slog.String("cookie", logging.SanitizeCookie(stored.RawCookieHeader)))
	return nil
}

// hydrateLocked builds the in-memory client from a stored session.
func (m *Manager) hydrateLocked(ctx context.Context, st *userState, stored *store.StoredSession) {
	if st.client == nil {
		m.metrics.AddActiveSessions(ctx, 1)
	}
	jar, _ := cookiejar.New(nil)
	jar.SetCookies(m.cfg.BaseURL, cookiesFromStored(stored.Cookies))
	st.client = &http.Client{Jar: jar, Timeout: m.cfg.RequestTimeout}
	st.rawCookie = stored.RawCookieHeader
	st.userAgent = firstNonEmpty(stored.UserAgent, m.cfg.UserAgent)
	st.expiresAt = stored.ExpiresAt
}

// dropLocked discards the in-memory session, keeping the gauge honest.
func (m *Manager) dropLocked(ctx context.Context, st *userState) {
	if st.client != nil {
		m.metrics.AddActiveSessions(ctx, -1)
	}
	st.client = nil
}

// probeLocked fetches the authenticated-only probe page. Being bounced to
// a login URL means the portal no longer honors the session.
func (m *Manager) probeLocked(ctx context.Context, st *userState) error {
	target := m.cfg.BaseURL.ResolveReference(&url.URL{Path: m.cfg.ProbePath})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	if st.userAgent != "" {
		req.Header.Set("User-Agent", st.userAgent)
	}
	resp, err := st.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if isLoginURL(resp.Request.URL) {
		return ErrSessionInvalid
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: probe returned %d", ErrSessionInvalid, resp.StatusCode)
	}
	return nil
}

// AuthenticatedRequest performs req on behalf of the user, ensuring a valid
// session first. Requests to the portal origin ride the cookie jar; requests
// to any other origin get the raw captured Cookie header attached, since
// Go's jar correctly refuses to send cookies cross-domain. When the portal
// answers by bouncing to its login page, one transparent re-login is
// attempted before giving up. Requests carrying a body are replayed via
// req.GetBody; a body without GetBody cannot survive the first send, so
// the bounce is surfaced instead of retried.
func (m *Manager) AuthenticatedRequest(ctx context.Context, email string, req *http.Request) (*http.Response, error) {
	st := m.state(email)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.ensureLocked(ctx, email, st, nil); err != nil {
		return nil, err
	}

	resp, err := m.doLocked(ctx, st, req)
	if err != nil {
		return nil, err
	}
	if !isLoginURL(resp.Request.URL) {
		return resp, nil
	}
	resp.Body.Close()

	if req.Body != nil && req.GetBody == nil {
		return nil, fmt.Errorf("%w: request body cannot be replayed after re-login", ErrSessionInvalid)
	}

	m.logger.Info("request bounced to login page, re-authenticating once",
		logging.UserHash(email), logging.URL(req.URL.String()))
	m.dropLocked(ctx, st)
	if err := m.ensureLocked(ctx, email, st, nil); err != nil {
		return nil, err
	}
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		req.Body = body
	}
	resp, err = m.doLocked(ctx, st, req)
	if err != nil {
		return nil, err
	}
	if isLoginURL(resp.Request.URL) {
		resp.Body.Close()
		return nil, ErrSessionInvalid
	}
	return resp, nil
}

func (m *Manager) doLocked(ctx context.Context, st *userState, req *http.Request) (*http.Response, error) {
	start := m.now()
	resp, err := m.sendLocked(ctx, st, req)

	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
	}
	m.metrics.RecordPortalRequest(ctx, req.URL.Path, status, m.now().Sub(start))
	return resp, err
}

func (m *Manager) sendLocked(ctx context.Context, st *userState, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	if out.Header.Get("User-Agent") == "" && st.userAgent != "" {
		out.Header.Set("User-Agent", st.userAgent)
	}
	if out.URL.Host == m.cfg.BaseURL.Host {
		return st.client.Do(out)
	}

	if st.rawCookie == "" {
		return nil, ErrCrossDomainCookies
	}
	out.Header.Set("Cookie", st.rawCookie)
	bare := &http.Client{Timeout: m.cfg.RequestTimeout}
	return bare.Do(out)
}

// CheckAuthentication reports the user's session status without ever
// starting an interactive login.
func (m *Manager) CheckAuthentication(ctx context.Context, email string) (AuthStatus, error) {
	st := m.state(email)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.client != nil && m.now().Before(st.expiresAt) {
		return StatusAuthenticated, nil
	}

	stored, err := m.sessions.Load(ctx, email)
	if err != nil {
		return "", err
	}
	if stored == nil {
		// An expired or undecryptable blob also reads as nil; distinguish
		// "never logged in" from "session aged out" via the raw record.
		exists, err := m.sessions.Exists(ctx, email)
		if err != nil {
			return "", err
		}
		if exists {
			return StatusSessionExpired, nil
		}
		return StatusNotAuthenticated, nil
	}

	m.hydrateLocked(ctx, st, stored)
	if err := m.probeLocked(ctx, st); err != nil {
		m.dropLocked(ctx, st)
		return StatusSessionExpired, nil
	}
	return StatusAuthenticated, nil
}

// Logout drops the user's in-memory session. The persisted capture is left
// alone; the next call revalidates it with a probe before trusting it.
func (m *Manager) Logout(ctx context.Context, email string) error {
	st := m.state(email)
	st.mu.Lock()
	m.dropLocked(ctx, st)
	st.rawCookie = ""
	st.expiresAt = time.Time{}
	st.mu.Unlock()

	m.logger.Info("user logged out", logging.UserHash(email))
	return nil
}

// ClearCredentials removes everything the manager holds for the user: the
// in-memory session and the persisted blob. The next call starts over with
// a full login.
func (m *Manager) ClearCredentials(ctx context.Context, email string) error {
	if err := m.Logout(ctx, email); err != nil {
		return err
	}
	if err := m.sessions.Clear(ctx, email); err != nil {
		return err
	}
	m.logger.Info("stored credentials cleared", logging.UserHash(email))
	return nil
}

// storedFromCaptured converts a flow capture to its persisted form.
func storedFromCaptured(captured *CapturedSession, now, expiresAt time.Time) *store.StoredSession {
	cookies := make([]store.SessionCookie, 0, len(captured.Cookies))
	for _, c := range captured.Cookies {
		cookies = append(cookies, store.SessionCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return &store.StoredSession{
		Cookies:         cookies,
		RawCookieHeader: captured.RawCookieHeader,
		UserAgent:       captured.UserAgent,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
	}
}

// cookiesFromStored converts persisted cookies back into jar material.
func cookiesFromStored(stored []store.SessionCookie) []*http.Cookie {
	cookies := make([]*http.Cookie, 0, len(stored))
	for _, c := range stored {
		path := c.Path
		if path == "" {
			path = "/"
		}
		cookies = append(cookies, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   strings.TrimPrefix(c.Domain, "."),
			Path:     path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return cookies
}
