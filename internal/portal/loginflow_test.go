package portal

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSessionCookie = "PortalSession"

// fakePortal is an httptest stand-in for the school portal: a login page
// with a hidden CSRF token, a form POST that issues a session cookie, and
// authenticated pages that bounce invalid sessions back to /login.
type fakePortal struct {
	mu        sync.Mutex
	valid     string
	loginHits int
	pageHits  int
	password  string
	rsvpBody  string
}

func newFakePortal(password string) (*fakePortal, *httptest.Server) {
	p := &fakePortal{valid: "sess-1", password: password}

	mux := http.NewServeMux()
	mux.HandleFunc("/login", p.handleLogin)
	mux.HandleFunc("/home", p.authenticated(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>Welcome back. <a href='/logout'>Logout</a></body></html>")
	}))
	mux.HandleFunc("/rsvp", p.authenticated(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.rsvpBody = string(body)
		p.mu.Unlock()
		fmt.Fprint(w, "recorded")
	}))
	return p, httptest.NewServer(mux)
}

func (p *fakePortal) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		fmt.Fprint(w, `<html><body><form method="post" action="/login">
			<input type="hidden" name="csrf" value="token-123">
			<input type="hidden" name="tracker" value="t-9">
			<input name="username"><input name="password" type="password">
		</form></body></html>`)
		return
	}

	p.mu.Lock()
	p.loginHits++
	p.mu.Unlock()

	if r.FormValue("csrf") != "token-123" {
		fmt.Fprint(w, "Login failed: missing token. Please try again.")
		return
	}
	if r.FormValue("password") != p.password {
		fmt.Fprint(w, "Invalid username or password.")
		return
	}
	p.mu.Lock()
	cookie := p.valid
	p.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: testSessionCookie, Value: cookie, Path: "/"})
	http.Redirect(w, r, "/home", http.StatusFound)
}

func (p *fakePortal) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.pageHits++
		valid := p.valid
		p.mu.Unlock()

		c, err := r.Cookie(testSessionCookie)
		if err != nil || c.Value != valid {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next(w, r)
	}
}

// rotate invalidates every outstanding session.
func (p *fakePortal) rotate() {
	p.mu.Lock()
	p.valid = p.valid + "x"
	p.mu.Unlock()
}

func (p *fakePortal) logins() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginHits
}

func (p *fakePortal) pages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageHits
}

func (p *fakePortal) lastRSVPBody() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rsvpBody
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestFormLoginFlowSuccess(t *testing.T) {
	portal, srv := newFakePortal("hunter2")
	defer srv.Close()

	flow := NewFormLoginFlow(mustParseURL(t, srv.URL), "/login", testSessionCookie, "schoolgate-test", nil)
	captured, err := flow.Login(context.Background(), "parent@example.com", &Credentials{Password: "hunter2"})
	require.NoError(t, err)
	require.NotNil(t, captured)

	assert.Contains(t, captured.RawCookieHeader, testSessionCookie+"=")
	assert.True(t, hasSessionMarker(captured.Cookies, testSessionCookie))
	assert.Equal(t, 1, portal.logins())
}

func TestFormLoginFlowSubmitsHiddenFields(t *testing.T) {
	portal, srv := newFakePortal("hunter2")
	defer srv.Close()

	// The CSRF check inside the portal only passes if the hidden fields
	// were harvested from the login page and echoed back.
	flow := NewFormLoginFlow(mustParseURL(t, srv.URL), "/login", testSessionCookie, "", nil)
	_, err := flow.Login(context.Background(), "parent@example.com", &Credentials{Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, 1, portal.logins())
}

func TestFormLoginFlowBadPassword(t *testing.T) {
	_, srv := newFakePortal("hunter2")
	defer srv.Close()

	flow := NewFormLoginFlow(mustParseURL(t, srv.URL), "/login", testSessionCookie, "", nil)
	_, err := flow.Login(context.Background(), "parent@example.com", &Credentials{Password: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoginRejected)
}

func TestFormLoginFlowRequiresPassword(t *testing.T) {
	_, srv := newFakePortal("hunter2")
	defer srv.Close()

	flow := NewFormLoginFlow(mustParseURL(t, srv.URL), "/login", testSessionCookie, "", nil)
	_, err := flow.Login(context.Background(), "parent@example.com", nil)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestClassifyLoginResponseAmbiguousIsFailure(t *testing.T) {
	home := mustParseURL(t, "https://portal.example.org/home")
	login := mustParseURL(t, "https://portal.example.org/login?err=1")

	// Clear failure marker.
	assert.ErrorIs(t, classifyLoginResponse(home, 200, "Invalid username or password"), ErrLoginRejected)
	// Bounced back to the login page.
	assert.ErrorIs(t, classifyLoginResponse(login, 200, "Logout"), ErrLoginRejected)
	// No failure marker, but no success marker either: ambiguity is failure.
	assert.ErrorIs(t, classifyLoginResponse(home, 200, "<html><body>Loading...</body></html>"), ErrLoginRejected)
	// Unambiguous success.
	assert.NoError(t, classifyLoginResponse(home, 200, "<a href='/logout'>Logout</a>"))
}

// browserOpener simulates the human: it follows the landing redirect to
// discover the callback URL, then hits the callback carrying the given
// cookies.
func browserOpener(t *testing.T, cookies []*http.Cookie, landingAddr *string) func(string) error {
	t.Helper()
	return func(landing string) error {
		if landingAddr != nil {
			u, err := url.Parse(landing)
			if err != nil {
				return err
			}
			*landingAddr = u.Host
		}
		go func() {
			noRedirect := &http.Client{
				CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
			}
			resp, err := noRedirect.Get(landing)
			if err != nil {
				return
			}
			resp.Body.Close()
			loc, err := url.Parse(resp.Header.Get("Location"))
			if err != nil {
				return
			}
			callback := loc.Query().Get("returnUrl")
			if callback == "" {
				return
			}
			req, err := http.NewRequest(http.MethodGet, callback, nil)
			if err != nil {
				return
			}
			for _, c := range cookies {
				req.AddCookie(c)
			}
			resp, err = http.DefaultClient.Do(req)
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
}

func TestBrowserLoginFlowCapturesSession(t *testing.T) {
	_, srv := newFakePortal("unused")
	defer srv.Close()

	flow := NewBrowserLoginFlow(mustParseURL(t, srv.URL), "/login", testSessionCookie, "", nil)
	flow.SetTimeout(5 * time.Second)

	var landingAddr string
	flow.SetBrowserOpener(browserOpener(t, []*http.Cookie{
		{Name: testSessionCookie, Value: "sess-1"},
	}, &landingAddr))

	captured, err := flow.Login(context.Background(), "parent@example.com", nil)
	require.NoError(t, err)
	assert.Contains(t, captured.RawCookieHeader, testSessionCookie+"=sess-1")

	// Terminal state must release the callback port.
	require.NotEmpty(t, landingAddr)
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", landingAddr, 100*time.Millisecond)
		if err != nil {
			break
		}
		conn.Close()
		if time.Now().After(deadline) {
			t.Fatal("callback listener still accepting connections after capture")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestBrowserLoginFlowTimesOut(t *testing.T) {
	_, srv := newFakePortal("unused")
	defer srv.Close()

	flow := NewBrowserLoginFlow(mustParseURL(t, srv.URL), "/login", testSessionCookie, "", nil)
	flow.SetTimeout(50 * time.Millisecond)
	flow.SetBrowserOpener(func(string) error { return nil })

	_, err := flow.Login(context.Background(), "parent@example.com", nil)
	assert.ErrorIs(t, err, ErrLoginTimeout)
}

func TestBrowserLoginFlowRejectsCallbackWithoutSession(t *testing.T) {
	_, srv := newFakePortal("unused")
	defer srv.Close()

	flow := NewBrowserLoginFlow(mustParseURL(t, srv.URL), "/login", testSessionCookie, "", nil)
	flow.SetTimeout(300 * time.Millisecond)
	// Callback arrives with unrelated cookies only: not accepted as a
	// capture, and the flow keeps waiting until it times out.
	flow.SetBrowserOpener(browserOpener(t, []*http.Cookie{
		{Name: "analytics", Value: "x"},
	}, nil))

	_, err := flow.Login(context.Background(), "parent@example.com", nil)
	assert.ErrorIs(t, err, ErrLoginTimeout)
}

func TestBrowserLoginFlowJoinsPendingFlow(t *testing.T) {
	_, srv := newFakePortal("unused")
	defer srv.Close()

	flow := NewBrowserLoginFlow(mustParseURL(t, srv.URL), "/login", testSessionCookie, "", nil)
	flow.SetTimeout(5 * time.Second)

	var openerCalls int
	var mu sync.Mutex
	release := make(chan struct{})
	var callbackURL string
	flow.SetBrowserOpener(func(landing string) error {
		mu.Lock()
		openerCalls++
		mu.Unlock()
		go func() {
			<-release
			noRedirect := &http.Client{
				CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
			}
			resp, err := noRedirect.Get(landing)
			if err != nil {
				return
			}
			resp.Body.Close()
			loc, _ := url.Parse(resp.Header.Get("Location"))
			mu.Lock()
			callbackURL = loc.Query().Get("returnUrl")
			mu.Unlock()
			req, _ := http.NewRequest(http.MethodGet, callbackURL, nil)
			req.AddCookie(&http.Cookie{Name: testSessionCookie, Value: "sess-1"})
			if resp, err := http.DefaultClient.Do(req); err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	})

	var wg sync.WaitGroup
	results := make([]*CapturedSession, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = flow.Login(context.Background(), "Parent@Example.com", nil)
		}(i)
	}

	// Give both goroutines time to either start or join the flow, then
	// let the simulated browser complete it.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, openerCalls, "concurrent logins for one user must share a single flow")
}

func TestRawCookieHeader(t *testing.T) {
	header := rawCookieHeader([]*http.Cookie{
		{Name: "a", Value: "1"},
		{Name: "b", Value: "2"},
	})
	assert.Equal(t, "a=1; b=2", header)
	assert.Empty(t, rawCookieHeader(nil))
}
