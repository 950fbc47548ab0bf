package portal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/jverhoef/schoolgate/internal/logging"
)

// DefaultLoginTimeout bounds how long an interactive login flow waits for
// the human to finish signing in.
const DefaultLoginTimeout = 10 * time.Minute

// maxLoginBodyBytes caps how much of a login response body is read for
// marker classification.
const maxLoginBodyBytes = 1 << 20

// LoginFlow obtains a fresh authenticated portal session for one user.
type LoginFlow interface {
	Login(ctx context.Context, email string, creds *Credentials) (*CapturedSession, error)
}

// failureMarkers are body substrings that mean the portal refused a login.
var failureMarkers = []string{
	"invalid username or password",
	"incorrect password",
	"login failed",
	"please try again",
	"account locked",
}

// successMarkers are body substrings that only appear on a signed-in page.
var successMarkers = []string{
	"logout",
	"sign out",
	"my account",
}

// classifyLoginResponse applies the strict success predicate: a redirect
// away from any login URL is success; a 200 body with a recognized failure
// marker is failure; a 200 body with no failure marker still needs a
// success marker. Anything ambiguous is failure.
func classifyLoginResponse(finalURL *url.URL, status int, body string) error {
	if isLoginURL(finalURL) {
		return fmt.Errorf("%w: portal returned the login page", ErrLoginRejected)
	}
	if status >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: unexpected status %d", ErrLoginRejected, status)
	}

	lower := strings.ToLower(body)
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: portal reported %q", ErrLoginRejected, marker)
		}
	}
	for _, marker := range successMarkers {
		if strings.Contains(lower, marker) {
			return nil
		}
	}
	return fmt.Errorf("%w: response was neither a clear success nor a clear failure", ErrLoginRejected)
}

// isLoginURL reports whether a URL still points at a login page.
func isLoginURL(u *url.URL) bool {
	return u != nil && strings.Contains(strings.ToLower(u.Path), "login")
}

// FormLoginFlow performs a programmatic login: fetch the login page,
// harvest every hidden form field (CSRF tokens and trackers alike), then
// POST the credentials alongside them. The password lives only in the
// outgoing request.
type FormLoginFlow struct {
	base      *url.URL
	loginPath string
	marker    string
	userAgent string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewFormLoginFlow creates a programmatic login flow against the portal's
// login page.
func NewFormLoginFlow(base *url.URL, loginPath, sessionMarker, userAgent string, logger *slog.Logger) *FormLoginFlow {
	if loginPath == "" {
		loginPath = "/login"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FormLoginFlow{
		base:      base,
		loginPath: loginPath,
		marker:    sessionMarker,
		userAgent: userAgent,
		timeout:   30 * time.Second,
		logger:    logging.WithComponent(logger, "form_login"),
	}
}

// Login implements LoginFlow.
func (f *FormLoginFlow) Login(ctx context.Context, email string, creds *Credentials) (*CapturedSession, error) {
	if creds == nil || creds.Password == "" {
		return nil, fmt.Errorf("%w: programmatic login requires a password", ErrAuthenticationFailed)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Jar: jar, Timeout: f.timeout}

	loginURL := f.base.ResolveReference(&url.URL{Path: f.loginPath})
	form, action, err := f.fetchLoginForm(ctx, client, loginURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	username := creds.Username
	if username == "" {
		username = email
	}
	form.Set("username", username)
	form.Set("password", creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLoginBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	// resp.Request.URL is the final URL after the client followed any
	// redirect chain.
	if err := classifyLoginResponse(resp.Request.URL, resp.StatusCode, string(body)); err != nil {
		f.logger.Info("login attempt rejected", logging.UserHash(email), logging.Err(err))
		return nil, err
	}

	cookies := jar.Cookies(f.base)
	if !hasSessionMarker(cookies, f.marker) {
		return nil, fmt.Errorf("%w: no session cookie captured", ErrLoginRejected)
	}

	f.logger.Info("programmatic login succeeded", logging.UserHash(email))
	return &CapturedSession{
		Cookies:         cookies,
		RawCookieHeader: rawCookieHeader(cookies),
		UserAgent:       f.userAgent,
	}, nil
}

// fetchLoginForm loads the login page and returns its hidden fields plus
// the resolved form action URL.
func (f *FormLoginFlow) fetchLoginForm(ctx context.Context, client *http.Client, loginURL *url.URL) (url.Values, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxLoginBodyBytes))
	if err != nil {
		return nil, nil, err
	}

	form := url.Values{}
	doc.Find("form input[type=hidden]").Each(func(_ int, sel *goquery.Selection) {
		name, ok := sel.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := sel.Attr("value")
		form.Set(name, value)
	})

	action := loginURL
	if raw, ok := doc.Find("form").First().Attr("action"); ok && raw != "" {
		if parsed, err := url.Parse(raw); err == nil {
			action = loginURL.ResolveReference(parsed)
		}
	}
	return form, action, nil
}

// BrowserLoginFlow captures a session by letting the human log in with
// their real browser. It binds an ephemeral local listener, opens the
// browser at a local landing URL that forwards to the portal login, and
// waits for the portal to redirect back to the local callback carrying the
// session cookies.
//
// State machine per invocation:
//
//	Idle -> ServerListening -> AwaitingCallback -> SessionCaptured
//	                                            -> TimedOut
//	                                            -> Rejected (retryable until timeout)
//
// The listener is torn down on every terminal transition; leaking it would
// pin the port and break subsequent flows.
type BrowserLoginFlow struct {
	base        *url.URL
	loginPath   string
	marker      string
	userAgent   string
	timeout     time.Duration
	openBrowser func(url string) error
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCapture
}

// pendingCapture is the single-slot result signal for one in-flight flow.
// At most one resolution is ever accepted.
type pendingCapture struct {
	once   sync.Once
	done   chan struct{}
	result *CapturedSession
	err    error
}

func newPendingCapture() *pendingCapture {
	return &pendingCapture{done: make(chan struct{})}
}

func (p *pendingCapture) resolve(result *CapturedSession, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

func (p *pendingCapture) wait(ctx context.Context) (*CapturedSession, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewBrowserLoginFlow creates a browser-redirect capture flow.
func NewBrowserLoginFlow(base *url.URL, loginPath, sessionMarker, userAgent string, logger *slog.Logger) *BrowserLoginFlow {
	if loginPath == "" {
		loginPath = "/login"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserLoginFlow{
		base:        base,
		loginPath:   loginPath,
		marker:      sessionMarker,
		userAgent:   userAgent,
		timeout:     DefaultLoginTimeout,
		openBrowser: openBrowser,
		logger:      logging.WithComponent(logger, "browser_login"),
		pending:     make(map[string]*pendingCapture),
	}
}

// SetTimeout overrides the wall-clock limit. Intended for tests.
func (f *BrowserLoginFlow) SetTimeout(d time.Duration) { f.timeout = d }

// SetBrowserOpener overrides how the browser is launched. Intended for
// tests and headless environments.
func (f *BrowserLoginFlow) SetBrowserOpener(open func(url string) error) { f.openBrowser = open }

// Login implements LoginFlow. A second call for the same user while a flow
// is pending joins the pending flow instead of binding another listener.
func (f *BrowserLoginFlow) Login(ctx context.Context, email string, _ *Credentials) (*CapturedSession, error) {
	key := strings.ToLower(strings.TrimSpace(email))

	f.mu.Lock()
	if p, ok := f.pending[key]; ok {
		f.mu.Unlock()
		f.logger.Debug("joining pending login flow", logging.UserHash(email))
		return p.wait(ctx)
	}
	p := newPendingCapture()
	f.pending[key] = p
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.pending, key)
		f.mu.Unlock()
	}()

	f.run(ctx, email, p)
	return p.wait(ctx)
}

// run drives one flow to a terminal state and resolves p exactly once. The
// listener is closed on every exit path.
func (f *BrowserLoginFlow) run(ctx context.Context, email string, p *pendingCapture) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		p.resolve(nil, fmt.Errorf("%w: failed to bind callback listener: %v", ErrAuthenticationFailed, err))
		return
	}

	state := uuid.NewString()
	callbackURL := fmt.Sprintf("http://%s/callback?state=%s", ln.Addr().String(), state)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		login := f.base.ResolveReference(&url.URL{Path: f.loginPath})
		q := login.Query()
		q.Set("returnUrl", callbackURL)
		login.RawQuery = q.Encode()
		http.Redirect(w, r, login.String(), http.StatusFound)
	})
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != state {
			http.Error(w, "Unrecognized login callback.", http.StatusBadRequest)
			return
		}
		cookies := r.Cookies()
		if !hasSessionMarker(cookies, f.marker) {
			// Rejected, not terminal: the listener stays up so the user
			// can retry until the flow times out.
			f.logger.Info("callback without session cookies rejected", logging.UserHash(email))
			http.Error(w, "No portal session detected. Please log in to the portal and try again.", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h3>Login captured.</h3><p>You can close this tab.</p></body></html>")
		p.resolve(&CapturedSession{
			Cookies:         cookies,
			RawCookieHeader: rawCookieHeader(cookies),
			UserAgent:       firstNonEmpty(r.UserAgent(), f.userAgent),
		}, nil)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			p.resolve(nil, fmt.Errorf("%w: callback listener failed: %v", ErrAuthenticationFailed, err))
		}
	}()

	landing := fmt.Sprintf("http://%s/", ln.Addr().String())
	f.logger.Info("waiting for interactive login", logging.UserHash(email), slog.String("listen", ln.Addr().String()))
	if err := f.openBrowser(landing); err != nil {
		f.logger.Warn("failed to open browser, user must visit the URL manually",
			slog.String("url", landing), logging.Err(err))
	}

	go func() {
		// Guaranteed teardown on every terminal transition.
		defer srv.Close()

		timer := time.NewTimer(f.timeout)
		defer timer.Stop()

		select {
		case <-p.done:
		case <-timer.C:
			p.resolve(nil, ErrLoginTimeout)
		case <-ctx.Done():
			p.resolve(nil, fmt.Errorf("%w: %v", ErrLoginTimeout, ctx.Err()))
		}
	}()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// openBrowser launches the system default browser.
func openBrowser(target string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", target).Start()
	default:
		return exec.Command("xdg-open", target).Start()
	}
}
