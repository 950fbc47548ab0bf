package portal

import "errors"

// Error taxonomy surfaced across the tool boundary. Tool handlers resolve
// these with errors.Is and map them to user-facing guidance instead of
// generic failures.
var (
	// ErrNoIdentity means a call arrived with no user identity and none
	// could be resolved. A caller bug or missing default user, never
	// transient.
	ErrNoIdentity = errors.New("no user identity provided and no default user set")

	// ErrAuthenticationFailed means a login attempt failed: bad
	// credentials, an ambiguous portal response, or the human cancelled or
	// timed out. Not retried automatically.
	ErrAuthenticationFailed = errors.New("portal authentication failed")

	// ErrSessionInvalid means a previously trusted session was rejected by
	// the portal (probe failure or redirect back to login).
	ErrSessionInvalid = errors.New("portal session is no longer valid")

	// ErrLoginTimeout means the interactive login flow hit its wall-clock
	// limit before a session was captured.
	ErrLoginTimeout = errors.New("interactive login timed out")

	// ErrLoginRejected means the portal's response to a login attempt was
	// a recognizable failure or too ambiguous to trust. Ambiguity is
	// always classified as failure; a false positive would hand the caller
	// a broken "authenticated" channel.
	ErrLoginRejected = errors.New("login attempt rejected")

	// ErrCrossDomainCookies means a request targeted a different origin
	// than the portal and no raw session cookies were available to attach.
	ErrCrossDomainCookies = errors.New("no session cookies available for cross-domain request")

	// ErrTransient covers network errors and timeouts that are not
	// authentication verdicts.
	ErrTransient = errors.New("transient portal error")
)
