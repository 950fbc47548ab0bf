// Package portal speaks to the third-party school portal on behalf of
// authenticated users.
//
// The portal has no official API: authentication is a browser-style
// session-cookie login, and data comes from scraping its HTML pages and
// calling its internal JSON endpoints. The Manager owns the per-user
// authenticated-session state machine; login flows capture fresh sessions
// either by programmatic form submission or by catching a browser redirect
// on a local listener. All state is keyed by user identity passed
// explicitly on every call; there is no process-global "current user".
package portal
