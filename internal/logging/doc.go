// Package logging provides shared slog attribute helpers for consistent,
// PII-safe structured logging across the schoolgate codebase.
//
// User identities (emails) are never logged in plaintext; use UserHash to
// log a stable anonymized handle instead.
package logging
