// Package identity normalizes user identities and derives the pseudonymous
// handles used as storage and cache partition keys.
//
// A handle is a deterministic, one-way, truncated hash of the lowercase
// email. Raw emails are never used as lookup keys in persistent storage.
package identity
