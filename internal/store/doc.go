// Package store implements the persistence layer: encrypted per-user
// session storage, the per-user result cache with TTL, and the user
// registry.
//
// All partitions are keyed by the pseudonymous user handle (see the
// identity package), never by raw email. Two backends exist: MongoDB for
// deployments and an in-memory backend for development and tests, selected
// at startup.
package store
