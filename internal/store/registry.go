package store

import (
	"context"
	"time"

	"github.com/jverhoef/schoolgate/internal/identity"
)

// Registry tracks known users and which one is the implicit default.
type Registry struct {
	backend Backend
	now     func() time.Time
}

// NewRegistry creates a Registry over the given backend.
func NewRegistry(backend Backend) *Registry {
	return &Registry{backend: backend, now: time.Now}
}

// AddUser records a user, optionally making it the default. Adding an
// already-known user refreshes its last-used timestamp.
func (r *Registry) AddUser(ctx context.Context, email string, makeDefault bool) error {
	if err := identity.Validate(email); err != nil {
		return err
	}
	if makeDefault {
		// Clear first so at most one default ever exists, even if the
		// subsequent write races another process.
		if err := r.backend.ClearDefaults(ctx); err != nil {
			return err
		}
	}
	handle := identity.Handle(email)
	existing, err := r.backend.GetUser(ctx, handle)
	if err != nil {
		return err
	}
	rec := &UserRecord{
		Handle:     handle,
		Email:      identity.Normalize(email),
		IsDefault:  makeDefault,
		LastUsedAt: r.now(),
	}
	if existing != nil && !makeDefault {
		rec.IsDefault = existing.IsDefault
	}
	return r.backend.PutUser(ctx, rec)
}

// SetDefaultUser makes the identity the single default user, registering it
// if unknown. Idempotent under repetition.
func (r *Registry) SetDefaultUser(ctx context.Context, email string) error {
	return r.AddUser(ctx, email, true)
}

// GetDefaultUser returns the default user's email, if one is set.
func (r *Registry) GetDefaultUser(ctx context.Context) (string, bool, error) {
	users, err := r.backend.ListUsers(ctx)
	if err != nil {
		return "", false, err
	}
	for _, rec := range users {
		if rec.IsDefault {
			return rec.Email, true, nil
		}
	}
	return "", false, nil
}

// GetMostRecentUser returns the user with the latest last-used timestamp.
// When two or more users tie for most recent there is no usable recency
// signal and absent is reported instead of guessing.
func (r *Registry) GetMostRecentUser(ctx context.Context) (string, bool, error) {
	users, err := r.backend.ListUsers(ctx)
	if err != nil {
		return "", false, err
	}
	var best *UserRecord
	tied := false
	for _, rec := range users {
		switch {
		case best == nil || rec.LastUsedAt.After(best.LastUsedAt):
			best = rec
			tied = false
		case rec.LastUsedAt.Equal(best.LastUsedAt):
			tied = true
		}
	}
	if best == nil || tied || best.LastUsedAt.IsZero() {
		return "", false, nil
	}
	return best.Email, true, nil
}

// ResolveImplicitUser resolves the identity to use when a tool call names
// none: the default user, else the most recently used, else absent. Absent
// forces the caller to require an explicit identity.
func (r *Registry) ResolveImplicitUser(ctx context.Context) (string, bool, error) {
	if email, ok, err := r.GetDefaultUser(ctx); err != nil || ok {
		return email, ok, err
	}
	return r.GetMostRecentUser(ctx)
}

// Touch updates the identity's last-used timestamp, registering the user if
// unknown.
func (r *Registry) Touch(ctx context.Context, email string) error {
	return r.AddUser(ctx, email, false)
}

// ListUsers returns all known user records.
func (r *Registry) ListUsers(ctx context.Context) ([]*UserRecord, error) {
	return r.backend.ListUsers(ctx)
}
