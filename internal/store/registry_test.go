package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	r := NewRegistry(NewMemoryBackend())
	r.now = clk.Now
	return r, clk
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func countDefaults(t *testing.T, r *Registry) int {
	t.Helper()
	users, err := r.ListUsers(context.Background())
	require.NoError(t, err)
	n := 0
	for _, u := range users {
		if u.IsDefault {
			n++
		}
	}
	return n
}

func TestSetDefaultUserSwitchesDefault(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	require.NoError(t, r.SetDefaultUser(ctx, "a@x.com"))
	require.NoError(t, r.SetDefaultUser(ctx, "b@x.com"))

	email, ok, err := r.GetDefaultUser(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b@x.com", email)
	assert.Equal(t, 1, countDefaults(t, r))
}

func TestSetDefaultUserIdempotent(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.SetDefaultUser(ctx, "a@x.com"))
	}

	email, ok, err := r.GetDefaultUser(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a@x.com", email)
	assert.Equal(t, 1, countDefaults(t, r))
}

func TestAddUserRejectsInvalidIdentity(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	assert.Error(t, r.AddUser(ctx, "", false))
	assert.Error(t, r.AddUser(ctx, "not-an-email", false))
}

func TestTouchPreservesDefaultFlag(t *testing.T) {
	ctx := context.Background()
	r, clk := newTestRegistry()

	require.NoError(t, r.SetDefaultUser(ctx, "a@x.com"))
	clk.Advance(time.Minute)
	require.NoError(t, r.Touch(ctx, "a@x.com"))

	email, ok, err := r.GetDefaultUser(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a@x.com", email)
}

func TestResolveImplicitUserPrefersDefault(t *testing.T) {
	ctx := context.Background()
	r, clk := newTestRegistry()

	require.NoError(t, r.SetDefaultUser(ctx, "a@x.com"))
	clk.Advance(time.Minute)
	require.NoError(t, r.Touch(ctx, "b@x.com")) // more recent, but not default

	email, ok, err := r.ResolveImplicitUser(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a@x.com", email)
}

func TestResolveImplicitUserFallsBackToMostRecent(t *testing.T) {
	ctx := context.Background()
	r, clk := newTestRegistry()

	require.NoError(t, r.Touch(ctx, "a@x.com"))
	clk.Advance(time.Minute)
	require.NoError(t, r.Touch(ctx, "b@x.com"))

	email, ok, err := r.ResolveImplicitUser(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b@x.com", email)
}

func TestResolveImplicitUserRefusesToGuessOnTie(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	// Same frozen clock for both: no default, no recency signal.
	require.NoError(t, r.Touch(ctx, "a@x.com"))
	require.NoError(t, r.Touch(ctx, "b@x.com"))

	_, ok, err := r.ResolveImplicitUser(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "ambiguity must resolve to absent, not a guess")
}

func TestResolveImplicitUserNoUsers(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry()

	_, ok, err := r.ResolveImplicitUser(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryNormalizesEmails(t *testing.T) {
	ctx := context.Background()
	r, clk := newTestRegistry()

	require.NoError(t, r.Touch(ctx, "Parent@Example.COM"))
	clk.Advance(time.Minute)
	require.NoError(t, r.Touch(ctx, "parent@example.com"))

	users, err := r.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1, "case variants must collapse into one record")
	assert.Equal(t, "parent@example.com", users[0].Email)
}
