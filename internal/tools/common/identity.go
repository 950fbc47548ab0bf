package common

import (
	"context"
	"strings"

	"github.com/jverhoef/schoolgate/internal/identity"
	"github.com/jverhoef/schoolgate/internal/portal"
	"github.com/jverhoef/schoolgate/internal/server"
)

// NoIdentityMessage is the user-facing guidance returned when a call
// arrives without a resolvable user identity.
const NoIdentityMessage = `No user specified and no default user is set. Either:

1. Pass the userEmail argument explicitly, or
2. Set a default user with the portal_set_default_user tool.

When multiple users are registered without a default, the server refuses to guess which one you mean.`

// UserEmailFromArgs extracts the explicit userEmail argument, normalized,
// or "" when absent.
func UserEmailFromArgs(args map[string]interface{}) string {
	if v, ok := args["userEmail"].(string); ok && strings.TrimSpace(v) != "" {
		return identity.Normalize(v)
	}
	return ""
}

// ResolveUserEmail returns the user identity for a tool call: the explicit
// userEmail argument when present, otherwise the registry's implicit user
// (default user, then unambiguous most-recent). Returns
// portal.ErrNoIdentity when neither yields an identity.
func ResolveUserEmail(ctx context.Context, args map[string]interface{}, sc *server.ServerContext) (string, error) {
	if email := UserEmailFromArgs(args); email != "" {
		if err := identity.Validate(email); err != nil {
			return "", err
		}
		return email, nil
	}

	email, ok, err := sc.Registry().ResolveImplicitUser(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", portal.ErrNoIdentity
	}
	return email, nil
}

// RefreshFromArgs extracts the refresh flag, defaulting to false.
func RefreshFromArgs(args map[string]interface{}) bool {
	refresh, _ := args["refresh"].(bool)
	return refresh
}
