package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jverhoef/schoolgate/internal/server"
)

// RegisterUserResources registers resources describing the portal users this
// server knows about. They let an assistant discover which accounts are
// available before picking a userEmail argument for a tool call.
func RegisterUserResources(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	registeredResource := mcp.NewResource(
		"users://registered",
		"Registered Portal Users",
		mcp.WithResourceDescription("All portal accounts registered with this server, with default-user and stored-session state"),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(registeredResource, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return handleRegisteredUsers(ctx, request, sc)
	})

	defaultResource := mcp.NewResource(
		"users://default",
		"Default Portal User",
		mcp.WithResourceDescription("The account used when a tool call does not name a user"),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(defaultResource, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return handleDefaultUser(ctx, request, sc)
	})

	return nil
}

type registeredUser struct {
	Email            string    `json:"email"`
	IsDefault        bool      `json:"isDefault"`
	LastUsedAt       time.Time `json:"lastUsedAt,omitempty"`
	HasStoredSession bool      `json:"hasStoredSession"`
}

func handleRegisteredUsers(ctx context.Context, request mcp.ReadResourceRequest, sc *server.ServerContext) ([]mcp.ResourceContents, error) {
	records, err := sc.Registry().ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	users := make([]registeredUser, 0, len(records))
	for _, rec := range records {
		hasSession, err := sc.Sessions().Exists(ctx, rec.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to check session for %s: %w", rec.Email, err)
		}
		users = append(users, registeredUser{
			Email:            rec.Email,
			IsDefault:        rec.IsDefault,
			LastUsedAt:       rec.LastUsedAt,
			HasStoredSession: hasSession,
		})
	}

	return jsonResource(request.Params.URI, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

func handleDefaultUser(ctx context.Context, request mcp.ReadResourceRequest, sc *server.ServerContext) ([]mcp.ResourceContents, error) {
	email, ok, err := sc.Registry().ResolveImplicitUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve default user: %w", err)
	}

	data := map[string]interface{}{
		"resolved": ok,
	}
	if ok {
		data["email"] = email
	} else {
		data["hint"] = "No default user. Call portal_login or portal_set_default_user first."
	}

	return jsonResource(request.Params.URI, data)
}

func jsonResource(uri string, data interface{}) ([]mcp.ResourceContents, error) {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource data: %w", err)
	}

	return []mcp.ResourceContents{
		&mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(jsonData),
		},
	}, nil
}
