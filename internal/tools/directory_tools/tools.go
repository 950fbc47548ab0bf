package directory_tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jverhoef/schoolgate/internal/portal"
	"github.com/jverhoef/schoolgate/internal/server"
	"github.com/jverhoef/schoolgate/internal/tools/batch"
	"github.com/jverhoef/schoolgate/internal/tools/common"
)

// RegisterDirectoryTools registers directory tools with the MCP server.
func RegisterDirectoryTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	searchTool := mcp.NewTool("directory_search",
		mcp.WithDescription("Search the school's member directory for families, parents or students by name. Accepts a single query or an array of queries; results are cached per user and refresh forces a fresh lookup."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Name or partial name to search for. Can be a single string or an array of strings for batch lookups."),
		),
		mcp.WithString("userEmail",
			mcp.Description("Email of the user to act as (defaults to the default user)"),
		),
		mcp.WithBoolean("refresh",
			mcp.Description("Bypass the cache and scrape the portal again (default: false)"),
		),
	)

	s.AddTool(searchTool, common.InstrumentedToolHandler("directory_search", sc, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})

		queries, err := batch.Queries(args["query"], "query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		email, err := common.ResolveUserEmail(ctx, args, sc)
		if err != nil {
			if errors.Is(err, portal.ErrNoIdentity) {
				return mcp.NewToolResultError(common.NoIdentityMessage), nil
			}
			return mcp.NewToolResultError(err.Error()), nil
		}
		refresh := common.RefreshFromArgs(args)

		if len(queries) == 1 {
			entries, err := sc.Portal().SearchDirectory(ctx, email, queries[0], refresh)
			if err != nil {
				if errors.Is(err, portal.ErrAuthenticationFailed) || errors.Is(err, portal.ErrSessionInvalid) {
					return mcp.NewToolResultError(fmt.Sprintf("Not authenticated: %v. Run portal_login for %s first.", err, email)), nil
				}
				return mcp.NewToolResultError(fmt.Sprintf("Directory search failed: %v", err)), nil
			}

			if err := sc.Registry().Touch(ctx, email); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to record user activity: %v", err)), nil
			}

			result, _ := json.MarshalIndent(entries, "", "  ")
			return mcp.NewToolResultText(string(result)), nil
		}

		report := batch.Run(queries, func(query string) (string, error) {
			entries, err := sc.Portal().SearchDirectory(ctx, email, query, refresh)
			if err != nil {
				return "", err
			}
			encoded, err := json.Marshal(entries)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		})

		if err := sc.Registry().Touch(ctx, email); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to record user activity: %v", err)), nil
		}

		return mcp.NewToolResultText(report.Render()), nil
	}))

	return nil
}
