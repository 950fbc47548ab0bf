// Package auth_tools registers the MCP tools that manage portal
// authentication and the multi-user registry: logging in and out,
// inspecting session status, clearing stored credentials, and choosing
// the default user.
package auth_tools
