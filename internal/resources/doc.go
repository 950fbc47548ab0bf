// Package resources exposes MCP resources describing the portal accounts
// registered with the server.
package resources
