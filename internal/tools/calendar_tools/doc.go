// Package calendar_tools registers the MCP tool for reading the school's
// event calendar from the portal.
package calendar_tools
