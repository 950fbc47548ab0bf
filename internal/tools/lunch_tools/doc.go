// Package lunch_tools registers the MCP tool for reading the school's
// lunch-volunteer signup sheet.
package lunch_tools
