// Package directory_tools registers the MCP tool for searching the school
// portal's member directory.
package directory_tools
