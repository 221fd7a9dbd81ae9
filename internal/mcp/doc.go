// Package mcp exposes the routing engine as an MCP server.
//
// Three tools are registered: task_analyze runs a request through the
// pipeline, task_execute validates and dispatches a caller-built task
// graph, and registry_version reports the published registry. The server
// is mounted on the HTTP API at /mcp using the streamable transport.
package mcp
