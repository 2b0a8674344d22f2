// Package mcp exposes published services to AI agents over the Model Context
// Protocol.
//
// The endpoint speaks JSON-RPC 2.0 over POST /mcp and keeps no sessions:
//
//   - initialize needs no credentials
//   - tools/list and tools/call need a service token as a bearer
//
// Each published service owned by the token's user, and inside the token's
// scope, becomes a tool named spreadapi_calc_{serviceId}. Its inputSchema is
// derived from the declared inputs and tools/call returns the outputs as a
// JSON text block:
//
//	{"jsonrpc":"2.0","id":2,"method":"tools/call",
//	 "params":{"name":"spreadapi_calc_abc","arguments":{"rate":5}}}
//
// Failures are JSON-RPC errors:
//
//	-32001  missing or invalid token
//	-32003  token does not cover the service
//	-32004  unknown or unpublished service
//	-32602  invalid arguments (data.violations lists each field)
//	-32010  calculation engine error (data carries the engine detail)
//	-32603  upstream failure
//
// RegisterDiscovery serves the OAuth protected-resource and
// authorization-server metadata MCP clients use to find where to sign in.
package mcp
