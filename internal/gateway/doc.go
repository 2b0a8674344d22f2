// ABOUTME: Package documentation for the HTTP gateway
// ABOUTME: Lists the routes, their credentials and the error envelope

// Package gateway wires the registry, caches, executor, token authority,
// print-job store and MCP server behind one HTTP server.
//
// Public service API (optional bearer service token):
//
//	POST /api/v1/services/{id}/execute   JSON body {inputs, areaUpdates, nocache}
//	GET  /api/v1/services/{id}/execute   inputs from the query string
//	POST /api/v1/services/{id}/prewarm   optional body {forceRefresh}
//	GET  /api/v1/services/{id}           published metadata
//
// Management API (dashboard JWT):
//
//	GET    /api/services
//	GET    /api/services/{id}
//	PUT    /api/services/{id}
//	DELETE /api/services/{id}
//	POST   /api/services/{id}/publish
//	POST   /api/services/{id}/unpublish
//	POST   /api/definitions
//	POST   /api/tokens
//	GET    /api/tokens
//	DELETE /api/tokens/{id}
//	POST   /api/print-jobs
//	DELETE /api/print-jobs/{id}
//
// Print jobs are read without credentials through GET /api/print-jobs/{id}
// and GET /api/print-jobs/{id}/status. The MCP endpoint lives at /mcp with
// OAuth discovery under /.well-known/.
//
// Failures use one envelope:
//
//	{"error": "validation_error", "message": "...", "details": [...]}
//
// Internal and upstream failures are logged with the request id and their
// message is replaced by the status text.
package gateway
