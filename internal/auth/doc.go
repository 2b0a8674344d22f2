// Package auth authenticates callers of spreadapi-gateway.
//
// # Service tokens
//
// API clients and MCP agents present bearer tokens issued by the Authority.
// A token secret has the form spapi_live_<43 base64url chars> and is shown
// to its owner exactly once. Only its SHA-256 hex digest is stored:
//
//	token:{id}          hash: userId, name, description, serviceIds, created,
//	                    lastUsed, requests, active
//	user:{uid}:tokens   set of token ids
//
// Verify resolves a secret to a Principal. A Principal may call the services
// listed in its scope, or all of its owner's services when the scope is
// empty; ownership itself is checked by the caller.
//
// # Dashboard users
//
// The management API is authenticated with HS256 JWTs whose sub claim is the
// user id and which carry an exp claim, verified by JWTVerifier.
// HTTPAuthMiddleware requires one; BearerTokenMiddleware attaches a
// service-token Principal when present, rejects revoked or unknown
// spapi_live_ secrets and lets anonymous requests through.
package auth
