// ABOUTME: OAuth discovery documents that let MCP clients find the authorization server
// ABOUTME: Served publicly with long-lived caching and permissive CORS

package mcp

import (
	"encoding/json"
	"net/http"
	"strings"
)

// DiscoveryConfig describes the protected resource and its authorization server.
type DiscoveryConfig struct {
	Resource              string
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	RegistrationEndpoint  string
	JWKSURI               string
	Scopes                []string
}

// RegisterDiscovery mounts the well-known documents on mux.
func RegisterDiscovery(mux *http.ServeMux, cfg DiscoveryConfig) {
	resource := discoveryHandler(func() any { return protectedResource(cfg) })
	server := discoveryHandler(func() any { return authorizationServer(cfg) })

	mux.Handle("/.well-known/oauth-protected-resource", resource)
	mux.Handle("/.well-known/oauth-protected-resource/", resource)
	mux.Handle("/.well-known/oauth-authorization-server", server)
	mux.Handle("/.well-known/openid-configuration", server)
}

func protectedResource(cfg DiscoveryConfig) map[string]any {
	doc := map[string]any{
		"resource":                 cfg.Resource,
		"bearer_methods_supported": []string{"header"},
		"scopes_supported":         scopes(cfg.Scopes),
	}
	if cfg.Issuer != "" {
		doc["authorization_servers"] = []string{cfg.Issuer}
	}
	return doc
}

func authorizationServer(cfg DiscoveryConfig) map[string]any {
	doc := map[string]any{
		"issuer":                                cfg.Issuer,
		"authorization_endpoint":                cfg.AuthorizationEndpoint,
		"token_endpoint":                        cfg.TokenEndpoint,
		"scopes_supported":                      scopes(cfg.Scopes),
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
	}
	if cfg.RegistrationEndpoint != "" {
		doc["registration_endpoint"] = cfg.RegistrationEndpoint
	}
	if cfg.JWKSURI != "" {
		doc["jwks_uri"] = cfg.JWKSURI
	}
	return doc
}

func scopes(s []string) []string {
	if len(s) == 0 {
		return []string{"mcp:tools"}
	}
	return s
}

func discoveryHandler(doc func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w, "GET, OPTIONS")
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "public, max-age=3600")
			_ = json.NewEncoder(w).Encode(doc())
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Allow", "GET, OPTIONS")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

func setCORS(w http.ResponseWriter, methods string) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", methods)
	h.Set("Access-Control-Allow-Headers", strings.Join([]string{
		"Authorization", "Content-Type", "Mcp-Protocol-Version", "Mcp-Session-Id",
	}, ", "))
	h.Set("Access-Control-Max-Age", "86400")
}
