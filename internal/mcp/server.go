// ABOUTME: MCP-compatible JSON-RPC endpoint exposing published services as calculation tools
// ABOUTME: Stateless: every tools/* request carries its own bearer token

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/airrange-io/spreadapi-gateway/internal/auth"
	"github.com/airrange-io/spreadapi-gateway/internal/calc"
	"github.com/airrange-io/spreadapi-gateway/internal/engine"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// latestProtocolVersion is the version we advertise when the client asks for
// one we do not know.
const latestProtocolVersion = "2025-06-18"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// ToolPrefix is prepended to a service id to form its tool name.
const ToolPrefix = "spreadapi_calc_"

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Application error codes
const (
	CodeUnauthorized = -32001
	CodeForbidden    = -32003
	CodeNotFound     = -32004
	CodeEngine       = -32010
)

// MCP-specific types

// MCPToolInfo represents an MCP tool definition.
type MCPToolInfo struct {
	Name        string         `json:"name"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// MCPListToolsResult is the result for tools/list.
type MCPListToolsResult struct {
	Tools []MCPToolInfo `json:"tools"`
}

// MCPCallToolParams are the params for tools/call.
type MCPCallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPCallToolResult is the result for tools/call.
type MCPCallToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

// MCPContent represents content in a tool result.
type MCPContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Config holds configuration for the MCP server.
type Config struct {
	Registry *service.Registry
	Executor *calc.Executor
	Tokens   auth.PrincipalVerifier
	Logger   *slog.Logger

	ServerName    string
	ServerVersion string

	// ResourceMetadataURL is advertised in WWW-Authenticate when a tool
	// request has no credentials.
	ResourceMetadataURL string
}

// Server implements the MCP endpoint.
type Server struct {
	registry    *service.Registry
	executor    *calc.Executor
	tokens      auth.PrincipalVerifier
	logger      *slog.Logger
	name        string
	version     string
	metadataURL string
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token verifier is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.ServerName
	if name == "" {
		name = "spreadapi-gateway"
	}
	version := cfg.ServerVersion
	if version == "" {
		version = "1.0.0"
	}

	return &Server{
		registry:    cfg.Registry,
		executor:    cfg.Executor,
		tokens:      cfg.Tokens,
		logger:      logger.With("component", "mcp"),
		name:        name,
		version:     version,
		metadataURL: cfg.ResourceMetadataURL,
	}, nil
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/mcp", s)
}

// ServeHTTP accepts JSON-RPC over POST and answers CORS preflights.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost processes one JSON-RPC message.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body", nil)
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "invalid JSON", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version", nil)
		return
	}

	isInitialize := req.Method == "initialize"
	if pv := r.Header.Get("Mcp-Protocol-Version"); !isInitialize && pv != "" && !supportedProtocolVersions[pv] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	// Notifications carry no id and get no body
	if len(req.ID) == 0 || string(req.ID) == "null" {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.logger.Debug("MCP request", "method", req.Method)

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, req)
	case "ping":
		s.sendJSONRPCResult(w, req.ID, map[string]any{})
	case "tools/list":
		if p := s.authenticate(w, r, req.ID); p != nil {
			s.handleToolsList(w, r, req, p)
		}
	case "tools/call":
		if p := s.authenticate(w, r, req.ID); p != nil {
			s.handleToolsCall(w, r, req, p)
		}
	default:
		s.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "method not found", nil)
	}
}

// handleInitialize answers the handshake. No session is created.
func (s *Server) handleInitialize(w http.ResponseWriter, req JSONRPCRequest) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	version := latestProtocolVersion
	if supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	s.sendJSONRPCResult(w, req.ID, map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    s.name,
			"version": s.version,
		},
	})
}

// authenticate verifies the bearer token and writes the JSON-RPC error
// itself when it cannot. A nil return means the response has been sent.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, id json.RawMessage) *auth.Principal {
	token, errMsg := auth.BearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		if s.metadataURL != "" {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata=%q`, s.metadataURL))
		}
		s.sendJSONRPCError(w, id, CodeUnauthorized, "authentication required", nil)
		return nil
	}

	p, err := s.tokens.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, service.ErrUpstream) {
			s.logger.Warn("token verification failed", "error", err)
			s.sendJSONRPCError(w, id, JSONRPCInternalError, "token store unavailable", nil)
			return nil
		}
		s.sendJSONRPCError(w, id, CodeUnauthorized, "invalid or revoked token", nil)
		return nil
	}
	return p
}

// handleToolsList lists the caller's published services within token scope.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, p *auth.Principal) {
	published, err := s.registry.ListPublished(r.Context(), p.UserID)
	if err != nil {
		s.handleToolError(w, req.ID, "tools/list", err)
		return
	}

	result := MCPListToolsResult{Tools: make([]MCPToolInfo, 0, len(published))}
	for _, pub := range published {
		if !p.Allows(pub.ID) {
			continue
		}
		result.Tools = append(result.Tools, toolInfo(pub))
	}

	s.logger.Debug("tools/list", "user_id", p.UserID, "count", len(result.Tools))
	s.sendJSONRPCResult(w, req.ID, result)
}

// handleToolsCall runs a calculation for the named service.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, p *auth.Principal) {
	var params MCPCallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}

	serviceID, ok := strings.CutPrefix(params.Name, ToolPrefix)
	if !ok || serviceID == "" {
		s.sendJSONRPCError(w, req.ID, CodeNotFound, "tool not found", map[string]string{"name": params.Name})
		return
	}

	inputs := map[string]any{}
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		if err := json.Unmarshal(params.Arguments, &inputs); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "arguments must be an object", nil)
			return
		}
	}

	res, err := s.executor.Execute(r.Context(), calc.Request{
		ServiceID: serviceID,
		Inputs:    inputs,
		Principal: p,
	})
	if err != nil {
		s.handleToolError(w, req.ID, params.Name, err)
		return
	}

	text, err := json.Marshal(res.Outputs)
	if err != nil {
		s.handleToolError(w, req.ID, params.Name, err)
		return
	}

	s.logger.Debug("tools/call complete",
		"tool_name", params.Name,
		"cache_hit", res.Info.CacheHit,
	)
	s.sendJSONRPCResult(w, req.ID, MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: string(text)}},
	})
}

// handleToolError maps the error taxonomy onto JSON-RPC codes.
func (s *Server) handleToolError(w http.ResponseWriter, id json.RawMessage, toolName string, err error) {
	code := JSONRPCInternalError
	message := "tool execution failed"
	var data any

	var verr *service.ValidationError
	var engErr *engine.Error
	switch {
	case errors.As(err, &verr):
		code = JSONRPCInvalidParams
		message = "invalid arguments"
		data = map[string]any{"violations": verr.Violations}
	case errors.Is(err, service.ErrNotFound):
		code = CodeNotFound
		message = "tool not found"
		data = map[string]string{"name": toolName}
	case errors.Is(err, service.ErrForbidden):
		code = CodeForbidden
		message = "token does not grant access to this tool"
	case errors.Is(err, service.ErrUnauthorized):
		code = CodeUnauthorized
		message = "authentication required"
	case errors.As(err, &engErr):
		code = CodeEngine
		message = "calculation failed"
		data = engErr
	case errors.Is(err, context.DeadlineExceeded):
		message = "tool execution timed out"
	case errors.Is(err, context.Canceled):
		message = "request cancelled"
	case errors.Is(err, service.ErrUpstream):
		message = "upstream unavailable"
	}

	if code == JSONRPCInternalError {
		s.logger.Warn("tool execution failed", "tool_name", toolName, "error", err)
	} else {
		s.logger.Debug("tool call rejected", "tool_name", toolName, "error", err)
	}
	s.sendJSONRPCError(w, id, code, message, data)
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	s.send(w, JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	s.send(w, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	})
}

func (s *Server) send(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
