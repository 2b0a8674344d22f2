// ABOUTME: Tests for the MCP HTTP server including tool listing and execution.
// ABOUTME: Validates bearer auth, scope filtering, and JSON-RPC error mapping.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airrange-io/spreadapi-gateway/internal/auth"
	"github.com/airrange-io/spreadapi-gateway/internal/blob"
	"github.com/airrange-io/spreadapi-gateway/internal/cache"
	"github.com/airrange-io/spreadapi-gateway/internal/calc"
	"github.com/airrange-io/spreadapi-gateway/internal/engine"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
	"github.com/airrange-io/spreadapi-gateway/internal/store"
)

type testEnv struct {
	server    *Server
	registry  *service.Registry
	authority *auth.Authority
	engine    *engine.Fake
	blobs     *blob.MemoryStore
	store     *store.MockStore
}

func ptr(v float64) *float64 { return &v }

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMockStore(),
		blobs:  blob.NewMemoryStore(),
		engine: engine.NewFake(nil),
	}

	loader := blob.NewLoader(env.blobs, nil)
	env.registry = service.NewRegistry(env.store, loader, nil)
	workbooks := cache.NewWorkbookCache(cache.WorkbookOptions{})
	t.Cleanup(workbooks.Close)
	env.registry.OnInvalidate(workbooks.Invalidate)

	executor := calc.NewExecutor(calc.Deps{
		Registry:    env.registry,
		Definitions: cache.NewDefinitionCache(env.store, nil, 0, nil),
		Results:     cache.NewResultCache(env.store, nil, 0, nil),
		Workbooks:   workbooks,
		Blobs:       loader,
		Engine:      env.engine,
	})
	env.authority = auth.NewAuthority(env.store, nil, nil)

	srv, err := NewServer(Config{
		Registry:            env.registry,
		Executor:            executor,
		Tokens:              env.authority,
		ResourceMetadataURL: "https://api.example.com/.well-known/oauth-protected-resource",
	})
	require.NoError(t, err)
	env.server = srv
	return env
}

func (env *testEnv) publish(t *testing.T, id, user string, def service.Definition) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.registry.SaveDraft(ctx, &service.Draft{
		ID:          id,
		UserID:      user,
		Name:        "Loan " + id,
		Description: "Monthly loan payment",
		Inputs: []service.Input{
			{Name: "principal", Type: service.TypeNumber, Mandatory: true, Min: ptr(0), Description: "Amount borrowed"},
			{Name: "rate", Type: service.TypeNumber, Mandatory: true, Min: ptr(0), Max: ptr(100)},
			{Name: "fixed", Type: service.TypeBoolean, Default: true},
		},
		Outputs: []service.Output{{Name: "total", Title: "Total"}},
	}))
	ref, err := env.blobs.Put(ctx, []byte("workbook-"+id))
	require.NoError(t, err)
	_, err = env.registry.Publish(ctx, id, def, ref)
	require.NoError(t, err)
}

func (env *testEnv) token(t *testing.T, user string, scope ...string) string {
	t.Helper()
	secret, _, err := env.authority.Create(context.Background(), user, "agent", "", scope)
	require.NoError(t, err)
	return secret
}

func (env *testEnv) rpc(t *testing.T, token, body string) (*httptest.ResponseRecorder, JSONRPCResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	var resp JSONRPCResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec, resp
}

func resultAs(t *testing.T, resp JSONRPCResponse, dst any) {
	t.Helper()
	require.Nil(t, resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func TestInitializeNeedsNoAuth(t *testing.T) {
	env := setupTestServer(t)

	_, resp := env.rpc(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)

	var result struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	resultAs(t, resp, &result)
	assert.Equal(t, "2025-03-26", result.ProtocolVersion)
	assert.Contains(t, result.Capabilities, "tools")
	assert.Equal(t, "spreadapi-gateway", result.ServerInfo.Name)
	assert.Equal(t, "1", string(resp.ID))

	_, resp = env.rpc(t, "", `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`)
	resultAs(t, resp, &result)
	assert.Equal(t, latestProtocolVersion, result.ProtocolVersion)
}

func TestToolsListFiltersByOwnerAndScope(t *testing.T) {
	env := setupTestServer(t)
	env.publish(t, "a", "u1", service.Definition{AIDescription: "Computes loan payments", AIUsageExamples: []string{"100k at 5%"}})
	env.publish(t, "b", "u1", service.Definition{})
	env.publish(t, "c", "u2", service.Definition{})

	tests := []struct {
		name  string
		token string
		want  []string
	}{
		{"unscoped", env.token(t, "u1"), []string{"spreadapi_calc_a", "spreadapi_calc_b"}},
		{"scoped", env.token(t, "u1", "b"), []string{"spreadapi_calc_b"}},
		{"other user", env.token(t, "u2"), []string{"spreadapi_calc_c"}},
		{"no services", env.token(t, "u3"), []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp := env.rpc(t, tt.token, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
			var result MCPListToolsResult
			resultAs(t, resp, &result)

			names := make([]string, 0, len(result.Tools))
			for _, tool := range result.Tools {
				names = append(names, tool.Name)
			}
			assert.ElementsMatch(t, tt.want, names)
		})
	}
}

func TestToolsListDescribesInputs(t *testing.T) {
	env := setupTestServer(t)
	env.publish(t, "a", "u1", service.Definition{AIDescription: "Computes loan payments", AIUsageExamples: []string{"100k at 5%"}})

	_, resp := env.rpc(t, env.token(t, "u1"), `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	var result MCPListToolsResult
	resultAs(t, resp, &result)
	require.Len(t, result.Tools, 1)

	tool := result.Tools[0]
	assert.True(t, strings.HasPrefix(tool.Description, "Computes loan payments"))
	assert.Contains(t, tool.Description, "- 100k at 5%")
	assert.Contains(t, tool.Description, "Returns: total")

	schema := tool.InputSchema
	assert.Equal(t, "object", schema["type"])
	assert.ElementsMatch(t, []any{"principal", "rate"}, schema["required"])

	props := schema["properties"].(map[string]any)
	rate := props["rate"].(map[string]any)
	assert.Equal(t, "number", rate["type"])
	assert.Equal(t, 0.0, rate["minimum"])
	assert.Equal(t, 100.0, rate["maximum"])
	principal := props["principal"].(map[string]any)
	assert.Equal(t, "Amount borrowed", principal["description"])
	fixed := props["fixed"].(map[string]any)
	assert.Equal(t, "boolean", fixed["type"])
	assert.Equal(t, true, fixed["default"])
}

func TestToolsListFallsBackToServiceDescription(t *testing.T) {
	env := setupTestServer(t)
	env.publish(t, "a", "u1", service.Definition{})

	_, resp := env.rpc(t, env.token(t, "u1"), `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	var result MCPListToolsResult
	resultAs(t, resp, &result)
	require.Len(t, result.Tools, 1)
	assert.True(t, strings.HasPrefix(result.Tools[0].Description, "Monthly loan payment"))
	assert.Equal(t, "Loan a", result.Tools[0].Title)
}

func TestToolsCall(t *testing.T) {
	env := setupTestServer(t)
	env.publish(t, "a", "u1", service.Definition{})
	token := env.token(t, "u1")

	_, resp := env.rpc(t, token, `{"jsonrpc":"2.0","id":7,"method":"tools/call",
		"params":{"name":"spreadapi_calc_a","arguments":{"principal":1000,"rate":5}}}`)

	var result MCPCallToolResult
	resultAs(t, resp, &result)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.False(t, result.IsError)

	var outputs []service.Value
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &outputs))
	require.Len(t, outputs, 1)
	assert.Equal(t, "total", outputs[0].Name)
	assert.Equal(t, 1005.0, outputs[0].Value)
}

func TestToolsCallErrors(t *testing.T) {
	env := setupTestServer(t)
	env.publish(t, "a", "u1", service.Definition{})
	env.publish(t, "b", "u2", service.Definition{})
	env.publish(t, "boom", "u1", service.Definition{})

	env.engine.Eval = func(def []byte, ev engine.Evaluation) (map[string]any, error) {
		if string(def) == "workbook-boom" {
			return nil, &engine.Error{Code: "formula", Message: "#REF!", Detail: "Sheet1!A1"}
		}
		return engine.SumEval(def, ev)
	}

	owner := env.token(t, "u1")
	scoped := env.token(t, "u1", "boom")

	call := func(name, args string) string {
		return `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"` + name + `","arguments":` + args + `}}`
	}

	tests := []struct {
		name  string
		token string
		body  string
		code  int
	}{
		{"missing token", "", call("spreadapi_calc_a", `{}`), CodeUnauthorized},
		{"unknown token", "spapi_live_nope", call("spreadapi_calc_a", `{}`), CodeUnauthorized},
		{"other user's service", owner, call("spreadapi_calc_b", `{"principal":1,"rate":1}`), CodeForbidden},
		{"out of scope", scoped, call("spreadapi_calc_a", `{"principal":1,"rate":1}`), CodeForbidden},
		{"unknown service", owner, call("spreadapi_calc_zzz", `{}`), CodeNotFound},
		{"foreign tool name", owner, call("todo_add", `{}`), CodeNotFound},
		{"invalid arguments", owner, call("spreadapi_calc_a", `{"rate":150}`), JSONRPCInvalidParams},
		{"arguments not an object", owner, call("spreadapi_calc_a", `[1,2]`), JSONRPCInvalidParams},
		{"engine failure", owner, call("spreadapi_calc_boom", `{"principal":1,"rate":1}`), CodeEngine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := env.rpc(t, tt.token, tt.body)
			assert.Equal(t, http.StatusOK, rec.Code)
			require.NotNil(t, resp.Error, rec.Body.String())
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestToolsCallErrorData(t *testing.T) {
	env := setupTestServer(t)
	env.publish(t, "a", "u1", service.Definition{})

	rec, resp := env.rpc(t, env.token(t, "u1"), `{"jsonrpc":"2.0","id":1,"method":"tools/call",
		"params":{"name":"spreadapi_calc_a","arguments":{"rate":150}}}`)
	require.NotNil(t, resp.Error)
	assert.Contains(t, rec.Body.String(), `"field":"principal"`)
	assert.Contains(t, rec.Body.String(), `"field":"rate"`)
	assert.Equal(t, int64(0), env.engine.Evaluations())
}

func TestMissingTokenAdvertisesResourceMetadata(t *testing.T) {
	env := setupTestServer(t)
	rec, _ := env.rpc(t, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "resource_metadata=")
}

func TestTokenStoreOutageIsInternalError(t *testing.T) {
	env := setupTestServer(t)
	token := env.token(t, "u1")
	env.store.Fail(store.ErrInjected)

	_, resp := env.rpc(t, token, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, JSONRPCInternalError, resp.Error.Code)
}

func TestProtocolErrors(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"bad json", `{"jsonrpc":`, JSONRPCParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"initialize"}`, JSONRPCInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, JSONRPCMethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp := env.rpc(t, "", tt.body)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestNotificationsAreAccepted(t *testing.T) {
	env := setupTestServer(t)

	for _, body := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":null,"method":"tools/list"}`,
	} {
		rec, _ := env.rpc(t, "", body)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Empty(t, rec.Body.String())
	}
}

func TestBodyLimit(t *testing.T) {
	env := setupTestServer(t)
	big := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"pad":"` + strings.Repeat("x", MaxRequestBodySize) + `"}}`

	_, resp := env.rpc(t, "", big)
	require.NotNil(t, resp.Error)
	assert.Equal(t, JSONRPCInvalidRequest, resp.Error.Code)
}

func TestMethodsAndPreflight(t *testing.T) {
	env := setupTestServer(t)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/mcp", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewServerValidation(t *testing.T) {
	env := setupTestServer(t)

	_, err := NewServer(Config{})
	assert.Error(t, err)

	_, err = NewServer(Config{Registry: env.registry})
	assert.Error(t, err)

	_, err = NewServer(Config{Registry: env.registry, Executor: env.server.executor})
	assert.Error(t, err)
}

func TestRegisterRoutes(t *testing.T) {
	env := setupTestServer(t)
	mux := http.NewServeMux()
	env.server.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"result":{}`)
}
