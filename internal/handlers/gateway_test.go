// Package handlers tests the workspace-aware HTTP gateway.
//
// Test Coverage:
// - Service listing: anonymous callers see public services only
// - Invocation: GET query kwargs with numeric coercion, POST JSON and
//   msgpack bodies, dotted key lookup, plain value reads
// - Authorization: protected services return 403 to anonymous callers
//   and 200 to workspace owners
package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hivegate/hivegate/internal/auth"
	"github.com/hivegate/hivegate/internal/core"
	"github.com/hivegate/hivegate/internal/rpc"
)

type gatewayFixture struct {
	router   *gin.Engine
	registry *core.Registry
	tokens   *auth.TokenManager
	owner    *core.UserInfo
	token    string
}

// setupGateway builds a gin router with the auth middleware and gateway
// routes, one protected workspace "lab" and its owner token.
func setupGateway(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := core.NewRegistry(core.NewEventBus(), zerolog.Nop())
	tokens := auth.NewTokenManager("gateway-test-secret", nil)

	// mint a child token, then make its minted identity the owner
	raw, err := tokens.GeneratePresignedToken(&core.UserInfo{ID: "root-user"}, auth.TokenConfig{})
	require.NoError(t, err)
	owner, err := tokens.ValidToken("Bearer " + raw)
	require.NoError(t, err)
	registry.GetOrCreateUser(owner)

	require.NoError(t, registry.RegisterWorkspace(core.WorkspaceInfo{
		Name:       "lab",
		Owners:     []string{owner.ID},
		Visibility: core.VisibilityProtected,
	}))

	router := gin.New()
	router.Use(auth.OptionalAuth(tokens))
	NewGatewayHandler(registry, zerolog.Nop()).RegisterRoutes(router.Group("/"))

	return &gatewayFixture{
		router:   router,
		registry: registry,
		tokens:   tokens,
		owner:    owner,
		token:    raw,
	}
}

// registerEcho adds an echo service whose function returns the "v"
// keyword argument.
func registerEcho(t *testing.T, f *gatewayFixture, visibility string) {
	t.Helper()
	ws, ok := f.registry.GetWorkspace("lab")
	require.True(t, ok)
	plugin := &core.Plugin{ID: "lab/p1", Name: "p1", Type: "native-python", Workspace: ws, UserInfo: f.owner}
	ctx := core.Context{User: f.owner, Workspace: ws, Plugin: plugin}

	echo := rpc.Callable(func(args []any) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		kwargs, _ := args[0].(map[string]any)
		return kwargs["v"], nil
	})
	_, err := f.registry.RegisterService(ctx, &core.ServiceInfo{
		Name:   "echo",
		Type:   "functions",
		Config: map[string]any{"visibility": visibility},
		Bundle: map[string]any{
			"name": "echo",
			"type": "functions",
			"echo": echo,
			"meta": map[string]any{"version": "1.0"},
		},
	})
	require.NoError(t, err)
}

func (f *gatewayFixture) get(path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	f.router.ServeHTTP(w, req)
	return w
}

func TestAnonymousSeesOnlyPublicServices(t *testing.T) {
	f := setupGateway(t)
	registerEcho(t, f, "public")

	w := f.get("/services", "")
	require.Equal(t, http.StatusOK, w.Code)
	var services []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &services))
	require.Len(t, services, 1)
	assert.Equal(t, "lab/echo", services[0]["id"])
}

func TestAnonymousHiddenFromProtectedListing(t *testing.T) {
	f := setupGateway(t)
	registerEcho(t, f, "protected")

	w := f.get("/services", "")
	require.Equal(t, http.StatusOK, w.Code)
	var services []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &services))
	assert.Len(t, services, 0)

	// the owner sees it
	w = f.get("/services", f.token)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &services))
	assert.Len(t, services, 1)
}

func TestInvokePublicServiceAnonymously(t *testing.T) {
	f := setupGateway(t)
	registerEcho(t, f, "public")

	w := f.get("/lab/services/echo/echo?v=hi", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"hi"`, w.Body.String())
}

func TestInvokeProtectedServiceForbiddenAnonymously(t *testing.T) {
	f := setupGateway(t)
	registerEcho(t, f, "protected")

	w := f.get("/lab/services/echo/echo?v=hi", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// the workspace owner gets through
	w = f.get("/lab/services/echo/echo?v=hi", f.token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"hi"`, w.Body.String())
}

func TestInvokeCoercesNumericQueryArgs(t *testing.T) {
	f := setupGateway(t)
	ws, _ := f.registry.GetWorkspace("lab")
	plugin := &core.Plugin{ID: "lab/p1", Name: "p1", Workspace: ws, UserInfo: f.owner}
	ctx := core.Context{User: f.owner, Workspace: ws, Plugin: plugin}

	typeOf := rpc.Callable(func(args []any) (any, error) {
		kwargs := args[0].(map[string]any)
		out := make(map[string]any)
		for k, v := range kwargs {
			switch v.(type) {
			case int:
				out[k] = "int"
			case float64:
				out[k] = "float"
			default:
				out[k] = "string"
			}
		}
		return out, nil
	})
	_, err := f.registry.RegisterService(ctx, &core.ServiceInfo{
		Name:   "types",
		Type:   "functions",
		Config: map[string]any{"visibility": "public"},
		Bundle: map[string]any{"check": typeOf},
	})
	require.NoError(t, err)

	w := f.get("/lab/services/types/check?a=5&b=2.5&c=text", "")
	require.Equal(t, http.StatusOK, w.Code)
	var result map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "int", result["a"])
	assert.Equal(t, "float", result["b"])
	assert.Equal(t, "string", result["c"])
}

func TestInvokeDottedKeyLookup(t *testing.T) {
	f := setupGateway(t)
	registerEcho(t, f, "public")

	// a plain nested value is serialised as-is
	w := f.get("/lab/services/echo/meta.version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"1.0"`, w.Body.String())

	// a missing key reports not found without failing the request
	w = f.get("/lab/services/echo/meta.missing", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "not found")
}

func TestInvokeWithJSONBody(t *testing.T) {
	f := setupGateway(t)
	registerEcho(t, f, "public")

	body, _ := json.Marshal(map[string]any{"v": "from-body"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/lab/services/echo/echo", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `"from-body"`, w.Body.String())
}

func TestInvokeWithMsgpackBody(t *testing.T) {
	f := setupGateway(t)
	registerEcho(t, f, "public")

	body, err := msgpack.Marshal(map[string]any{"v": "packed"})
	require.NoError(t, err)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/lab/services/echo/echo", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/msgpack")
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/msgpack", w.Header().Get("Content-Type"))
	var result string
	require.NoError(t, msgpack.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "packed", result)
}

func TestInvokeRejectsUnknownContentType(t *testing.T) {
	f := setupGateway(t)
	registerEcho(t, f, "public")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/lab/services/echo/echo", bytes.NewReader([]byte("v=hi")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServiceIntrospection(t *testing.T) {
	f := setupGateway(t)
	registerEcho(t, f, "public")

	w := f.get("/lab/services/echo", "")
	require.Equal(t, http.StatusOK, w.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "echo", info["name"])
	// function slots are rendered as descriptive strings
	assert.Contains(t, info["echo"], "<function")
}

func TestUnknownServiceNotFound(t *testing.T) {
	f := setupGateway(t)
	w := f.get("/lab/services/ghost", f.token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
