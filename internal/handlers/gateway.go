package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hivegate/hivegate/internal/auth"
	"github.com/hivegate/hivegate/internal/core"
	"github.com/hivegate/hivegate/internal/errors"
	"github.com/hivegate/hivegate/internal/rpc"
)

const (
	contentTypeJSON    = "application/json"
	contentTypeMsgpack = "application/msgpack"
)

// GatewayHandler synthesises HTTP endpoints that forward calls to
// services registered by plugins.
//
// Routes:
//
//	GET  /services                                     list visible services
//	GET  /:workspace/services                          list in one workspace
//	GET  /:workspace/services/:service                 introspect a service
//	GET  /:workspace/services/:service/*keys           invoke or read a value
//	POST /:workspace/services/:service/*keys           invoke with a body
//
// keys is a dotted path resolved by successive map access on the service
// bundle. Responses are serialised in the request's content type: JSON by
// default, msgpack when asked for.
type GatewayHandler struct {
	registry *core.Registry
	log      zerolog.Logger
}

// NewGatewayHandler creates the gateway.
func NewGatewayHandler(registry *core.Registry, log zerolog.Logger) *GatewayHandler {
	return &GatewayHandler{
		registry: registry,
		log:      log.With().Str("component", "gateway").Logger(),
	}
}

// RegisterRoutes registers the gateway routes.
func (h *GatewayHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/services", h.ListAllServices)
	router.GET("/:workspace/services", h.ListWorkspaceServices)
	router.GET("/:workspace/services/:service", h.GetServiceInfo)
	router.GET("/:workspace/services/:service/*keys", h.InvokeService)
	router.POST("/:workspace/services/:service/*keys", h.InvokeService)
}

func (h *GatewayHandler) context(c *gin.Context) core.Context {
	return core.Context{User: auth.CurrentUser(c)}
}

// ListAllServices lists the services visible to the caller across all
// workspaces: public ones plus those in workspaces the caller belongs to.
func (h *GatewayHandler) ListAllServices(c *gin.Context) {
	services, err := h.registry.ListServices(h.context(c), map[string]any{"workspace": "*"})
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.render(c, http.StatusOK, serializeServices(services))
}

// ListWorkspaceServices lists the services of one workspace.
func (h *GatewayHandler) ListWorkspaceServices(c *gin.Context) {
	services, err := h.registry.ListServices(h.context(c), map[string]any{"workspace": c.Param("workspace")})
	if err != nil {
		h.renderError(c, err)
		return
	}
	ctx := h.context(c)
	visible := make([]*core.ServiceInfo, 0, len(services))
	for _, svc := range services {
		ws, ok := h.registry.GetWorkspace(c.Param("workspace"))
		if svc.Visibility() == core.VisibilityPublic || (ok && core.CheckPermission(ws, ctx.User)) {
			visible = append(visible, svc)
		}
	}
	h.render(c, http.StatusOK, serializeServices(visible))
}

// GetServiceInfo introspects a single service's public config.
func (h *GatewayHandler) GetServiceInfo(c *gin.Context) {
	svc, err := h.registry.GetService(h.context(c), c.Param("workspace")+"/"+c.Param("service"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.render(c, http.StatusOK, serialize(svc.Bundle))
}

// InvokeService resolves the dotted key path against the service bundle.
// A callable value is invoked: GET turns the query string into kwargs
// (numeric strings coerced), POST parses the body by content type. A
// plain value is serialised as-is.
func (h *GatewayHandler) InvokeService(c *gin.Context) {
	svc, err := h.registry.GetService(h.context(c), c.Param("workspace")+"/"+c.Param("service"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	keys := strings.Trim(c.Param("keys"), "/")
	value, ok := lookupKeys(svc.Bundle, keys)
	if !ok || value == nil {
		h.render(c, http.StatusOK, map[string]any{"success": false, "detail": keys + " not found."})
		return
	}

	fn, callable := asGatewayCallable(value)
	if !callable {
		h.render(c, http.StatusOK, serialize(value))
		return
	}

	kwargs, err := h.parseKwargs(c)
	if err != nil {
		h.renderError(c, err)
		return
	}
	result, err := fn([]any{kwargs})
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.render(c, http.StatusOK, plainValue(result))
}

func (h *GatewayHandler) parseKwargs(c *gin.Context) (map[string]any, error) {
	if c.Request.Method == http.MethodGet {
		kwargs := make(map[string]any)
		for key, values := range c.Request.URL.Query() {
			if len(values) > 0 {
				kwargs[key] = normalize(values[0])
			}
		}
		return kwargs, nil
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, errors.BadRequest("failed to read request body")
	}
	kwargs := make(map[string]any)
	switch requestContentType(c) {
	case contentTypeMsgpack:
		if err := msgpack.Unmarshal(body, &kwargs); err != nil {
			return nil, errors.BadRequest("malformed msgpack body")
		}
	case contentTypeJSON:
		if err := json.Unmarshal(body, &kwargs); err != nil {
			return nil, errors.BadRequest("malformed JSON body")
		}
	default:
		return nil, errors.BadRequest(
			"invalid content-type (supported types: application/msgpack, application/json)")
	}
	return kwargs, nil
}

// render serialises the payload in the request's content type.
func (h *GatewayHandler) render(c *gin.Context, status int, payload any) {
	if requestContentType(c) == contentTypeMsgpack {
		data, err := msgpack.Marshal(payload)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errors.InternalServer("failed to encode response").ToResponse())
			return
		}
		c.Data(status, contentTypeMsgpack, data)
		return
	}
	c.JSON(status, payload)
}

// renderError maps an error to its HTTP status. Internal details are
// withheld from anonymous callers.
func (h *GatewayHandler) renderError(c *gin.Context, err error) {
	appErr, ok := err.(*errors.AppError)
	if !ok {
		appErr = errors.InternalServer(err.Error())
	}
	if appErr.StatusCode >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Gateway call failed")
		if auth.CurrentUser(c).IsAnonymous {
			appErr = appErr.Sanitized()
		}
	}
	h.render(c, appErr.StatusCode, appErr.ToResponse())
}

func requestContentType(c *gin.Context) string {
	ct := c.GetHeader("Content-Type")
	if ct == "" {
		ct = contentTypeJSON
	}
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.TrimSpace(ct)
}

// lookupKeys resolves a dotted path through nested maps.
func lookupKeys(bundle map[string]any, keys string) (any, bool) {
	if keys == "" {
		return nil, false
	}
	parts := strings.Split(keys, ".")
	var value any = bundle
	for _, key := range parts {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func asGatewayCallable(v any) (rpc.Callable, bool) {
	switch fn := v.(type) {
	case rpc.Callable:
		return fn, true
	case func(args []any) (any, error):
		return fn, true
	}
	return nil, false
}

// normalize coerces numeric query strings to int or float.
func normalize(s string) any {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// serialize renders a value tree for introspection responses: callables
// become descriptive strings, containers recurse.
func serialize(v any) any {
	switch value := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = serialize(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = serialize(item)
		}
		return out
	default:
		if _, ok := asGatewayCallable(v); ok {
			return fmt.Sprintf("<function: %T>", v)
		}
		return v
	}
}

func serializeServices(services []*core.ServiceInfo) []any {
	out := make([]any, 0, len(services))
	for _, svc := range services {
		out = append(out, serialize(svc.Config))
	}
	return out
}

// plainValue strips rpc value wrappers from call results before
// serialisation.
func plainValue(v any) any {
	switch value := v.(type) {
	case *rpc.NDArray:
		return value.Data
	default:
		return serialize(v)
	}
}
