package core

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/errors"
	"github.com/hivegate/hivegate/internal/rpc"
)

// TokenMinter issues a presigned child token for a user.
type TokenMinter func(user *UserInfo, config map[string]any) (string, error)

// API is the broker interface exported to every plugin peer. Each
// exported function is a closure over the caller's context, so a
// registry-returned interface invoked later still runs as the caller.
type API struct {
	Registry *Registry
	Mint     TokenMinter
	Log      zerolog.Logger
}

// NewAPI creates the broker api surface.
func NewAPI(registry *Registry, mint TokenMinter, log zerolog.Logger) *API {
	return &API{Registry: registry, Mint: mint, Log: log.With().Str("component", "api").Logger()}
}

// Interface builds the exported interface bound to a context. Both
// snake_case and camelCase aliases are published, matching what plugin
// client libraries expect.
func (a *API) Interface(ctx Context) map[string]any {
	iface := map[string]any{
		"log":      a.logFn(ctx, "info"),
		"info":     a.logFn(ctx, "info"),
		"warning":  a.logFn(ctx, "warn"),
		"error":    a.logFn(ctx, "error"),
		"critical": a.logFn(ctx, "error"),

		"register_service": rpc.Callable(func(args []any) (any, error) { return a.registerService(ctx, args) }),
		"list_services":    rpc.Callable(func(args []any) (any, error) { return a.listServices(ctx, args) }),
		"get_service":      rpc.Callable(func(args []any) (any, error) { return a.getService(ctx, args) }),
		"list_plugins":     rpc.Callable(func(args []any) (any, error) { return a.listPlugins(ctx) }),
		"get_plugin":       rpc.Callable(func(args []any) (any, error) { return a.getPlugin(ctx, args) }),
		"generate_token":   rpc.Callable(func(args []any) (any, error) { return a.generateToken(ctx, args) }),
		"create_workspace": rpc.Callable(func(args []any) (any, error) { return a.createWorkspace(ctx, args) }),
		"get_workspace":    rpc.Callable(func(args []any) (any, error) { return a.getWorkspaceBound(ctx, args) }),
	}
	iface["registerService"] = iface["register_service"]
	iface["listServices"] = iface["list_services"]
	iface["getService"] = iface["get_service"]
	iface["listPlugins"] = iface["list_plugins"]
	iface["getPlugin"] = iface["get_plugin"]
	iface["generateToken"] = iface["generate_token"]
	iface["createWorkspace"] = iface["create_workspace"]
	iface["getWorkspace"] = iface["get_workspace"]
	return iface
}

func (a *API) logFn(ctx Context, level string) rpc.Callable {
	return func(args []any) (any, error) {
		msg := fmt.Sprint(args...)
		logger := a.Log
		if ctx.Workspace != nil {
			logger = ctx.Workspace.Logger()
		}
		name := ""
		if ctx.Plugin != nil {
			name = ctx.Plugin.Name
		}
		switch level {
		case "warn":
			logger.Warn().Str("plugin", name).Msg(msg)
		case "error":
			logger.Error().Str("plugin", name).Msg(msg)
		default:
			logger.Info().Str("plugin", name).Msg(msg)
		}
		return nil, nil
	}
}

func (a *API) registerService(ctx Context, args []any) (any, error) {
	if len(args) < 1 {
		return nil, errors.BadRequest("register_service requires a service object")
	}
	bundle, ok := args[0].(map[string]any)
	if !ok {
		return nil, errors.BadRequest("service must be an object")
	}
	name, _ := bundle["name"].(string)
	typ, _ := bundle["type"].(string)
	configMap, _ := bundle["config"].(map[string]any)
	if configMap == nil {
		configMap = make(map[string]any)
	}
	svc := &ServiceInfo{
		Name:   name,
		Type:   typ,
		Config: configMap,
		Bundle: bundle,
	}
	id, err := a.Registry.RegisterService(ctx, svc)
	if err != nil {
		return nil, err
	}
	bundle["config"] = svc.Config
	return id, nil
}

func (a *API) listServices(ctx Context, args []any) (any, error) {
	var query map[string]any
	if len(args) > 0 {
		query, _ = args[0].(map[string]any)
	}
	services, err := a.Registry.ListServices(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(services))
	for _, svc := range services {
		out = append(out, svc.Config)
	}
	return out, nil
}

func (a *API) getService(ctx Context, args []any) (any, error) {
	if len(args) < 1 {
		return nil, errors.BadRequest("get_service requires a service id")
	}
	serviceID, _ := args[0].(string)
	if serviceID == "" {
		if m, ok := args[0].(map[string]any); ok {
			serviceID, _ = m["id"].(string)
		}
	}
	svc, err := a.Registry.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return svc.Bundle, nil
}

func (a *API) listPlugins(ctx Context) (any, error) {
	if ctx.Workspace == nil {
		return nil, errors.BadRequest("no workspace in context")
	}
	names := ctx.Workspace.PluginNames()
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out, nil
}

// getPlugin returns the remote api of a plugin in the current workspace
// as an interface bundle targeting that plugin.
func (a *API) getPlugin(ctx Context, args []any) (any, error) {
	if len(args) < 1 {
		return nil, errors.BadRequest("get_plugin requires a plugin name")
	}
	name, _ := args[0].(string)
	if ctx.Workspace == nil {
		return nil, errors.BadRequest("no workspace in context")
	}
	plugin, ok := ctx.Workspace.GetPlugin(name)
	if !ok {
		return nil, errors.NotFound("plugin " + name)
	}
	bundle := map[string]any{
		"__jailed_type__": "plugin_api",
		"__id__":          plugin.ID,
	}
	for key, value := range plugin.Peer.Remote() {
		bundle[key] = value
	}
	return bundle, nil
}

// generateToken mints a child token scoped to the current workspace.
func (a *API) generateToken(ctx Context, args []any) (any, error) {
	if ctx.Workspace == nil {
		return nil, errors.BadRequest("no workspace in context")
	}
	config := map[string]any{}
	if len(args) > 0 {
		if m, ok := args[0].(map[string]any); ok {
			config = m
		}
	}
	if scopes, ok := config["scopes"].([]any); ok && len(scopes) > 0 {
		if len(scopes) != 1 || scopes[0] != ctx.Workspace.Name {
			return nil, errors.BadRequest("scopes must be empty or contain only the workspace name")
		}
	}
	config["scopes"] = []any{ctx.Workspace.Name}
	return a.Mint(ctx.User, config)
}

func (a *API) createWorkspace(ctx Context, args []any) (any, error) {
	if len(args) < 1 {
		return nil, errors.BadRequest("create_workspace requires a config object")
	}
	raw, ok := args[0].(map[string]any)
	if !ok {
		return nil, errors.BadRequest("workspace config must be an object")
	}
	info := WorkspaceInfo{
		Visibility: VisibilityProtected,
	}
	info.Name, _ = raw["name"].(string)
	info.Persistent, _ = raw["persistent"].(bool)
	if v, ok := raw["visibility"].(string); ok {
		info.Visibility = v
	}
	if owners, ok := toStringList(raw["owners"]); ok {
		info.Owners = owners
	}
	if desc, ok := raw["description"].(string); ok {
		info.Description = desc
	}
	if allow, ok := toStringList(raw["allow_list"]); ok {
		info.AllowList = allow
	}
	if deny, ok := toStringList(raw["deny_list"]); ok {
		info.DenyList = deny
	}

	// the creator always ends up in the owner list
	ownerID := ctx.User.Email
	if ownerID == "" {
		ownerID = ctx.User.ID
	}
	found := false
	for _, o := range info.Owners {
		if o == ownerID {
			found = true
			break
		}
	}
	if !found {
		info.Owners = append(info.Owners, ownerID)
	}

	if err := a.Registry.RegisterWorkspace(info); err != nil {
		return nil, err
	}
	ctx.User.AddScope(info.Name)
	return a.getWorkspaceBound(ctx, []any{info.Name})
}

// getWorkspaceBound returns the api re-bound to another workspace: each
// function saves and restores the workspace context around the call, and
// a `set` slot applies permitted metadata updates.
func (a *API) getWorkspaceBound(ctx Context, args []any) (any, error) {
	if len(args) < 1 {
		return nil, errors.BadRequest("get_workspace requires a workspace name")
	}
	name, _ := args[0].(string)
	ws, ok := a.Registry.GetWorkspace(name)
	if !ok {
		return nil, errors.NotFound("workspace " + name)
	}
	if !CheckPermission(ws, ctx.User) {
		return nil, errors.Forbidden("permission denied for workspace " + name)
	}

	bound := a.Interface(ctx.WithWorkspace(ws))
	bound["config"] = map[string]any{"workspace": name}
	bound["set"] = rpc.Callable(func(args []any) (any, error) {
		if len(args) < 1 {
			return nil, errors.BadRequest("set requires a config object")
		}
		changes, ok := args[0].(map[string]any)
		if !ok {
			return nil, errors.BadRequest("config must be an object")
		}
		return nil, ws.Update(changes)
	})

	a.Registry.Bus().Emit("user_entered_workspace", ctx.User, ws)
	return bound, nil
}
