package core

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/errors"
)

// Context carries the identity of the caller through every registry
// operation: the current user, workspace, and plugin. Registry-returned
// interfaces bind a context so that later invocations restore it.
type Context struct {
	User      *UserInfo
	Workspace *Workspace
	Plugin    *Plugin
}

// WithWorkspace returns a copy of the context bound to another workspace.
func (c Context) WithWorkspace(ws *Workspace) Context {
	c.Workspace = ws
	return c
}

// Registry is the process-global authority for workspaces and users. All
// mutations are guarded by its mutex; the reserved workspaces "public"
// and "root" always exist.
type Registry struct {
	mu         sync.Mutex
	workspaces map[string]*Workspace
	users      map[string]*UserInfo
	bus        *EventBus
	log        zerolog.Logger

	// RootUser owns the reserved workspaces.
	RootUser *UserInfo
}

// NewRegistry creates the registry with the reserved public and root
// workspaces in place.
func NewRegistry(bus *EventBus, log zerolog.Logger) *Registry {
	r := &Registry{
		workspaces: make(map[string]*Workspace),
		users:      make(map[string]*UserInfo),
		bus:        bus,
		log:        log.With().Str("component", "registry").Logger(),
	}
	r.RootUser = &UserInfo{ID: "root", Roles: []string{"admin"}}
	r.users["root"] = r.RootUser

	for _, info := range []WorkspaceInfo{
		{
			Name:       "public",
			Persistent: true,
			Owners:     []string{"root"},
			Visibility: VisibilityPublic,
			AllowList:  []string{},
			DenyList:   []string{},
		},
		{
			Name:       "root",
			Persistent: true,
			Owners:     []string{"root"},
			Visibility: VisibilityProtected,
		},
	} {
		if err := r.RegisterWorkspace(info); err != nil {
			panic(err)
		}
	}
	return r
}

// Bus returns the engine-wide event bus.
func (r *Registry) Bus() *EventBus { return r.bus }

// RegisterWorkspace adds a workspace, failing on a name collision.
func (r *Registry) RegisterWorkspace(info WorkspaceInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.workspaces[info.Name]; exists {
		r.mu.Unlock()
		return errors.AlreadyExists("workspace " + info.Name)
	}
	ws := NewWorkspace(info, r.log)
	r.workspaces[info.Name] = ws
	r.mu.Unlock()

	r.bus.Emit("workspace_registered", ws)
	return nil
}

// UnregisterWorkspace removes a non-persistent workspace.
func (r *Registry) UnregisterWorkspace(name string) {
	r.mu.Lock()
	ws, ok := r.workspaces[name]
	if ok {
		delete(r.workspaces, name)
	}
	r.mu.Unlock()
	if ok {
		r.bus.Emit("workspace_unregistered", ws)
	}
}

// GetWorkspace looks a workspace up by name.
func (r *Registry) GetWorkspace(name string) (*Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.workspaces[name]
	return ws, ok
}

// ListWorkspaces returns a snapshot of all workspaces.
func (r *Registry) ListWorkspaces() []*Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Workspace, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		out = append(out, ws)
	}
	return out
}

// GetOrCreateUser returns the user with the given info, creating it on
// first sight.
func (r *Registry) GetOrCreateUser(info *UserInfo) *UserInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.users[info.ID]; ok {
		return existing
	}
	r.users[info.ID] = info
	return info
}

// GetUser looks a user up by id.
func (r *Registry) GetUser(id string) (*UserInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	return u, ok
}

// RemoveUser drops a user whose last session ended. Users that still own
// detachable plugins are kept.
func (r *Registry) RemoveUser(id string) {
	r.mu.Lock()
	user, ok := r.users[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	for _, p := range user.Plugins() {
		if p.HasFlag(FlagAllowDetach) {
			r.mu.Unlock()
			return
		}
	}
	delete(r.users, id)
	r.mu.Unlock()
}

// Users returns a snapshot of all known users.
func (r *Registry) Users() []*UserInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*UserInfo, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}

// CheckPermission reports whether a user may act inside a workspace:
// owners always may; deny lists veto; public visibility or allow lists
// admit the rest.
func CheckPermission(ws *Workspace, user *UserInfo) bool {
	if user == nil {
		return false
	}
	for _, owner := range ws.Owners {
		if owner == user.ID || (user.Email != "" && owner == user.Email) {
			return true
		}
	}
	for _, denied := range ws.DenyList {
		if denied == user.ID || (user.Email != "" && denied == user.Email) {
			return false
		}
	}
	if ws.Visibility == VisibilityPublic {
		return true
	}
	for _, allowed := range ws.AllowList {
		if allowed == user.ID || (user.Email != "" && allowed == user.Email) {
			return true
		}
	}
	return false
}

// AddPlugin admits a plugin into its workspace. A same-named plugin is
// replaced: the prior instance's termination runs asynchronously through
// the terminate callback while the slot is handed over immediately.
func (r *Registry) AddPlugin(p *Plugin, terminate func(*Plugin)) {
	ws := p.Workspace
	ws.mu.Lock()
	prior := ws.plugins[p.Name]
	ws.plugins[p.Name] = p
	ws.mu.Unlock()

	if prior != nil && prior != p {
		r.log.Info().Str("plugin", prior.ID).Msg("Replacing plugin with the same name")
		go terminate(prior)
	}
	if p.UserInfo != nil {
		p.UserInfo.AddPlugin(p)
	}
	r.bus.Emit("plugin_registered", p)
}

// RemovePlugin detaches a plugin from its workspace and drops every
// service it provides. No dangling provider pointers survive.
func (r *Registry) RemovePlugin(p *Plugin) {
	ws := p.Workspace
	ws.mu.Lock()
	if current, ok := ws.plugins[p.Name]; ok && current == p {
		delete(ws.plugins, p.Name)
	}
	removed := make([]*ServiceInfo, 0)
	for name, svc := range ws.services {
		if svc.Provider == p {
			delete(ws.services, name)
			removed = append(removed, svc)
		}
	}
	empty := len(ws.plugins) == 0
	ws.mu.Unlock()

	if p.UserInfo != nil {
		p.UserInfo.RemovePlugin(p)
	}
	for _, svc := range removed {
		r.bus.Emit("service_unregistered", svc)
	}
	r.bus.Emit("plugin_terminated", p)

	if empty && !ws.Persistent && ws.Name != "public" && ws.Name != "root" {
		r.UnregisterWorkspace(ws.Name)
	}
}

// GetPlugin looks a plugin up by name inside a workspace.
func (ws *Workspace) GetPlugin(name string) (*Plugin, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	p, ok := ws.plugins[name]
	return p, ok
}

// Plugins returns a snapshot of the workspace's plugins.
func (ws *Workspace) Plugins() []*Plugin {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*Plugin, 0, len(ws.plugins))
	for _, p := range ws.plugins {
		out = append(out, p)
	}
	return out
}

// PluginNames returns the names of the workspace's plugins.
func (ws *Workspace) PluginNames() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]string, 0, len(ws.plugins))
	for name := range ws.plugins {
		out = append(out, name)
	}
	return out
}

// RegisterService registers a service provided by a plugin. The id is
// "<workspace>/<name>"; config name and type, when present, must match
// the service. Re-registering a name replaces the entry.
func (r *Registry) RegisterService(ctx Context, svc *ServiceInfo) (string, error) {
	if svc.Name == "" || svc.Type == "" {
		return "", errors.BadRequest("service must contain `name` and `type`")
	}
	ws := ctx.Workspace
	if ws == nil {
		return "", errors.BadRequest("no workspace in context")
	}
	if svc.Config == nil {
		svc.Config = make(map[string]any)
	}
	if name, ok := svc.Config["name"].(string); ok && name != svc.Name {
		return "", errors.BadRequest("service name should match the one in the service config")
	}
	if typ, ok := svc.Config["type"].(string); ok && typ != svc.Type {
		return "", errors.BadRequest("service type should match the one in the service config")
	}

	id := fmt.Sprintf("%s/%s", ws.Name, svc.Name)
	svc.Config["name"] = svc.Name
	svc.Config["type"] = svc.Type
	svc.Config["workspace"] = ws.Name
	svc.Config["id"] = id
	if ctx.Plugin != nil {
		svc.Config["provider"] = ctx.Plugin.Name
		svc.Config["provider_id"] = ctx.Plugin.ID
		svc.Provider = ctx.Plugin
	}

	ws.mu.Lock()
	ws.services[svc.Name] = svc
	ws.mu.Unlock()

	r.bus.Emit("service_registered", svc)
	return id, nil
}

// GetService resolves a "<workspace>/<name>" id with a permission check:
// protected services are only visible to workspace members.
func (r *Registry) GetService(ctx Context, serviceID string) (*ServiceInfo, error) {
	parts := strings.Split(serviceID, "/")
	if len(parts) != 2 {
		return nil, errors.BadRequest("invalid service id, it must be <workspace>/<service_name>")
	}
	ws, ok := r.GetWorkspace(parts[0])
	if !ok {
		return nil, errors.NotFound("service " + serviceID)
	}
	ws.mu.Lock()
	svc, ok := ws.services[parts[1]]
	ws.mu.Unlock()

	if ok && svc.Visibility() != VisibilityPublic && !CheckPermission(ws, ctx.User) {
		return nil, errors.Forbidden("permission denied: " + serviceID)
	}
	if !ok {
		return nil, errors.NotFound("service " + serviceID)
	}
	return svc, nil
}

// ListServices returns services matching a query. A "workspace" key of
// "*" searches all workspaces with per-workspace permission filtering;
// an absent key means the current workspace. A nil query is treated as
// {"workspace": "*"}. Remaining keys are equality filters against service
// config.
func (r *Registry) ListServices(ctx Context, query map[string]any) ([]*ServiceInfo, error) {
	if query == nil {
		query = map[string]any{"workspace": "*"}
	}
	wsQuery, _ := query["workspace"].(string)
	filters := make(map[string]any, len(query))
	for k, v := range query {
		if k != "workspace" {
			filters[k] = v
		}
	}

	var targets []*Workspace
	switch {
	case wsQuery == "*":
		targets = r.ListWorkspaces()
	case wsQuery != "":
		ws, ok := r.GetWorkspace(wsQuery)
		if !ok {
			return nil, errors.NotFound("workspace " + wsQuery)
		}
		targets = []*Workspace{ws}
	default:
		if ctx.Workspace == nil {
			return nil, errors.BadRequest("no workspace in context")
		}
		targets = []*Workspace{ctx.Workspace}
	}

	var out []*ServiceInfo
	for _, ws := range targets {
		canAccess := CheckPermission(ws, ctx.User)
		ws.mu.Lock()
		for _, svc := range ws.services {
			if wsQuery == "*" && !canAccess && svc.Visibility() != VisibilityPublic {
				continue
			}
			if matchesFilters(svc, filters) {
				out = append(out, svc)
			}
		}
		ws.mu.Unlock()
	}
	return out, nil
}

func matchesFilters(svc *ServiceInfo, filters map[string]any) bool {
	for key, want := range filters {
		if svc.Config[key] != want {
			return false
		}
	}
	return true
}

// ServicesByPlugin returns the services a plugin provides.
func (ws *Workspace) ServicesByPlugin(p *Plugin) []*ServiceInfo {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*ServiceInfo, 0)
	for _, svc := range ws.services {
		if svc.Provider == p {
			out = append(out, svc)
		}
	}
	return out
}

// Services returns a snapshot of the workspace's services.
func (ws *Workspace) Services() []*ServiceInfo {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*ServiceInfo, 0, len(ws.services))
	for _, svc := range ws.services {
		out = append(out, svc)
	}
	return out
}
