package core

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivegate/hivegate/internal/errors"
)

func newTestRegistry() *Registry {
	return NewRegistry(NewEventBus(), zerolog.Nop())
}

func protectedWorkspace(t *testing.T, r *Registry, name, owner string) *Workspace {
	t.Helper()
	err := r.RegisterWorkspace(WorkspaceInfo{
		Name:       name,
		Owners:     []string{owner},
		Visibility: VisibilityProtected,
	})
	require.NoError(t, err)
	ws, ok := r.GetWorkspace(name)
	require.True(t, ok)
	return ws
}

func testPlugin(ws *Workspace, user *UserInfo, name string) *Plugin {
	return &Plugin{
		ID:        ws.Name + "/" + name,
		Name:      name,
		Type:      "native-python",
		Workspace: ws,
		UserInfo:  user,
	}
}

func TestReservedWorkspacesExist(t *testing.T) {
	r := newTestRegistry()
	public, ok := r.GetWorkspace("public")
	require.True(t, ok)
	assert.Equal(t, VisibilityPublic, public.Visibility)

	root, ok := r.GetWorkspace("root")
	require.True(t, ok)
	assert.Equal(t, VisibilityProtected, root.Visibility)
}

func TestRegisterWorkspaceValidation(t *testing.T) {
	r := newTestRegistry()

	err := r.RegisterWorkspace(WorkspaceInfo{Name: "", Owners: []string{"u"}})
	require.Error(t, err)

	err = r.RegisterWorkspace(WorkspaceInfo{Name: "a/b", Owners: []string{"u"}})
	require.Error(t, err)

	err = r.RegisterWorkspace(WorkspaceInfo{Name: "ok", Owners: []string{"  "}})
	require.Error(t, err)

	err = r.RegisterWorkspace(WorkspaceInfo{Name: "lab", Owners: []string{"u"}})
	require.NoError(t, err)

	err = r.RegisterWorkspace(WorkspaceInfo{Name: "lab", Owners: []string{"v"}})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAlreadyExists, errors.Code(err))
}

func TestCheckPermission(t *testing.T) {
	r := newTestRegistry()
	owner := &UserInfo{ID: "alice", Email: "alice@example.org"}
	other := &UserInfo{ID: "bob"}

	ws := protectedWorkspace(t, r, "lab", "alice")
	public, _ := r.GetWorkspace("public")

	assert.True(t, CheckPermission(ws, owner))
	assert.False(t, CheckPermission(ws, other))
	assert.True(t, CheckPermission(public, other))

	// email ownership counts
	byEmail := protectedWorkspace(t, r, "mail", "alice@example.org")
	assert.True(t, CheckPermission(byEmail, owner))

	// deny list vetoes even public visibility
	err := r.RegisterWorkspace(WorkspaceInfo{
		Name:       "open",
		Owners:     []string{"alice"},
		Visibility: VisibilityPublic,
		DenyList:   []string{"bob"},
	})
	require.NoError(t, err)
	open, _ := r.GetWorkspace("open")
	assert.False(t, CheckPermission(open, other))
	assert.True(t, CheckPermission(open, &UserInfo{ID: "carol"}))

	// allow list admits into protected workspaces
	err = r.RegisterWorkspace(WorkspaceInfo{
		Name:       "guests",
		Owners:     []string{"alice"},
		Visibility: VisibilityProtected,
		AllowList:  []string{"bob"},
	})
	require.NoError(t, err)
	guests, _ := r.GetWorkspace("guests")
	assert.True(t, CheckPermission(guests, other))
}

func TestRegisterServiceAndLookup(t *testing.T) {
	r := newTestRegistry()
	owner := &UserInfo{ID: "alice"}
	ws := protectedWorkspace(t, r, "lab", "alice")
	plugin := testPlugin(ws, owner, "p1")
	ctx := Context{User: owner, Workspace: ws, Plugin: plugin}

	id, err := r.RegisterService(ctx, &ServiceInfo{
		Name:   "echo",
		Type:   "functions",
		Config: map[string]any{"visibility": "protected"},
	})
	require.NoError(t, err)
	assert.Equal(t, "lab/echo", id)

	svc, err := r.GetService(ctx, "lab/echo")
	require.NoError(t, err)
	assert.Equal(t, plugin, svc.Provider)
	assert.Equal(t, "lab", svc.Config["workspace"])
	assert.Equal(t, "p1", svc.Config["provider"])

	// a protected service is denied to non-members before existence is
	// disclosed
	stranger := Context{User: &UserInfo{ID: "bob"}}
	_, err = r.GetService(stranger, "lab/echo")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeForbidden, errors.Code(err))

	_, err = r.GetService(ctx, "lab/missing")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.Code(err))

	_, err = r.GetService(ctx, "no-slash")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeBadRequest, errors.Code(err))
}

func TestServiceNameAndTypeMustMatchConfig(t *testing.T) {
	r := newTestRegistry()
	owner := &UserInfo{ID: "alice"}
	ws := protectedWorkspace(t, r, "lab", "alice")
	ctx := Context{User: owner, Workspace: ws, Plugin: testPlugin(ws, owner, "p1")}

	_, err := r.RegisterService(ctx, &ServiceInfo{
		Name:   "echo",
		Type:   "functions",
		Config: map[string]any{"name": "other"},
	})
	require.Error(t, err)

	_, err = r.RegisterService(ctx, &ServiceInfo{Name: "echo"})
	require.Error(t, err)
}

func TestListServicesGlobalFiltersByPermission(t *testing.T) {
	r := newTestRegistry()
	owner := &UserInfo{ID: "alice"}
	ws := protectedWorkspace(t, r, "lab", "alice")
	plugin := testPlugin(ws, owner, "p1")
	ctx := Context{User: owner, Workspace: ws, Plugin: plugin}

	_, err := r.RegisterService(ctx, &ServiceInfo{
		Name: "open", Type: "functions",
		Config: map[string]any{"visibility": "public"},
	})
	require.NoError(t, err)
	_, err = r.RegisterService(ctx, &ServiceInfo{
		Name: "secret", Type: "functions",
		Config: map[string]any{"visibility": "protected"},
	})
	require.NoError(t, err)

	// the owner sees both
	services, err := r.ListServices(ctx, map[string]any{"workspace": "*"})
	require.NoError(t, err)
	assert.Len(t, services, 2)

	// a stranger only sees the public one
	services, err = r.ListServices(Context{User: &UserInfo{ID: "bob"}}, map[string]any{"workspace": "*"})
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "open", services[0].Name)

	// equality filters apply to service config
	services, err = r.ListServices(ctx, map[string]any{"workspace": "*", "type": "functions"})
	require.NoError(t, err)
	assert.Len(t, services, 2)
	services, err = r.ListServices(ctx, map[string]any{"workspace": "*", "type": "ASGI"})
	require.NoError(t, err)
	assert.Len(t, services, 0)
}

func TestRemovePluginRemovesServices(t *testing.T) {
	r := newTestRegistry()
	owner := &UserInfo{ID: "alice"}
	ws := protectedWorkspace(t, r, "lab", "alice")
	plugin := testPlugin(ws, owner, "p1")
	ctx := Context{User: owner, Workspace: ws, Plugin: plugin}

	r.AddPlugin(plugin, func(*Plugin) {})
	_, err := r.RegisterService(ctx, &ServiceInfo{Name: "echo", Type: "functions"})
	require.NoError(t, err)

	// invariant: the provider is a live plugin of its workspace
	svc, err := r.GetService(ctx, "lab/echo")
	require.NoError(t, err)
	_, ok := ws.GetPlugin(svc.Provider.Name)
	assert.True(t, ok)

	r.RemovePlugin(plugin)

	_, err = r.GetService(ctx, "lab/echo")
	require.Error(t, err)
	_, ok = ws.GetPlugin("p1")
	assert.False(t, ok)
	assert.Empty(t, ws.ServicesByPlugin(plugin))
}

func TestAddPluginReplacesSameName(t *testing.T) {
	r := newTestRegistry()
	owner := &UserInfo{ID: "alice"}
	ws := protectedWorkspace(t, r, "lab", "alice")

	first := testPlugin(ws, owner, "p1")
	second := testPlugin(ws, owner, "p1")
	second.ID = "lab/p1-second"

	terminated := make(chan *Plugin, 1)
	r.AddPlugin(first, func(*Plugin) {})
	r.AddPlugin(second, func(p *Plugin) { terminated <- p })

	// the slot is handed over immediately
	current, ok := ws.GetPlugin("p1")
	require.True(t, ok)
	assert.Equal(t, second, current)

	// the prior plugin's termination runs asynchronously
	select {
	case p := <-terminated:
		assert.Equal(t, first, p)
	case <-time.After(2 * time.Second):
		t.Fatal("prior plugin was not terminated")
	}
}

func TestNonPersistentWorkspaceRemovedWithLastPlugin(t *testing.T) {
	r := newTestRegistry()
	owner := &UserInfo{ID: "alice"}
	err := r.RegisterWorkspace(WorkspaceInfo{
		Name:       "scratch",
		Owners:     []string{"alice"},
		Visibility: VisibilityProtected,
		Persistent: false,
	})
	require.NoError(t, err)
	ws, _ := r.GetWorkspace("scratch")

	plugin := testPlugin(ws, owner, "p1")
	r.AddPlugin(plugin, func(*Plugin) {})
	r.RemovePlugin(plugin)

	_, ok := r.GetWorkspace("scratch")
	assert.False(t, ok)

	// reserved workspaces survive regardless
	_, ok = r.GetWorkspace("public")
	assert.True(t, ok)
}

func TestRemoveUserKeepsDetachableOwners(t *testing.T) {
	r := newTestRegistry()
	user := r.GetOrCreateUser(&UserInfo{ID: "alice"})
	ws := protectedWorkspace(t, r, "lab", "alice")

	plugin := testPlugin(ws, user, "p1")
	plugin.Flags = []string{FlagAllowDetach}
	user.AddPlugin(plugin)

	r.RemoveUser("alice")
	_, ok := r.GetUser("alice")
	assert.True(t, ok, "a user owning detachable plugins must survive")

	user.RemovePlugin(plugin)
	r.RemoveUser("alice")
	_, ok = r.GetUser("alice")
	assert.False(t, ok)
}

func TestWorkspaceUpdate(t *testing.T) {
	r := newTestRegistry()
	ws := protectedWorkspace(t, r, "lab", "alice")

	require.NoError(t, ws.Update(map[string]any{"description": "a lab"}))
	assert.Equal(t, "a lab", ws.Description)

	err := ws.Update(map[string]any{"name": "other"})
	require.Error(t, err)

	err = ws.Update(map[string]any{"bogus": 1})
	require.Error(t, err)
}
