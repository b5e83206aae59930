// Package core holds the in-memory authority of the broker: users,
// workspaces, plugins and services, their ownership rules, and the
// process-wide registry guarding them.
package core

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/errors"
	"github.com/hivegate/hivegate/internal/rpc"
)

// Visibility of a workspace or service.
const (
	VisibilityPublic    = "public"
	VisibilityProtected = "protected"
)

// Plugin lifecycle states.
const (
	StatusInitializing = "initializing"
	StatusReady        = "ready"
	StatusTerminating  = "terminating"
	StatusDisconnected = "disconnected"
)

// Plugin flags.
const (
	FlagSingleInstance = "single-instance"
	FlagAllowDetach    = "allow-detach"
	FlagAllowExecution = "allow-execution"
	FlagPassive        = "passive"
)

// UserInfo represents an identity admitted into the system. Created on
// first successful token validation or as an anonymous session; destroyed
// when its last session disconnects unless it still owns detachable
// plugins.
type UserInfo struct {
	ID          string     `json:"id"`
	Email       string     `json:"email,omitempty"`
	Roles       []string   `json:"roles"`
	Parent      string     `json:"parent,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	IsAnonymous bool       `json:"is_anonymous"`

	mu       sync.Mutex
	sessions []string
	plugins  map[string]*Plugin
	metadata map[string]any
}

// HasRole reports whether the user carries a role.
func (u *UserInfo) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasScope reports whether a workspace name is within the user's scopes.
// A user without explicit scopes is unrestricted.
func (u *UserInfo) HasScope(workspace string) bool {
	if len(u.Scopes) == 0 {
		return true
	}
	for _, s := range u.Scopes {
		if s == workspace {
			return true
		}
	}
	return false
}

// AddScope grants an additional workspace scope.
func (u *UserInfo) AddScope(workspace string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, s := range u.Scopes {
		if s == workspace {
			return
		}
	}
	u.Scopes = append(u.Scopes, workspace)
}

// AddSession binds a session id to the user.
func (u *UserInfo) AddSession(sid string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sessions = append(u.sessions, sid)
}

// RemoveSession unbinds a session id and reports how many remain.
func (u *UserInfo) RemoveSession(sid string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, s := range u.sessions {
		if s == sid {
			u.sessions = append(u.sessions[:i], u.sessions[i+1:]...)
			break
		}
	}
	return len(u.sessions)
}

// SessionCount returns the number of live sessions.
func (u *UserInfo) SessionCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sessions)
}

// AddPlugin records plugin ownership for teardown.
func (u *UserInfo) AddPlugin(p *Plugin) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.plugins == nil {
		u.plugins = make(map[string]*Plugin)
	}
	u.plugins[p.ID] = p
}

// RemovePlugin drops plugin ownership.
func (u *UserInfo) RemovePlugin(p *Plugin) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.plugins, p.ID)
}

// Plugins returns a snapshot of the plugins the user owns.
func (u *UserInfo) Plugins() []*Plugin {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*Plugin, 0, len(u.plugins))
	for _, p := range u.plugins {
		out = append(out, p)
	}
	return out
}

// SetMetadata stores auxiliary per-user data (e.g. object-store
// credentials).
func (u *UserInfo) SetMetadata(key string, value any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.metadata == nil {
		u.metadata = make(map[string]any)
	}
	u.metadata[key] = value
}

// Metadata returns auxiliary per-user data.
func (u *UserInfo) Metadata(key string) (any, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	v, ok := u.metadata[key]
	return v, ok
}

// ServiceInfo is a named capability exposed by a plugin. Its id is
// "<workspace>/<name>", unique workspace-wide.
type ServiceInfo struct {
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Config   map[string]any `json:"config"`
	Provider *Plugin        `json:"-"`

	// Bundle is the full registered service value, including function
	// slots provided by the plugin. The gateway resolves invocation keys
	// against it.
	Bundle map[string]any `json:"-"`
}

// Visibility returns the service visibility, defaulting to protected.
func (s *ServiceInfo) Visibility() string {
	if v, ok := s.Config["visibility"].(string); ok && v == VisibilityPublic {
		return VisibilityPublic
	}
	return VisibilityProtected
}

// ID returns the workspace-qualified service id.
func (s *ServiceInfo) ID() string {
	id, _ := s.Config["id"].(string)
	return id
}

// WorkspaceInfo describes a workspace: the trust boundary and namespace
// for plugins and services. The name never mutates after creation.
type WorkspaceInfo struct {
	Name        string   `json:"name"`
	Persistent  bool     `json:"persistent"`
	Owners      []string `json:"owners"`
	Visibility  string   `json:"visibility"`
	Description string   `json:"description,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Covers      []string `json:"covers,omitempty"`
	Docs        string   `json:"docs,omitempty"`
	AllowList   []string `json:"allow_list,omitempty"`
	DenyList    []string `json:"deny_list,omitempty"`
}

// Validate checks the workspace creation invariants.
func (w *WorkspaceInfo) Validate() error {
	if w.Name == "" {
		return errors.BadRequest("workspace name must not be empty")
	}
	if strings.Contains(w.Name, "/") {
		return errors.BadRequest("workspace name must not contain '/'")
	}
	hasOwner := false
	for _, o := range w.Owners {
		if strings.TrimSpace(o) != "" {
			hasOwner = true
			break
		}
	}
	if !hasOwner {
		return errors.BadRequest("workspace must have at least one owner")
	}
	if w.Visibility != VisibilityPublic {
		w.Visibility = VisibilityProtected
	}
	return nil
}

// Workspace is a live workspace: the immutable info plus its plugins,
// services, logger and private event bus.
type Workspace struct {
	WorkspaceInfo

	mu       sync.Mutex
	plugins  map[string]*Plugin
	services map[string]*ServiceInfo
	logger   zerolog.Logger
	bus      *EventBus
}

// NewWorkspace creates a live workspace from its info.
func NewWorkspace(info WorkspaceInfo, logger zerolog.Logger) *Workspace {
	return &Workspace{
		WorkspaceInfo: info,
		plugins:       make(map[string]*Plugin),
		services:      make(map[string]*ServiceInfo),
		logger:        logger.With().Str("workspace", info.Name).Logger(),
		bus:           NewEventBus(),
	}
}

// Logger returns the workspace logger.
func (w *Workspace) Logger() zerolog.Logger { return w.logger }

// Bus returns the workspace-private event bus.
func (w *Workspace) Bus() *EventBus { return w.bus }

// Update applies permitted metadata changes. The name is immutable.
func (w *Workspace) Update(changes map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, value := range changes {
		switch key {
		case "name":
			return errors.BadRequest("changing workspace name is not allowed")
		case "description":
			w.Description, _ = value.(string)
		case "icon":
			w.Icon, _ = value.(string)
		case "docs":
			w.Docs, _ = value.(string)
		case "persistent":
			w.Persistent, _ = value.(bool)
		case "visibility":
			if v, ok := value.(string); ok && (v == VisibilityPublic || v == VisibilityProtected) {
				w.Visibility = v
			}
		case "owners":
			if owners, ok := toStringList(value); ok {
				w.Owners = owners
			}
		case "allow_list":
			if list, ok := toStringList(value); ok {
				w.AllowList = list
			}
		case "deny_list":
			if list, ok := toStringList(value); ok {
				w.DenyList = list
			}
		default:
			return errors.BadRequest("invalid key: " + key)
		}
	}
	return nil
}

func toStringList(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// Plugin is a live peer that has declared an interface. It is exclusively
// owned by its workspace for lookup and by its creating user for
// teardown.
type Plugin struct {
	ID        string
	Name      string
	Type      string
	Workspace *Workspace
	UserInfo  *UserInfo
	Config    map[string]any
	Signature string
	Flags     []string
	Secret    string
	SessionID string

	mu        sync.Mutex
	status    string
	processID int

	// Peer carries the RPC state of this plugin's channel.
	Peer *rpc.Peer
}

// HasFlag reports whether the plugin carries a flag.
func (p *Plugin) HasFlag(flag string) bool {
	for _, f := range p.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Status returns the plugin lifecycle state.
func (p *Plugin) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == "" {
		return StatusInitializing
	}
	return p.status
}

// SetStatus moves the plugin to a new lifecycle state.
func (p *Plugin) SetStatus(status string) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

// ProcessID returns the worker process id, 0 if not launched.
func (p *Plugin) ProcessID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processID
}

// SetProcessID records the worker process id.
func (p *Plugin) SetProcessID(pid int) {
	p.mu.Lock()
	p.processID = pid
	p.mu.Unlock()
}
