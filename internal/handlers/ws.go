// Package handlers provides the HTTP and websocket entry points of the
// broker: the session endpoint, the control frames served over it, the
// service gateway and the mounted sub-applications.
package handlers

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hivegate/hivegate/internal/auth"
	"github.com/hivegate/hivegate/internal/config"
	"github.com/hivegate/hivegate/internal/core"
	"github.com/hivegate/hivegate/internal/supervisor"
	ws "github.com/hivegate/hivegate/internal/websocket"
)

// APIVersion is the protocol version reported to clients.
const APIVersion = "0.2.0"

// Version is the engine version reported to clients.
const Version = "0.11.13"

// WSHandler upgrades session connections and serves the session-level
// control frames.
type WSHandler struct {
	hub        *ws.Hub
	tokens     *auth.TokenManager
	registry   *core.Registry
	supervisor *supervisor.Supervisor
	cfg        *config.Config

	// engineToken is the connection token persisted in the workspace dir
	engineToken string

	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewWSHandler creates the websocket handler and registers the control
// frames on the hub.
func NewWSHandler(hub *ws.Hub, tokens *auth.TokenManager, registry *core.Registry, sup *supervisor.Supervisor, cfg *config.Config, engineToken string, log zerolog.Logger) *WSHandler {
	h := &WSHandler{
		hub:         hub,
		tokens:      tokens,
		registry:    registry,
		supervisor:  sup,
		cfg:         cfg,
		engineToken: engineToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				for _, origin := range cfg.AllowOrigins {
					if origin == "*" || origin == r.Header.Get("Origin") {
						return true
					}
				}
				return false
			},
		},
		log: log.With().Str("component", "ws").Logger(),
	}

	hub.HandleControl("register_client", h.onRegisterClient)
	hub.HandleControl("init_plugin", h.onInitPlugin)
	hub.HandleControl("kill_plugin", h.onKillPlugin)
	hub.HandleControl("kill_plugin_process", h.onKillPluginProcess)
	hub.HandleControl("reset_engine", h.onResetEngine)
	hub.HandleControl("get_engine_status", h.onGetEngineStatus)
	return h
}

// RegisterRoutes registers the websocket endpoint.
func (h *WSHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/ws", h.HandleConnection)
}

// HandleConnection upgrades the HTTP connection and runs the session
// pumps. A bearer token admits a known identity; its absence admits a
// fresh anonymous user. Worker processes attach to their plugin channel
// with the secret minted at init_plugin.
func (h *WSHandler) HandleConnection(c *gin.Context) {
	var user *core.UserInfo
	authorization := c.GetHeader("Authorization")
	if authorization == "" && c.Query("token") != "" {
		authorization = "Bearer " + c.Query("token")
	}
	if authorization != "" {
		decoded, err := h.tokens.ValidToken(authorization)
		if err != nil {
			h.log.Warn().Err(err).Msg("Websocket authentication failed")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}
		user = h.registry.GetOrCreateUser(decoded)
	} else {
		user = h.registry.GetOrCreateUser(auth.AnonymousUser())
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	session := ws.NewSession(uuid.NewString(), user, conn, h.hub, h.log)
	user.AddSession(session.ID)
	h.hub.RegisterSession(session)
	h.registry.Bus().Emit("user_connected", user)

	// a worker process binds itself to its plugin channel
	if secret := c.Query("plugin_secret"); secret != "" {
		if !h.hub.AttachWorker(secret, session) {
			h.log.Warn().Msg("Worker presented an unknown plugin secret")
			h.hub.UnregisterSession(session)
			conn.Close()
			return
		}
	}

	session.Run()
}

// onRegisterClient validates the engine connection token and binds the
// client and workspace to the session. Bad tokens count against the
// engine-wide attempt backstop.
func (h *WSHandler) onRegisterClient(session *ws.Session, frame ws.Frame) (any, error) {
	token, _ := frame["token"].(string)
	if token != h.engineToken {
		h.log.Debug().Msg("Engine token mismatch")
		h.hub.RecordBadRegistration()
		return map[string]any{"success": false}, nil
	}
	h.hub.ResetAttempts()

	clientID, _ := frame["id"].(string)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	workspace, _ := frame["workspace"].(string)
	if workspace == "" {
		workspace = "default"
	}
	session.ClientID = clientID
	session.Workspace = workspace

	h.log.Info().Str("client", clientID).Str("workspace", workspace).Msg("Register client")
	return map[string]any{
		"success": true,
		"engine_info": map[string]any{
			"api_version": APIVersion,
			"version":     Version,
			"platform": map[string]any{
				"system":    runtime.GOOS,
				"machine":   runtime.GOARCH,
				"num_cpus":  runtime.NumCPU(),
				"goversion": runtime.Version(),
			},
		},
	}, nil
}

func (h *WSHandler) onInitPlugin(session *ws.Session, frame ws.Frame) (any, error) {
	pluginID, _ := frame["id"].(string)
	if pluginID == "" {
		pluginID = uuid.NewString()
	}
	raw, _ := frame["config"].(map[string]any)
	cfg := parsePluginConfig(raw)
	reply := h.supervisor.InitPlugin(session, pluginID, cfg)
	return reply, nil
}

func parsePluginConfig(raw map[string]any) supervisor.InitPluginConfig {
	cfg := supervisor.InitPluginConfig{}
	if raw == nil {
		return cfg
	}
	cfg.Name, _ = raw["name"].(string)
	cfg.Type, _ = raw["type"].(string)
	cfg.Tag, _ = raw["tag"].(string)
	cfg.Cmd, _ = raw["cmd"].(string)
	cfg.Workspace, _ = raw["workspace"].(string)
	cfg.Env = raw["env"]
	if flags, ok := raw["flags"].([]any); ok {
		for _, f := range flags {
			if s, ok := f.(string); ok {
				cfg.Flags = append(cfg.Flags, s)
			}
		}
	}
	if reqs, ok := raw["requirements"].([]any); ok {
		for _, r := range reqs {
			if s, ok := r.(string); ok {
				cfg.Requirements = append(cfg.Requirements, s)
			}
		}
	}
	return cfg
}

func (h *WSHandler) onKillPlugin(session *ws.Session, frame ws.Frame) (any, error) {
	if session.ClientID == "" {
		return map[string]any{"success": false, "error": "client has not been registered"}, nil
	}
	pluginID, _ := frame["id"].(string)
	h.supervisor.KillPlugin(pluginID)
	return map[string]any{"success": true}, nil
}

func (h *WSHandler) onKillPluginProcess(session *ws.Session, frame ws.Frame) (any, error) {
	if session.ClientID == "" {
		return map[string]any{"success": false, "error": "client has not been registered"}, nil
	}
	if all, _ := frame["all"].(bool); all {
		for _, pid := range h.supervisor.ProcessIDs() {
			if err := h.supervisor.KillPluginProcess(pid); err != nil {
				h.log.Debug().Int("pid", pid).Err(err).Msg("Failed to kill process")
			}
		}
		return map[string]any{"success": true}, nil
	}
	pid, err := intArg(frame["pid"])
	if err != nil {
		return map[string]any{"success": false, "error": "invalid pid"}, nil
	}
	if err := h.supervisor.KillPluginProcess(pid); err != nil {
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	return map[string]any{"success": true}, nil
}

func (h *WSHandler) onResetEngine(session *ws.Session, frame ws.Frame) (any, error) {
	if session.ClientID == "" {
		return map[string]any{"success": false, "error": "client has not been registered"}, nil
	}
	h.supervisor.KillAllPlugins(session.ID)
	return map[string]any{"success": true}, nil
}

func (h *WSHandler) onGetEngineStatus(session *ws.Session, frame ws.Frame) (any, error) {
	if session.ClientID == "" {
		return map[string]any{"success": false, "error": "client has not been registered"}, nil
	}
	plugins := h.supervisor.Plugins()
	names := make([]any, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, map[string]any{"id": p.ID, "name": p.Name})
	}
	return map[string]any{
		"success":     true,
		"plugin_num":  len(plugins),
		"plugins":     names,
		"process_ids": h.supervisor.ProcessIDs(),
		"session_num": len(h.hub.Sessions()),
	}, nil
}

func intArg(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, errInvalidInt
}

var errInvalidInt = &invalidIntError{}

type invalidIntError struct{}

func (*invalidIntError) Error() string { return "not an integer" }
